package collect

import (
	"math"
	"strings"
)

// normalize cleans values at the snapshot boundary so rule evaluators can
// trust what they read. Non-finite floats become "no data" and size strings
// are trimmed.
func normalize(s *Snapshot) {
	if s.Overview != nil {
		s.Overview.CacheHitPercent = finite(s.Overview.CacheHitPercent)
	}
	if s.ConnectionUsage != nil && (math.IsNaN(s.ConnectionUsage.UsedPercent) || math.IsInf(s.ConnectionUsage.UsedPercent, 0)) {
		s.ConnectionUsage = nil
	}
	for i := range s.IndexUsage {
		s.IndexUsage[i].IdxUsage = finite(s.IndexUsage[i].IdxUsage)
	}
	for i := range s.SeqVsIdxScans {
		s.SeqVsIdxScans[i].IdxUsagePercent = finite(s.SeqVsIdxScans[i].IdxUsagePercent)
	}
	for i := range s.TPSRollbackRate {
		r := &s.TPSRollbackRate[i]
		r.TPS = finite(r.TPS)
		r.RollbackPct = finite(r.RollbackPct)
	}
	for i := range s.PerDBCacheHit {
		s.PerDBCacheHit[i].CacheHitPct = finite(s.PerDBCacheHit[i].CacheHitPct)
	}
	for i := range s.DeadTuples {
		s.DeadTuples[i].DeadPercent = finite(s.DeadTuples[i].DeadPercent)
	}
	for i := range s.TableSizes {
		t := &s.TableSizes[i]
		t.TotalSize = strings.TrimSpace(t.TotalSize)
		t.TableSize = strings.TrimSpace(t.TableSize)
		t.IndexSize = strings.TrimSpace(t.IndexSize)
	}
	for i := range s.DBSizes {
		s.DBSizes[i].Size = strings.TrimSpace(s.DBSizes[i].Size)
	}
	if w := s.WALThroughput; w != nil {
		w.Bytes = finite(w.Bytes)
		w.BytesPerSec = finite(w.BytesPerSec)
	}
	if c := s.Checkpoints; c != nil {
		c.WriteTime = finite(c.WriteTime)
		c.SyncTime = finite(c.SyncTime)
	}
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}
