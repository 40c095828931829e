package analyze

import (
	"fmt"
	"time"

	"github.com/koltyakov/pgproblems/internal/collect"
)

const (
	largeTableBytes    = 10 << 30
	largeTempFileBytes = 1_000_000_000
)

// Suppressions carries cross-rule dependencies computed by the orchestrator.
type Suppressions struct {
	// SeqVsIndexScans silences seq-vs-index-scans-low because
	// index-usage-low already describes the same tables.
	SeqVsIndexScans bool
}

// EvaluateReadPath runs the cache, index usage, read I/O and temp file rules.
func EvaluateReadPath(s *collect.Snapshot, now time.Time, sup Suppressions) []Problem {
	var out []Problem

	if s.Overview != nil && s.Overview.CacheHitPercent != nil && *s.Overview.CacheHitPercent < 95 {
		hit := *s.Overview.CacheHitPercent
		p := Problem{
			ID:           "cache-hit-low-overall",
			Priority:     PriorityMedium,
			Category:     CategoryCache,
			Path:         PathRead,
			Title:        "Low Cache Hit Percentage",
			Message:      fmt.Sprintf("Overall cache hit: %.2f%%", hit),
			Action:       "Consider increasing shared_buffers or optimizing queries to raise the cache hit ratio",
			CurrentValue: num(hit),
			Threshold:    num(95),
			DetectedAt:   now,
		}
		if hit < 90 {
			p.Priority = PriorityHigh
			p.Action = "Increase shared_buffers now. Review the workload and consider adding RAM"
		}
		out = append(out, p)
	}

	var lowDBs []collect.DatabaseCacheHit
	anyBelow90 := false
	for _, r := range s.PerDBCacheHit {
		if r.CacheHitPct != nil && *r.CacheHitPct < 95 {
			lowDBs = append(lowDBs, r)
			anyBelow90 = anyBelow90 || *r.CacheHitPct < 90
		}
	}
	if len(lowDBs) > 0 {
		names := make([]string, len(lowDBs))
		dbs := make([]map[string]any, len(lowDBs))
		for i, r := range lowDBs {
			names[i] = r.Database
			dbs[i] = map[string]any{
				"database":    r.Database,
				"cacheHitPct": deref(r.CacheHitPct),
				"blksHit":     deref(r.BlksHit),
				"blksRead":    deref(r.BlksRead),
			}
		}
		p := Problem{
			ID:           "cache-hit-low-per-db",
			Priority:     PriorityMedium,
			Category:     CategoryCache,
			Path:         PathRead,
			Title:        "Low Cache Hit by Database",
			Message:      fmt.Sprintf("%d database(s) with cache hit < 95%% (%s)", len(lowDBs), nameList(names, 3)),
			Action:       "Review the workload of these databases and consider increasing shared_buffers",
			CurrentValue: num(len(lowDBs)),
			Threshold:    num(0),
			Metadata:     map[string]any{"databases": dbs},
			DetectedAt:   now,
		}
		if anyBelow90 {
			p.Priority = PriorityHigh
		}
		out = append(out, p)
	}

	if low := lowIndexUsage(s.IndexUsage); len(low) > 0 {
		names := make([]string, len(low))
		tables := make([]map[string]any, len(low))
		for i, r := range low {
			names[i] = r.Relname
			tables[i] = map[string]any{
				"table":    r.Relname,
				"idxUsage": deref(r.IdxUsage),
				"idxScan":  deref(r.IdxScan),
				"seqScan":  deref(r.SeqScan),
			}
		}
		out = append(out, Problem{
			ID:           "index-usage-low",
			Priority:     PriorityMedium,
			Category:     CategoryPerformance,
			Path:         PathRead,
			Title:        "Low Index Usage",
			Message:      fmt.Sprintf("%d table(s) with index usage < 50%% (%s)", len(low), nameList(names, 3)),
			Action:       "Consider indexing tables with high seq_scan counts. Analyze queries to choose suitable indexes",
			CurrentValue: num(len(low)),
			Threshold:    num(0),
			Metadata:     map[string]any{"tables": tables},
			DetectedAt:   now,
		})
	}

	if !sup.SeqVsIndexScans {
		var low []collect.ScanRatioRow
		for _, r := range s.SeqVsIdxScans {
			if r.IdxUsagePercent != nil && *r.IdxUsagePercent < 50 {
				low = append(low, r)
			}
		}
		if len(low) > 0 {
			names := make([]string, len(low))
			tables := make([]map[string]any, len(low))
			for i, r := range low {
				names[i] = r.Schema + "." + r.Relname
				tables[i] = map[string]any{
					"schema":          r.Schema,
					"table":           r.Relname,
					"idxUsagePercent": deref(r.IdxUsagePercent),
					"seqScan":         deref(r.SeqScan),
					"idxScan":         deref(r.IdxScan),
					"liveTuples":      deref(r.LiveTuples),
				}
			}
			out = append(out, Problem{
				ID:           "seq-vs-index-scans-low",
				Priority:     PriorityMedium,
				Category:     CategoryPerformance,
				Path:         PathRead,
				Title:        "Too Many Sequential Scans",
				Message:      fmt.Sprintf("%d table(s) with index usage < 50%% (%s)", len(low), nameList(names, 3)),
				Action:       "Analyze queries and create suitable indexes to reduce sequential scans",
				CurrentValue: num(len(low)),
				Threshold:    num(0),
				Metadata:     map[string]any{"tables": tables},
				DetectedAt:   now,
			})
		}
	}

	var large []collect.TableSizeRow
	for _, r := range s.TableSizes {
		if ParseSize(r.TotalSize) > largeTableBytes {
			large = append(large, r)
		}
	}
	if len(large) > 0 {
		names := make([]string, len(large))
		tables := make([]map[string]any, len(large))
		for i, r := range large {
			names[i] = r.Schema + "." + r.Relname
			tables[i] = map[string]any{
				"schema":    r.Schema,
				"table":     r.Relname,
				"totalSize": r.TotalSize,
				"tableSize": r.TableSize,
				"indexSize": r.IndexSize,
			}
		}
		out = append(out, Problem{
			ID:           "table-sizes-large",
			Priority:     PriorityLow,
			Category:     CategoryPerformance,
			Path:         PathRead,
			Title:        "Very Large Tables",
			Message:      fmt.Sprintf("%d table(s) larger than 10 GB (%s)", len(large), nameList(names, 3)),
			Action:       "Consider partitioning large tables. Check for bloat and run VACUUM FULL if needed",
			CurrentValue: num(len(large)),
			Threshold:    num(0),
			Metadata:     map[string]any{"tables": tables},
			DetectedAt:   now,
		})
	}

	ioWaits := 0
	for _, w := range s.WaitEvents {
		if w.WaitEventType != nil && *w.WaitEventType == "IO" {
			ioWaits++
		}
	}
	if ioWaits > 0 {
		out = append(out, Problem{
			ID:           "wait-events-io",
			Priority:     PriorityMedium,
			Category:     CategoryIO,
			Path:         PathRead,
			Title:        "Sessions Waiting on I/O",
			Message:      fmt.Sprintf("%d session(s) waiting on I/O (%d wait events in total)", ioWaits, len(s.WaitEvents)),
			Action:       "Check disk I/O performance. Consider increasing shared_buffers or optimizing queries to reduce disk reads",
			CurrentValue: num(ioWaits),
			Threshold:    num(0),
			Metadata: map[string]any{
				"totalWaitEvents": len(s.WaitEvents),
				"ioWaitEvents":    ioWaits,
			},
			DetectedAt: now,
		})
	}

	var withTemp []collect.TempFileRow
	var files, bytes int64
	for _, r := range s.TempFiles {
		if orZero(r.TempFiles) > 0 {
			withTemp = append(withTemp, r)
			files += *r.TempFiles
			bytes += orZero(r.TempBytes)
		}
	}
	if len(withTemp) > 0 {
		dbs := make([]map[string]any, len(withTemp))
		for i, r := range withTemp {
			dbs[i] = map[string]any{
				"database":  r.Datname,
				"tempFiles": deref(r.TempFiles),
				"tempBytes": deref(r.TempBytes),
			}
		}
		p := Problem{
			ID:           "temp-files-detected",
			Priority:     PriorityMedium,
			Category:     CategoryIO,
			Path:         PathRead,
			Title:        "Temp Files Detected",
			Message:      fmt.Sprintf("%d database(s) with temp files (%d files, %s in total)", len(withTemp), files, FormatBytes(float64(bytes))),
			Action:       "Consider increasing work_mem to reduce temp file spills. Temp files appear when sorts or hashes run out of memory",
			CurrentValue: num(files),
			Threshold:    num(0),
			Metadata:     map[string]any{"databases": dbs},
			DetectedAt:   now,
		}
		if bytes > largeTempFileBytes {
			p.Priority = PriorityHigh
		}
		out = append(out, p)
	}

	return out
}

// lowIndexUsage returns tables whose index usage is below 50%.
func lowIndexUsage(rows []collect.IndexUsageRow) []collect.IndexUsageRow {
	var low []collect.IndexUsageRow
	for _, r := range rows {
		if r.IdxUsage != nil && *r.IdxUsage < 50 {
			low = append(low, r)
		}
	}
	return low
}
