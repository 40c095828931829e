package analyze

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/koltyakov/pgproblems/internal/collect"
)

const (
	largeDatabaseBytes = 100 << 30
	walBytesPerSecHigh = 100_000_000
	staleAutovacuum    = 7 * 24 * time.Hour
)

// EvaluateWritePath runs the locking, transaction, maintenance and write I/O
// rules.
func EvaluateWritePath(s *collect.Snapshot, now time.Time) []Problem {
	var out []Problem
	out = append(out, lockingProblems(s, now)...)
	out = append(out, transactionProblems(s, now)...)
	out = append(out, maintenanceProblems(s, now)...)
	out = append(out, writeIOProblems(s, now)...)
	return out
}

func lockingProblems(s *collect.Snapshot, now time.Time) []Problem {
	var out []Problem

	var totalDeadlocks int64
	var dbs []map[string]any
	for _, r := range s.Deadlocks {
		totalDeadlocks += r.Deadlocks
		if r.Deadlocks > 0 {
			dbs = append(dbs, map[string]any{"database": r.Datname, "deadlocks": r.Deadlocks})
		}
	}
	if totalDeadlocks > 0 {
		out = append(out, Problem{
			ID:           "deadlocks-detected",
			Priority:     PriorityHigh,
			Category:     CategoryLocking,
			Path:         PathWrite,
			Title:        "Deadlocks Detected",
			Message:      fmt.Sprintf("%d deadlock(s) in total across %d database(s)", totalDeadlocks, len(dbs)),
			Action:       "Review transactions that may deadlock. Check lock ordering and timeouts",
			CurrentValue: num(totalDeadlocks),
			Threshold:    num(0),
			Metadata:     map[string]any{"databases": dbs},
			DetectedAt:   now,
		})
	}

	var summaryWaiting int64
	var modes []map[string]any
	for _, r := range s.LockSummary {
		if r.Waiting > 0 {
			summaryWaiting += r.Waiting
			modes = append(modes, map[string]any{"mode": r.Mode, "waiting": r.Waiting, "granted": r.Granted})
		}
	}
	if len(modes) > 0 {
		out = append(out, Problem{
			ID:           "lock-summary-waiting",
			Priority:     PriorityHigh,
			Category:     CategoryLocking,
			Path:         PathWrite,
			Title:        "Locks Are Waiting",
			Message:      fmt.Sprintf("%d lock(s) waiting in total", summaryWaiting),
			Action:       "Check blocked sessions and queries holding locks for too long",
			CurrentValue: num(summaryWaiting),
			Threshold:    num(0),
			Metadata:     map[string]any{"locksByMode": modes},
			DetectedAt:   now,
		})
	}

	if n := len(s.BlockedSessions); n > 0 {
		blocked := make([]int32, n)
		blocking := make([]int32, n)
		for i, r := range s.BlockedSessions {
			blocked[i] = r.BlockedPID
			blocking[i] = r.BlockingPID
		}
		out = append(out, Problem{
			ID:           "blocked-sessions",
			Priority:     PriorityHigh,
			Category:     CategoryLocking,
			Path:         PathWrite,
			Title:        "Sessions Are Blocked",
			Message:      fmt.Sprintf("%d session(s) blocked by locks", n),
			Action:       "Inspect blocking queries and consider terminating long-running transactions that hold locks",
			CurrentValue: num(n),
			Threshold:    num(0),
			Metadata:     map[string]any{"blockedPids": blocked, "blockingPids": blocking},
			DetectedAt:   now,
		})
	}

	var modeWaiting int64
	var byType []map[string]any
	for _, r := range s.WaitByLockMode {
		if r.Waiting > 0 {
			modeWaiting += r.Waiting
			byType = append(byType, map[string]any{"locktype": r.LockType, "mode": r.Mode, "waiting": r.Waiting, "held": r.Held})
		}
	}
	if len(byType) > 0 {
		out = append(out, Problem{
			ID:           "wait-by-lock-mode",
			Priority:     PriorityHigh,
			Category:     CategoryLocking,
			Path:         PathWrite,
			Title:        "Lock Waits by Mode",
			Message:      fmt.Sprintf("%d lock(s) waiting across %d lock mode(s)", modeWaiting, len(byType)),
			Action:       "Analyze lock modes to identify which kind of lock is causing contention",
			CurrentValue: num(modeWaiting),
			Threshold:    num(0),
			Metadata:     map[string]any{"locksByType": byType},
			DetectedAt:   now,
		})
	}

	var dbWaiting int64
	var perDB []map[string]any
	for _, r := range s.LockOverviewPerDB {
		if r.WaitingLocks > 0 {
			dbWaiting += r.WaitingLocks
			perDB = append(perDB, map[string]any{"database": r.Database, "waiting": r.WaitingLocks, "held": r.HeldLocks, "total": r.TotalLocks})
		}
	}
	if len(perDB) > 0 {
		out = append(out, Problem{
			ID:           "lock-overview-per-db-waiting",
			Priority:     PriorityHigh,
			Category:     CategoryLocking,
			Path:         PathWrite,
			Title:        "Lock Waits by Database",
			Message:      fmt.Sprintf("%d database(s) with waiting locks (%d locks in total)", len(perDB), dbWaiting),
			Action:       "Check the databases with waiting locks and identify the cause",
			CurrentValue: num(dbWaiting),
			Threshold:    num(0),
			Metadata:     map[string]any{"databases": perDB},
			DetectedAt:   now,
		})
	}

	var totalLocks int64
	for _, r := range s.Locks {
		totalLocks += r.Count
	}
	if totalLocks > 1000 {
		// Sort a copy; the snapshot is shared with other evaluators.
		top := append([]collect.LockCount(nil), s.Locks...)
		sort.SliceStable(top, func(i, j int) bool { return top[i].Count > top[j].Count })
		top = top[:min(len(top), 5)]
		labels := make([]string, len(top))
		lockModes := make([]map[string]any, len(top))
		for i, r := range top {
			labels[i] = fmt.Sprintf("%s (%d)", r.Mode, r.Count)
			lockModes[i] = map[string]any{"mode": r.Mode, "count": r.Count}
		}
		out = append(out, Problem{
			ID:           "current-locks-high",
			Priority:     PriorityMedium,
			Category:     CategoryLocking,
			Path:         PathWrite,
			Title:        "Too Many Locks Held",
			Message:      fmt.Sprintf("%d locks currently active. Top lock modes: %s", totalLocks, strings.Join(labels, ", ")),
			Action:       "Check transactions holding many locks. Optimize queries and shorten transactions",
			CurrentValue: num(totalLocks),
			Threshold:    num(1000),
			Metadata:     map[string]any{"lockModes": lockModes},
			DetectedAt:   now,
		})
	}

	return out
}

func transactionProblems(s *collect.Snapshot, now time.Time) []Problem {
	var out []Problem

	if n := len(s.OldestIdleTransaction); n > 0 {
		sample := s.OldestIdleTransaction[:min(n, 5)]
		txs := make([]map[string]any, len(sample))
		for i, r := range sample {
			txs[i] = map[string]any{"pid": r.PID, "database": deref(r.Database), "idleDuration": deref(r.IdleDuration)}
		}
		out = append(out, Problem{
			ID:           "oldest-idle-transaction",
			Priority:     PriorityHigh,
			Category:     CategoryTransaction,
			Path:         PathWrite,
			Title:        "Transactions Idle Too Long",
			Message:      fmt.Sprintf("%d transaction(s) idle in transaction and may be holding locks", n),
			Action:       "Find and terminate idle transactions. Consider setting idle_in_transaction_session_timeout",
			CurrentValue: num(n),
			Threshold:    num(0),
			Metadata:     map[string]any{"transactions": txs},
			DetectedAt:   now,
		})
	}

	var names []string
	var dbs []map[string]any
	for _, r := range s.TPSRollbackRate {
		if r.RollbackPct == nil || *r.RollbackPct <= 5 {
			continue
		}
		names = append(names, r.Database)
		dbs = append(dbs, map[string]any{
			"database":    r.Database,
			"rollbackPct": *r.RollbackPct,
			"tps":         deref(r.TPS),
			"commits":     deref(r.Commits),
			"rollbacks":   deref(r.Rollbacks),
		})
	}
	if len(dbs) > 0 {
		out = append(out, Problem{
			ID:           "rollback-rate-high",
			Priority:     PriorityHigh,
			Category:     CategoryTransaction,
			Path:         PathWrite,
			Title:        "High Rollback Rate",
			Message:      fmt.Sprintf("%d database(s) with rollback rate > 5%% (%s)", len(dbs), nameList(names, 3)),
			Action:       "Check logs and transaction design. Rollbacks may come from application errors or deadlocks",
			CurrentValue: num(len(dbs)),
			Threshold:    num(5),
			Metadata:     map[string]any{"databases": dbs},
			DetectedAt:   now,
		})
	}

	return out
}

func maintenanceProblems(s *collect.Snapshot, now time.Time) []Problem {
	var out []Problem

	var deadNames []string
	var deadTables []map[string]any
	for _, r := range s.DeadTuples {
		if r.DeadPercent == nil || *r.DeadPercent <= 50 {
			continue
		}
		deadNames = append(deadNames, r.Schema+"."+r.Table)
		deadTables = append(deadTables, map[string]any{
			"schema":          r.Schema,
			"table":           r.Table,
			"deadPercent":     *r.DeadPercent,
			"autovacuumCount": deref(r.AutovacuumCount),
			"vacuumCount":     deref(r.VacuumCount),
		})
	}
	if len(deadTables) > 0 {
		out = append(out, Problem{
			ID:           "dead-tuples-high",
			Priority:     PriorityHigh,
			Category:     CategoryMaintenance,
			Path:         PathWrite,
			Title:        "Too Many Dead Tuples",
			Message:      fmt.Sprintf("%d table(s) with dead tuples > 50%% (%s)", len(deadTables), nameList(deadNames, 3)),
			Action:       "Run VACUUM manually or tune autovacuum settings. Dead tuples slow queries down and waste disk",
			CurrentValue: num(len(deadTables)),
			Threshold:    num(50),
			Metadata:     map[string]any{"tables": deadTables},
			DetectedAt:   now,
		})
	}

	var staleNames []string
	var staleTables []map[string]any
	for _, r := range s.AutoVacuum {
		if r.LastAutovacuum != nil && now.Sub(*r.LastAutovacuum) <= staleAutovacuum {
			continue
		}
		staleNames = append(staleNames, r.Relname)
		staleTables = append(staleTables, map[string]any{
			"table":          r.Relname,
			"lastAutovacuum": timeOrNil(r.LastAutovacuum),
			"deadTuples":     deref(r.DeadTuples),
			"liveTuples":     deref(r.LiveTuples),
		})
	}
	if len(staleTables) > 0 {
		out = append(out, Problem{
			ID:           "autovacuum-not-recent",
			Priority:     PriorityMedium,
			Category:     CategoryMaintenance,
			Path:         PathWrite,
			Title:        "Autovacuum Not Run Recently",
			Message:      fmt.Sprintf("%d table(s) without autovacuum in > 7 days (%s)", len(staleTables), nameList(staleNames, 3)),
			Action:       "Check autovacuum settings and consider running VACUUM manually on these tables",
			CurrentValue: num(len(staleTables)),
			Threshold:    num(7),
			Metadata:     map[string]any{"tables": staleTables},
			DetectedAt:   now,
		})
	}

	return out
}

func writeIOProblems(s *collect.Snapshot, now time.Time) []Problem {
	var out []Problem

	if w := s.WALThroughput; w != nil && w.BytesPerSec != nil && *w.BytesPerSec > walBytesPerSecHigh {
		out = append(out, Problem{
			ID:           "wal-throughput-high",
			Priority:     PriorityMedium,
			Category:     CategoryIO,
			Path:         PathWrite,
			Title:        "High WAL Throughput",
			Message:      fmt.Sprintf("WAL throughput: %s/s", FormatBytes(*w.BytesPerSec)),
			Action:       "High WAL throughput indicates a heavy write workload. Consider optimizing writes or increasing wal_buffers",
			CurrentValue: num(*w.BytesPerSec),
			Threshold:    num(walBytesPerSecHigh),
			Metadata: map[string]any{
				"walRecords": deref(w.Records),
				"walFpi":     deref(w.FPI),
				"walBytes":   deref(w.Bytes),
			},
			DetectedAt: now,
		})
	}

	if c := s.Checkpoints; c != nil && c.NumDone != nil {
		done := *c.NumDone
		writeTime, syncTime := orZero(c.WriteTime), orZero(c.SyncTime)
		if done > 100 && writeTime+syncTime > 1000 {
			out = append(out, Problem{
				ID:           "checkpoints-too-frequent",
				Priority:     PriorityMedium,
				Category:     CategoryIO,
				Path:         PathWrite,
				Title:        "Checkpoints Too Frequent",
				Message:      fmt.Sprintf("%d checkpoints done with write time %.2fms and sync time %.2fms", done, writeTime, syncTime),
				Action:       "Consider tuning checkpoint_timeout or max_wal_size to reduce checkpoint frequency",
				CurrentValue: num(done),
				Threshold:    num(100),
				Metadata: map[string]any{
					"numTimed":       deref(c.NumTimed),
					"numRequested":   deref(c.NumRequested),
					"numDone":        done,
					"writeTime":      deref(c.WriteTime),
					"syncTime":       deref(c.SyncTime),
					"buffersWritten": deref(c.BuffersWritten),
				},
				DetectedAt: now,
			})
		}
	}

	var names []string
	var dbs []map[string]any
	for _, r := range s.DBSizes {
		if ParseSize(r.Size) > largeDatabaseBytes {
			names = append(names, r.Datname)
			dbs = append(dbs, map[string]any{"database": r.Datname, "size": r.Size})
		}
	}
	if len(dbs) > 0 {
		out = append(out, Problem{
			ID:           "database-sizes-large",
			Priority:     PriorityLow,
			Category:     CategoryIO,
			Path:         PathWrite,
			Title:        "Very Large Databases",
			Message:      fmt.Sprintf("%d database(s) larger than 100 GB (%s)", len(dbs), nameList(names, 3)),
			Action:       "Check for bloat and unneeded data, and consider archiving old data. Track growth over time",
			CurrentValue: num(len(dbs)),
			Threshold:    num(0),
			Metadata:     map[string]any{"databases": dbs},
			DetectedAt:   now,
		})
	}

	return out
}
