package analyze

import (
	"fmt"
	"time"

	"github.com/koltyakov/pgproblems/internal/collect"
)

// EvaluateNeutral runs the connection and query rules that are not tied to a
// read or write path.
func EvaluateNeutral(s *collect.Snapshot, now time.Time) []Problem {
	var out []Problem

	if cu := s.ConnectionUsage; cu != nil && cu.UsedPercent > 80 {
		p := Problem{
			ID:           "connection-usage-high",
			Priority:     PriorityMedium,
			Category:     CategoryConnection,
			Path:         PathNeutral,
			Title:        "Connection Usage Too High",
			Message:      fmt.Sprintf("Connection usage is at %.2f%% (%d/%d connections)", cu.UsedPercent, cu.Current, cu.Max),
			Action:       "Consider increasing max_connections or tuning connection pooling",
			CurrentValue: num(cu.UsedPercent),
			Threshold:    num(80),
			DetectedAt:   now,
		}
		if cu.UsedPercent > 90 {
			p.Priority = PriorityHigh
			p.Action = "Increase max_connections immediately or tune connection pooling"
		}
		out = append(out, p)
	}

	// Blocked sessions and I/O waits are reported by their own rules.
	hasIOWait := false
	for _, w := range s.WaitEvents {
		if w.WaitEventType != nil && *w.WaitEventType == "IO" {
			hasIOWait = true
			break
		}
	}
	if ws := s.ActiveWaitingSessions; ws != nil && ws.Waiting > 0 && len(s.BlockedSessions) == 0 && !hasIOWait {
		out = append(out, Problem{
			ID:           "waiting-sessions",
			Priority:     PriorityHigh,
			Category:     CategoryConnection,
			Path:         PathNeutral,
			Title:        "Sessions Are Waiting",
			Message:      fmt.Sprintf("%d session(s) are waiting (possibly on locks or I/O)", ws.Waiting),
			Action:       "Check wait events and blocked sessions to find the cause",
			CurrentValue: num(ws.Waiting),
			Threshold:    num(0),
			Metadata: map[string]any{
				"active": ws.Active,
				"idle":   ws.Idle,
				"total":  ws.Total,
			},
			DetectedAt: now,
		})
	}

	if s.Overview != nil {
		for _, c := range s.Overview.ConnectionsByState {
			if c.State != "idle in transaction" || c.Count <= 5 {
				continue
			}
			states := make([]map[string]any, 0, len(s.Overview.ConnectionsByState))
			for _, st := range s.Overview.ConnectionsByState {
				states = append(states, map[string]any{"state": st.State, "count": st.Count})
			}
			out = append(out, Problem{
				ID:           "idle-in-transaction-high",
				Priority:     PriorityHigh,
				Category:     CategoryConnection,
				Path:         PathWrite,
				Title:        "Too Many Idle-in-Transaction Connections",
				Message:      fmt.Sprintf("%d connections are idle in transaction and may be holding locks", c.Count),
				Action:       "Find and terminate idle transactions. Consider setting idle_in_transaction_session_timeout",
				CurrentValue: num(c.Count),
				Threshold:    num(5),
				Metadata:     map[string]any{"connectionsByState": states},
				DetectedAt:   now,
			})
			break
		}
	}

	if p, ok := longRunningQueries(s.LongRunning, now); ok {
		out = append(out, p)
	}

	return out
}

// longRunningQueries emits at most one problem: the >5m variant wins over the
// >30s variant.
func longRunningQueries(rows []collect.LongRunningQuery, now time.Time) (Problem, bool) {
	if len(rows) == 0 {
		return Problem{}, false
	}
	var over5m, over30s []collect.LongRunningQuery
	for _, r := range rows {
		d := orZero(r.DurationSec)
		if d > 300 {
			over5m = append(over5m, r)
		}
		if d > 30 {
			over30s = append(over30s, r)
		}
	}

	switch {
	case len(over5m) > 0:
		return Problem{
			ID:           "long-running-queries",
			Priority:     PriorityHigh,
			Category:     CategoryQuery,
			Path:         PathNeutral,
			Title:        "Queries Running Too Long",
			Message:      fmt.Sprintf("%d query(s) running > 5 minutes (%d long-running queries in total)", len(over5m), len(rows)),
			Action:       "Review and optimize the long-running queries. Consider adding indexes or improving the query plan",
			CurrentValue: num(len(over5m)),
			Threshold:    num(0),
			Metadata: map[string]any{
				"totalLongRunning": len(rows),
				"veryLongRunning":  len(over5m),
				"queries":          querySample(over5m),
			},
			DetectedAt: now,
		}, true
	case len(over30s) > 0:
		return Problem{
			ID:           "long-running-queries-30s",
			Priority:     PriorityMedium,
			Category:     CategoryQuery,
			Path:         PathNeutral,
			Title:        "Queries Running Over 30s",
			Message:      fmt.Sprintf("%d query(s) running > 30 seconds", len(over30s)),
			Action:       "Review and optimize these queries. Consider adding indexes or improving the query plan",
			CurrentValue: num(len(over30s)),
			Threshold:    num(30),
			Metadata: map[string]any{
				"totalLongRunning": len(rows),
				"queries":          querySample(over30s),
			},
			DetectedAt: now,
		}, true
	}
	return Problem{}, false
}

func querySample(rows []collect.LongRunningQuery) []map[string]any {
	n := min(len(rows), 5)
	out := make([]map[string]any, 0, n)
	for _, r := range rows[:n] {
		var q any
		if r.Query != nil {
			q = truncate(*r.Query, 100)
		}
		out = append(out, map[string]any{
			"pid":      r.PID,
			"duration": deref(r.DurationSec),
			"query":    q,
		})
	}
	return out
}
