package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/koltyakov/pgproblems/internal/analyze"
)

// Memory is an in-process Store. Transactions work on a copy of the rows
// that replaces the live set only on commit, so a failed batch leaves no
// trace.
type Memory struct {
	mu     sync.Mutex
	rows   []StoredProblem
	nextID int64
	now    func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{nextID: 1, now: time.Now}
}

// WithClock overrides the clock used for UpdatedAt and ResolveOlderThan.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// WithTx serializes transactions and commits fn's changes only when it
// returns nil.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{rows: slices.Clone(m.rows), nextID: m.nextID, now: m.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.rows, m.nextID = tx.rows, tx.nextID
	return nil
}

func (m *Memory) Save(ctx context.Context, scope Scope, problems []analyze.Problem) error {
	return saveInTx(ctx, m, scope, problems)
}

func (m *Memory) List(_ context.Context, opts ListOptions) ([]StoredProblem, error) {
	opts = opts.normalized()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []StoredProblem{}
	for _, r := range m.rows {
		if r.Status == opts.Status {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].RowID > out[j].RowID
	})
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	for _, r := range m.rows {
		st.Total++
		switch r.Status {
		case StatusOpen:
			st.Open++
		case StatusResolved:
			st.Resolved++
		case StatusSuppressed:
			st.Suppressed++
		}
	}
	return st, nil
}

func (m *Memory) ResolveOlderThan(_ context.Context, age time.Duration) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-age)
	ids := []int64{}
	for i := range m.rows {
		r := &m.rows[i]
		if r.Status == StatusOpen && r.DetectedAt.Before(cutoff) {
			r.Status = StatusResolved
			r.UpdatedAt = now
			ids = append(ids, r.RowID)
		}
	}
	return ids, nil
}

func (m *Memory) Close() {}

type memTx struct {
	rows   []StoredProblem
	nextID int64
	now    func() time.Time
}

func (t *memTx) UpsertOpen(_ context.Context, scope Scope, p analyze.Problem) (int64, error) {
	now := t.now()
	for i := range t.rows {
		r := &t.rows[i]
		if r.Status != StatusOpen || r.ProblemID != p.ID ||
			r.DatabaseName != scope.DatabaseName || r.InstanceLabel != scope.InstanceLabel {
			continue
		}
		firstSeen, id := r.FirstSeenAt, r.RowID
		*r = storedFrom(p, scope)
		r.RowID, r.FirstSeenAt, r.UpdatedAt = id, firstSeen, now
		return id, nil
	}

	r := storedFrom(p, scope)
	r.RowID = t.nextID
	r.FirstSeenAt = p.DetectedAt
	r.UpdatedAt = now
	t.nextID++
	t.rows = append(t.rows, r)
	return r.RowID, nil
}

func (t *memTx) ResolveStale(_ context.Context, scope Scope, currentIDs []string) (int64, error) {
	keep := make(map[string]bool, len(currentIDs))
	for _, id := range currentIDs {
		keep[id] = true
	}
	now := t.now()
	var n int64
	for i := range t.rows {
		r := &t.rows[i]
		if r.Status != StatusOpen || r.DatabaseName != scope.DatabaseName ||
			r.InstanceLabel != scope.InstanceLabel || keep[r.ProblemID] {
			continue
		}
		r.Status = StatusResolved
		r.UpdatedAt = now
		n++
	}
	return n, nil
}

func storedFrom(p analyze.Problem, scope Scope) StoredProblem {
	return StoredProblem{
		ProblemID:      p.ID,
		Priority:       p.Priority,
		Category:       p.Category,
		Path:           p.Path,
		Title:          p.Title,
		Message:        p.Message,
		Action:         p.Action,
		CurrentValue:   p.CurrentValue,
		Threshold:      p.Threshold,
		Metadata:       p.Metadata,
		Status:         StatusOpen,
		DatabaseName:   scope.DatabaseName,
		InstanceLabel:  scope.InstanceLabel,
		ConnectionHost: scope.ConnectionHost,
		DetectedAt:     p.DetectedAt,
	}
}
