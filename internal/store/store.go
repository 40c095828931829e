// Package store persists detected problems and reconciles them across scans.
//
// A stored problem is keyed by (problem id, database name, instance label)
// among open rows only. Re-detecting an open problem overwrites it in place;
// re-detecting a resolved one inserts a new open row. Problems missing from
// the latest scan of a scope are resolved in one set-based update.
package store

import (
	"context"
	"time"

	"github.com/koltyakov/pgproblems/internal/analyze"
)

// Status is the lifecycle state of a stored problem.
type Status string

const (
	StatusOpen       Status = "open"
	StatusResolved   Status = "resolved"
	StatusSuppressed Status = "suppressed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusResolved, StatusSuppressed:
		return true
	}
	return false
}

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// DefaultStaleAge is the default age used by ResolveOlderThan.
const DefaultStaleAge = 30 * time.Minute

// Scope identifies the monitored database a problem belongs to.
// Empty strings mean "unknown" and compare equal to each other.
type Scope struct {
	DatabaseName   string `json:"database_name"`
	InstanceLabel  string `json:"instance_label"`
	ConnectionHost string `json:"connection_host"`
}

// StoredProblem is a persisted Problem with its lifecycle fields.
type StoredProblem struct {
	RowID          int64            `db:"id" json:"id"`
	ProblemID      string           `db:"problem_id" json:"problem_id"`
	Priority       analyze.Priority `db:"priority" json:"priority"`
	Category       analyze.Category `db:"category" json:"category"`
	Path           analyze.Path     `db:"path" json:"path"`
	Title          string           `db:"title" json:"title"`
	Message        string           `db:"message" json:"message"`
	Action         string           `db:"action" json:"action"`
	CurrentValue   *float64         `db:"current_value" json:"current_value,omitempty"`
	Threshold      *float64         `db:"threshold" json:"threshold,omitempty"`
	Metadata       map[string]any   `db:"metadata" json:"metadata,omitempty"`
	Status         Status           `db:"status" json:"status"`
	DatabaseName   string           `db:"database_name" json:"database_name"`
	InstanceLabel  string           `db:"instance_label" json:"instance_label"`
	ConnectionHost string           `db:"connection_host" json:"connection_host"`
	DetectedAt     time.Time        `db:"detected_at" json:"detected_at"`
	FirstSeenAt    time.Time        `db:"first_seen_at" json:"first_seen_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// Scope returns the scope the row belongs to.
func (p StoredProblem) Scope() Scope {
	return Scope{DatabaseName: p.DatabaseName, InstanceLabel: p.InstanceLabel, ConnectionHost: p.ConnectionHost}
}

// Problem returns the detection view of the row.
func (p StoredProblem) Problem() analyze.Problem {
	return analyze.Problem{
		ID:           p.ProblemID,
		Priority:     p.Priority,
		Category:     p.Category,
		Path:         p.Path,
		Title:        p.Title,
		Message:      p.Message,
		Action:       p.Action,
		CurrentValue: p.CurrentValue,
		Threshold:    p.Threshold,
		Metadata:     p.Metadata,
		DetectedAt:   p.DetectedAt,
	}
}

// Stats counts stored problems by status.
type Stats struct {
	Total      int64 `db:"total" json:"total"`
	Open       int64 `db:"open" json:"open"`
	Resolved   int64 `db:"resolved" json:"resolved"`
	Suppressed int64 `db:"suppressed" json:"suppressed"`
}

// ListOptions filters List. Zero values select open problems, 50 rows.
type ListOptions struct {
	Status Status
	Limit  int
}

func (o ListOptions) normalized() ListOptions {
	if o.Status == "" {
		o.Status = StatusOpen
	}
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	return o
}

// Tx is the set of writes available inside one atomic batch.
type Tx interface {
	// UpsertOpen writes p as the open row for its key in scope and returns the
	// row id.
	UpsertOpen(ctx context.Context, scope Scope, p analyze.Problem) (int64, error)

	// ResolveStale resolves every open row in scope whose problem id is not in
	// currentIDs. An empty currentIDs resolves all open rows in scope.
	ResolveStale(ctx context.Context, scope Scope, currentIDs []string) (int64, error)
}

// Store persists problems.
type Store interface {
	// WithTx runs fn in one transaction. Any error from fn rolls back every
	// write made through tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Save upserts problems as open rows in one transaction.
	Save(ctx context.Context, scope Scope, problems []analyze.Problem) error

	// List returns rows with the given status, newest detection first.
	List(ctx context.Context, opts ListOptions) ([]StoredProblem, error)

	// Stats counts rows by status.
	Stats(ctx context.Context) (Stats, error)

	// ResolveOlderThan resolves open rows not re-detected within age and
	// returns their row ids.
	ResolveOlderThan(ctx context.Context, age time.Duration) ([]int64, error)

	Close()
}

// saveInTx is the shared Save implementation.
func saveInTx(ctx context.Context, s Store, scope Scope, problems []analyze.Problem) error {
	if len(problems) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx Tx) error {
		for _, p := range problems {
			if _, err := tx.UpsertOpen(ctx, scope, p); err != nil {
				return err
			}
		}
		return nil
	})
}
