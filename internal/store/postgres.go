package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koltyakov/pgproblems/internal/analyze"
	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

const problemColumns = `id, problem_id, priority, category, path, title, message, action,
	current_value, threshold, metadata, status,
	database_name, instance_label, connection_host,
	detected_at, first_seen_at, updated_at`

const sqlUpsertOpen = `
INSERT INTO monitoring.problems (
	problem_id, priority, category, path, title, message, action,
	current_value, threshold, metadata, status,
	database_name, instance_label, connection_host,
	detected_at, first_seen_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'open', $11, $12, $13, $14, $14)
ON CONFLICT (problem_id, database_name, instance_label) WHERE status = 'open'
DO UPDATE SET
	priority        = EXCLUDED.priority,
	category        = EXCLUDED.category,
	path            = EXCLUDED.path,
	title           = EXCLUDED.title,
	message         = EXCLUDED.message,
	action          = EXCLUDED.action,
	current_value   = EXCLUDED.current_value,
	threshold       = EXCLUDED.threshold,
	metadata        = EXCLUDED.metadata,
	connection_host = EXCLUDED.connection_host,
	detected_at     = EXCLUDED.detected_at,
	updated_at      = now()
RETURNING id`

// An empty $3 makes <> ALL true for every row, resolving the whole scope.
const sqlResolveStale = `
UPDATE monitoring.problems
SET status = 'resolved', updated_at = now()
WHERE status = 'open'
	AND database_name = $1
	AND instance_label = $2
	AND problem_id <> ALL($3::text[])`

const sqlResolveOlderThan = `
UPDATE monitoring.problems
SET status = 'resolved', updated_at = now()
WHERE status = 'open' AND detected_at < $1
RETURNING id`

const sqlListProblems = `
SELECT ` + problemColumns + `
FROM monitoring.problems
WHERE status = $1
ORDER BY detected_at DESC, id DESC
LIMIT $2`

const sqlStats = `
SELECT
	COUNT(*)::int8                                          AS total,
	COUNT(*) FILTER (WHERE status = 'open')::int8          AS open,
	COUNT(*) FILTER (WHERE status = 'resolved')::int8      AS resolved,
	COUNT(*) FILTER (WHERE status = 'suppressed')::int8    AS suppressed
FROM monitoring.problems`

// Postgres is a Store backed by the monitoring.problems table.
type Postgres struct {
	pool  *pgxpool.Pool
	owned bool
	now   func() time.Time
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to url and returns a Store that owns the pool.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, apperrors.NewPersistenceError("connect", "", fmt.Errorf("%w: %w", apperrors.ErrConnectionFailed, err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.NewPersistenceError("connect", "", fmt.Errorf("%w: %w", apperrors.ErrConnectionFailed, err))
	}
	return &Postgres{pool: pool, owned: true, now: time.Now}, nil
}

// NewPostgres wraps an existing pool. Close leaves the pool open.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, now: time.Now}
}

// Pool returns the underlying pool.
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

// WithTx runs fn in a database transaction. A panic in fn rolls back and is
// re-raised.
func (s *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.NewPersistenceError("begin", "", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewPersistenceError("commit", "", err)
	}
	return nil
}

// Save upserts problems as open rows in one transaction.
func (s *Postgres) Save(ctx context.Context, scope Scope, problems []analyze.Problem) error {
	return saveInTx(ctx, s, scope, problems)
}

// List returns stored problems with the given status.
func (s *Postgres) List(ctx context.Context, opts ListOptions) ([]StoredProblem, error) {
	opts = opts.normalized()
	rows, err := s.pool.Query(ctx, sqlListProblems, string(opts.Status), opts.Limit)
	if err != nil {
		return nil, apperrors.NewPersistenceError("list", "", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[StoredProblem])
	if err != nil {
		return nil, apperrors.NewPersistenceError("list", "", err)
	}
	return out, nil
}

// Stats counts stored problems by status.
func (s *Postgres) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, sqlStats)
	if err != nil {
		return Stats{}, apperrors.NewPersistenceError("stats", "", err)
	}
	st, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[Stats])
	if err != nil {
		return Stats{}, apperrors.NewPersistenceError("stats", "", err)
	}
	return st, nil
}

// ResolveOlderThan resolves open rows whose last detection is older than age.
func (s *Postgres) ResolveOlderThan(ctx context.Context, age time.Duration) ([]int64, error) {
	rows, err := s.pool.Query(ctx, sqlResolveOlderThan, s.now().Add(-age))
	if err != nil {
		return nil, apperrors.NewPersistenceError("auto-resolve", "", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, apperrors.NewPersistenceError("auto-resolve", "", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

// Ping checks connectivity to the store database.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool if the store opened it.
func (s *Postgres) Close() {
	if s.owned {
		s.pool.Close()
	}
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) UpsertOpen(ctx context.Context, scope Scope, p analyze.Problem) (int64, error) {
	var meta any
	if p.Metadata != nil {
		meta = p.Metadata
	}
	var id int64
	err := t.tx.QueryRow(ctx, sqlUpsertOpen,
		p.ID, string(p.Priority), string(p.Category), string(p.Path),
		p.Title, p.Message, p.Action,
		p.CurrentValue, p.Threshold, meta,
		scope.DatabaseName, scope.InstanceLabel, scope.ConnectionHost,
		p.DetectedAt,
	).Scan(&id)
	if err != nil {
		return 0, apperrors.NewPersistenceError("upsert", p.ID, err)
	}
	return id, nil
}

func (t *pgTx) ResolveStale(ctx context.Context, scope Scope, currentIDs []string) (int64, error) {
	if currentIDs == nil {
		currentIDs = []string{}
	}
	tag, err := t.tx.Exec(ctx, sqlResolveStale, scope.DatabaseName, scope.InstanceLabel, currentIDs)
	if err != nil {
		return 0, apperrors.NewPersistenceError("resolve", "", err)
	}
	return tag.RowsAffected(), nil
}
