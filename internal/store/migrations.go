package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID guards concurrent Migrate calls from several instances.
const migrationLockID = 42001002

// Migration is one embedded schema change.
type Migration struct {
	Version   string
	Name      string
	AppliedAt *time.Time
}

// Migrate applies pending up migrations. It returns the versions applied.
// Another instance migrating at the same time makes Migrate fail fast.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	var done []string
	err := withMigrationLock(ctx, pool, func(conn *pgxpool.Conn) error {
		applied, available, err := migrationState(ctx, conn)
		if err != nil {
			return err
		}
		for _, m := range available {
			if _, ok := applied[m.Version]; ok {
				continue
			}
			if err := applyMigration(ctx, conn, m); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.Version, err)
			}
			done = append(done, m.Version)
		}
		return nil
	})
	return done, err
}

// MigrateDown rolls back the last steps applied migrations, newest first,
// and returns the versions rolled back.
func MigrateDown(ctx context.Context, pool *pgxpool.Pool, steps int) ([]string, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("invalid steps: %d", steps)
	}
	var done []string
	err := withMigrationLock(ctx, pool, func(conn *pgxpool.Conn) error {
		applied, available, err := migrationState(ctx, conn)
		if err != nil {
			return err
		}
		for _, m := range rollbackOrder(applied, available, steps) {
			if err := rollbackMigration(ctx, conn, m); err != nil {
				return fmt.Errorf("roll back migration %s: %w", m.Version, err)
			}
			done = append(done, m.Version)
		}
		return nil
	})
	return done, err
}

func withMigrationLock(ctx context.Context, pool *pgxpool.Pool, fn func(conn *pgxpool.Conn) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", migrationLockID).Scan(&locked); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance is running migrations")
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID)
	}()
	return fn(conn)
}

func migrationState(ctx context.Context, conn *pgxpool.Conn) (map[string]time.Time, []Migration, error) {
	if err := createMigrationsTable(ctx, conn); err != nil {
		return nil, nil, fmt.Errorf("create migrations table: %w", err)
	}
	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return nil, nil, fmt.Errorf("read applied migrations: %w", err)
	}
	available, err := availableMigrations()
	if err != nil {
		return nil, nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	return applied, available, nil
}

// rollbackOrder picks at most steps applied migrations, newest first.
func rollbackOrder(applied map[string]time.Time, available []Migration, steps int) []Migration {
	var out []Migration
	for i := len(available) - 1; i >= 0 && len(out) < steps; i-- {
		if _, ok := applied[available[i].Version]; ok {
			out = append(out, available[i])
		}
	}
	return out
}

// MigrationStatus lists embedded migrations with their applied time.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool) ([]Migration, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	applied, available, err := migrationState(ctx, conn)
	if err != nil {
		return nil, err
	}
	for i := range available {
		if at, ok := applied[available[i].Version]; ok {
			at := at
			available[i].AppliedAt = &at
		}
	}
	return available, nil
}

func createMigrationsTable(ctx context.Context, conn *pgxpool.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS monitoring;
		CREATE TABLE IF NOT EXISTS monitoring.schema_migrations (
			version    text PRIMARY KEY,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`)
	return err
}

func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) (map[string]time.Time, error) {
	rows, err := conn.Query(ctx, "SELECT version, applied_at FROM monitoring.schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		applied[version] = at
	}
	return applied, rows.Err()
}

// availableMigrations reads "<version>_<name>.up.sql" files in version order.
func availableMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		base := strings.TrimSuffix(name, ".up.sql")
		version, label, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("bad migration file name %q", name)
		}
		out = append(out, Migration{Version: version, Name: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, m Migration) error {
	body, err := migrationsFS.ReadFile(fmt.Sprintf("migrations/%s_%s.up.sql", m.Version, m.Name))
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "INSERT INTO monitoring.schema_migrations (version) VALUES ($1)", m.Version)
		return err
	})
}

func rollbackMigration(ctx context.Context, conn *pgxpool.Conn, m Migration) error {
	body, err := migrationsFS.ReadFile(downFile(m))
	if err != nil {
		return fmt.Errorf("read rollback file: %w", err)
	}
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "DELETE FROM monitoring.schema_migrations WHERE version = $1", m.Version)
		return err
	})
}

func downFile(m Migration) string {
	return fmt.Sprintf("migrations/%s_%s.down.sql", m.Version, m.Name)
}
