// Package migrate applies the embedded SQL schema for the PostgreSQL job store.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lockKey serializes concurrent migrators through pg_advisory_xact_lock.
const lockKey = 0x6d6d6b71 // "mmkq"

// Migration describes one embedded schema file.
type Migration struct {
	Version string
	Applied bool
}

type script struct {
	version string
	body    string
}

// scripts returns the embedded migrations ordered by file name.
func scripts() ([]script, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	slices.Sort(names)
	out := make([]script, 0, len(names))
	for _, name := range names {
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, script{version: strings.TrimSuffix(path.Base(name), ".sql"), body: string(body)})
	}
	return out, nil
}

// Run applies every pending migration, each in its own transaction, and
// returns the versions this call applied. Running it again is a no-op.
func Run(ctx context.Context, db *sql.DB) ([]string, error) {
	all, err := scripts()
	if err != nil {
		return nil, err
	}
	if err := ensureTable(ctx, db); err != nil {
		return nil, err
	}

	logger := slog.Default().With("component", "migrations")
	var applied []string
	for _, s := range all {
		ran, err := apply(ctx, db, s)
		if err != nil {
			return applied, err
		}
		if ran {
			logger.InfoContext(ctx, "applied migration", "version", s.version)
			applied = append(applied, s.version)
		}
	}
	return applied, nil
}

// Status lists every embedded migration and whether it has been applied.
func Status(ctx context.Context, db *sql.DB) ([]Migration, error) {
	all, err := scripts()
	if err != nil {
		return nil, err
	}
	if err := ensureTable(ctx, db); err != nil {
		return nil, err
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]Migration, len(all))
	for i, s := range all {
		out[i] = Migration{Version: s.version, Applied: done[s.version]}
	}
	return out, nil
}

func ensureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

// apply runs s unless it is already recorded. The advisory lock makes a
// second migrator wait and then see the version as applied.
func apply(ctx context.Context, db *sql.DB, s script) (ran bool, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration %s: %w", s.version, err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback migration %s: %w", s.version, rbErr))
		}
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, s.version).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", s.version, err)
	}
	if exists {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, s.body); err != nil {
		return false, fmt.Errorf("exec migration %s: %w", s.version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, s.version); err != nil {
		return false, fmt.Errorf("record migration %s: %w", s.version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", s.version, err)
	}
	return true, nil
}
