package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/target/mmk-queue/internal/migrate"
)

// PostgresTarget locates the Postgres server used by integration tests.
// Each field reads a TEST_DB_* variable; the defaults match the local
// compose profile on port 55432.
type PostgresTarget struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// PostgresFromEnv reads TEST_DB_HOST, TEST_DB_PORT, TEST_DB_USER,
// TEST_DB_PASSWORD and TEST_DB_NAME.
func PostgresFromEnv() PostgresTarget {
	return PostgresTarget{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     envOr("TEST_DB_PORT", "55432"),
		User:     envOr("TEST_DB_USER", "mmkqueue"),
		Password: envOr("TEST_DB_PASSWORD", "mmkqueue"),
		Database: envOr("TEST_DB_NAME", "mmkqueue"),
	}
}

// DSN renders a pgx URL. A non-empty schema becomes the connection search_path.
func (p PostgresTarget) DSN(schema string) string {
	q := url.Values{}
	q.Set("sslmode", "disable")
	if schema != "" {
		q.Set("search_path", schema)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     net.JoinHostPort(p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// SkipIfNoTestDB skips the test when Postgres is not reachable, or fails it
// when TEST_REQUIRE_DB is set.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()
	db, err := sql.Open("pgx", PostgresFromEnv().DSN(""))
	if err != nil {
		unavailable(t, "TEST_REQUIRE_DB", "postgres unavailable: %v", err)
		return
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		unavailable(t, "TEST_REQUIRE_DB", "postgres unavailable: %v", err)
	}
}

// SetupEphemeralSchemaDB returns a connection scoped to a freshly created and
// migrated schema. The schema is dropped when the test ends.
func SetupEphemeralSchemaDB(t TestingTB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)

	target := PostgresFromEnv()
	admin, err := sql.Open("pgx", target.DSN(""))
	if err != nil {
		t.Fatalf("open admin connection: %v", err)
	}

	schema := "test_" + randomSuffix(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema %s: %v", schema, err)
	}

	db, err := sql.Open("pgx", target.DSN(schema))
	if err != nil {
		dropSchema(t, admin, schema)
		t.Fatalf("open schema connection: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("close schema connection: %v", err)
		}
		dropSchema(t, admin, schema)
	})

	if _, err := migrate.Run(ctx, db); err != nil {
		t.Fatalf("migrate schema %s: %v", schema, err)
	}
	return db
}

// WithAutoDB runs fn against an isolated, migrated schema.
func WithAutoDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	fn(SetupEphemeralSchemaDB(t))
}

func dropSchema(t TestingTB, admin *sql.DB, schema string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
		t.Logf("drop schema %s: %v", schema, err)
	}
	if err := admin.Close(); err != nil {
		t.Logf("close admin connection: %v", err)
	}
}

func randomSuffix(t TestingTB) string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatalf("random schema suffix: %v", err)
	}
	return hex.EncodeToString(b[:])
}

// JobRow is the slice of a jobs row that LogJobStates prints.
type JobRow struct {
	ID       string
	Queue    string
	State    string
	Attempts int
	Max      int
	Reason   string
}

func (r JobRow) String() string {
	return fmt.Sprintf("%s queue=%s state=%s attempts=%d/%d reason=%q",
		r.ID, r.Queue, r.State, r.Attempts, r.Max, r.Reason)
}

// JobRows returns every jobs row in insertion order.
func JobRows(t TestingTB, db *sql.DB) []JobRow {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx,
		`SELECT id, queue, state, attempts_made, max_attempts, failure_reason FROM jobs ORDER BY seq`)
	if err != nil {
		t.Fatalf("query jobs: %v", err)
	}
	defer rows.Close()

	var out []JobRow
	for rows.Next() {
		var r JobRow
		if err := rows.Scan(&r.ID, &r.Queue, &r.State, &r.Attempts, &r.Max, &r.Reason); err != nil {
			t.Fatalf("scan job row: %v", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate job rows: %v", err)
	}
	return out
}

// LogJobStates dumps the jobs table to the test log under label.
func LogJobStates(t TestingTB, db *sql.DB, label string) {
	t.Helper()
	rows := JobRows(t, db)
	t.Logf("%s: %d job(s)", label, len(rows))
	for _, r := range rows {
		t.Logf("  %s", r)
	}
}
