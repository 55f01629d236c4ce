package errors

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

var (
	// `Key (id)=(abc) already exists.`
	detailKey = regexp.MustCompile(`Key \(([^)]+)\)=`)
	// `... is not present in table "queues".`
	detailMissingIn = regexp.MustCompile(`is not present in table "?([^"]+)"?`)
)

const msgConcurrent = "Job was modified concurrently."

// pgFixed lists SQLSTATEs whose mapping needs nothing from the error body.
var pgFixed = map[string]struct {
	code ErrorCode
	msg  string
}{
	pgerrcode.SerializationFailure: {ErrCodeConflict, msgConcurrent},
	pgerrcode.DeadlockDetected:     {ErrCodeConflict, msgConcurrent},
	pgerrcode.LockNotAvailable:     {ErrCodeConflict, msgConcurrent},
	pgerrcode.UndefinedTable:       {ErrCodeInternal, "Job tables are missing. Run migrations first."},
}

// MapDBError converts pgx and context errors into AppErrors: no rows is
// not_found, constraint and concurrency failures are conflict, foreign_key or
// validation, and a failed connect is unavailable. Other errors pass through.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	if mapped := mapContextError(err); mapped != nil {
		return mapped
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Wrap(err, ErrCodeNotFound, "Job not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return Wrap(err, ErrCodeUnavailable, "Database is unavailable.")
	}
	return err
}

// MapRedisError is MapDBError for go-redis: a nil reply is not_found and a
// failed WATCH transaction is conflict.
func MapRedisError(err error) error {
	if err == nil {
		return nil
	}
	if mapped := mapContextError(err); mapped != nil {
		return mapped
	}
	switch {
	case errors.Is(err, redis.Nil):
		return Wrap(err, ErrCodeNotFound, "Job not found")
	case errors.Is(err, redis.TxFailedErr):
		return Wrap(err, ErrCodeConflict, msgConcurrent)
	case errors.Is(err, redis.ErrClosed):
		return Wrap(err, ErrCodeUnavailable, "Redis client is closed.")
	default:
		return err
	}
}

func mapContextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrCodeTimeout, "Request timed out. Please try again.")
	case errors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeCanceled, "Request was canceled.")
	default:
		return nil
	}
}

func mapPgError(pgErr *pgconn.PgError) error {
	if m, ok := pgFixed[pgErr.Code]; ok {
		return Wrap(pgErr, m.code, m.msg)
	}

	var e *AppError
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		e = Wrap(pgErr, ErrCodeConflict, "A job with this value already exists.")
		e.Field = uniqueField(pgErr)
	case pgerrcode.ForeignKeyViolation:
		e = Wrap(pgErr, ErrCodeForeignKey, foreignKeyMessage(pgErr))
	case pgerrcode.NotNullViolation:
		e = Wrap(pgErr, ErrCodeValidation, "Required job field is missing.")
		e.Field = pgErr.ColumnName
	case pgerrcode.CheckViolation:
		e = Wrap(pgErr, ErrCodeValidation, "Invalid job data.")
		e.Field = pgErr.ColumnName
	default:
		e = Wrap(pgErr, ErrCodeInternal, "A database error occurred. Please try again.")
	}
	return e
}

// uniqueField prefers the reported column, then the key in Detail, then a
// column guessed from the constraint name.
func uniqueField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if m := detailKey.FindStringSubmatch(pgErr.Detail); m != nil {
		return m[1]
	}
	return constraintColumn(pgErr.ConstraintName)
}

// constraintColumn reads "<table>_pkey" as id and "<table>_<col>_key" as col.
// Longer names are ambiguous.
func constraintColumn(name string) string {
	parts := strings.Split(name, "_")
	if len(parts) == 2 && parts[1] == "pkey" {
		return "id"
	}
	if len(parts) == 3 {
		return parts[1]
	}
	return ""
}

// foreignKeyMessage names the missing parent. For the job schema that is
// nearly always an unregistered queue.
func foreignKeyMessage(pgErr *pgconn.PgError) string {
	table := pgErr.TableName
	if m := detailMissingIn.FindStringSubmatch(pgErr.Detail); m != nil {
		table = m[1]
	}
	if table == "" && strings.Contains(strings.ToLower(pgErr.ConstraintName), "queue") {
		return "Cannot complete operation because the queue is not registered."
	}
	return "Cannot complete operation because the referenced " + tableLabel(table) + " does not exist."
}

// tableLabel is the user-facing name of a table.
func tableLabel(table string) string {
	switch t := strings.ToLower(strings.TrimSpace(table)); t {
	case "":
		return "item"
	case "jobs":
		return "Job"
	case "queues":
		return "Queue"
	case "schema_migrations":
		return "Migration"
	default:
		return strings.ReplaceAll(table, "_", " ")
	}
}
