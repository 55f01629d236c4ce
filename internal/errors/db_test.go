package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

func TestMapDBError_NilError(t *testing.T) {
	if err := MapDBError(nil); err != nil {
		t.Errorf("MapDBError(nil) = %v, want nil", err)
	}
}

func TestMapDBError_ContextErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout},
		{name: "canceled", err: context.Canceled, wantCode: ErrCodeCanceled},
		{name: "wrapped canceled", err: fmt.Errorf("lock job: %w", context.Canceled), wantCode: ErrCodeCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.err)
			if !HasCode(err, tt.wantCode) {
				t.Errorf("MapDBError() code = %v, want %v", GetCode(err), tt.wantCode)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("MapDBError() should keep the cause")
			}
		})
	}
}

func TestMapDBError_NoRows(t *testing.T) {
	err := MapDBError(pgx.ErrNoRows)
	if !IsNotFound(err) {
		t.Errorf("MapDBError(pgx.ErrNoRows) should be NotFound, got %v", GetCode(err))
	}
}

func TestMapDBError_UniqueViolation(t *testing.T) {
	tests := []struct {
		name      string
		pgErr     *pgconn.PgError
		wantField string
	}{
		{
			name:      "column name wins",
			pgErr:     &pgconn.PgError{Code: pgerrcode.UniqueViolation, ColumnName: "id", ConstraintName: "queues_name_key"},
			wantField: "id",
		},
		{
			name:      "detail parsed",
			pgErr:     &pgconn.PgError{Code: pgerrcode.UniqueViolation, Detail: `Key (id)=(abc) already exists.`},
			wantField: "id",
		},
		{
			name:      "primary key constraint",
			pgErr:     &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "jobs_pkey"},
			wantField: "id",
		},
		{
			name:      "named unique constraint",
			pgErr:     &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "queues_name_key"},
			wantField: "name",
		},
		{
			name:      "ambiguous constraint",
			pgErr:     &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "jobs_queue_state_seq_key"},
			wantField: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.pgErr)
			if !IsConflict(err) {
				t.Fatalf("MapDBError() should be Conflict, got %v", GetCode(err))
			}
			if field := GetField(err); field != tt.wantField {
				t.Errorf("MapDBError() field = %q, want %q", field, tt.wantField)
			}
		})
	}
}

func TestMapDBError_ConcurrencyFailuresAreConflicts(t *testing.T) {
	for _, code := range []string{pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable} {
		t.Run(code, func(t *testing.T) {
			if err := MapDBError(&pgconn.PgError{Code: code}); !IsConflict(err) {
				t.Errorf("MapDBError(%s) should be Conflict, got %v", code, GetCode(err))
			}
		})
	}
}

func TestMapDBError_ForeignKeyViolation(t *testing.T) {
	tests := []struct {
		name         string
		pgErr        *pgconn.PgError
		wantContains string
	}{
		{
			name: "missing queue from detail",
			pgErr: &pgconn.PgError{
				Code:   pgerrcode.ForeignKeyViolation,
				Detail: `Key (queue)=(emails) is not present in table "queues".`,
			},
			wantContains: "referenced Queue does not exist",
		},
		{
			name:         "constraint name only",
			pgErr:        &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, ConstraintName: "jobs_queue_fkey"},
			wantContains: "queue is not registered",
		},
		{
			name:         "table metadata",
			pgErr:        &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, TableName: "jobs"},
			wantContains: "Job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.pgErr)
			if !HasCode(err, ErrCodeForeignKey) {
				t.Fatalf("MapDBError() should be ForeignKey, got %v", GetCode(err))
			}
			var appErr *AppError
			if errors.As(err, &appErr) && !strings.Contains(appErr.Message, tt.wantContains) {
				t.Errorf("MapDBError() message = %q, want to contain %q", appErr.Message, tt.wantContains)
			}
		})
	}
}

func TestMapDBError_ValidationViolations(t *testing.T) {
	tests := []struct {
		name      string
		pgErr     *pgconn.PgError
		wantField string
	}{
		{name: "check with column", pgErr: &pgconn.PgError{Code: pgerrcode.CheckViolation, ColumnName: "priority"}, wantField: "priority"},
		{name: "check without column", pgErr: &pgconn.PgError{Code: pgerrcode.CheckViolation}},
		{name: "not null", pgErr: &pgconn.PgError{Code: pgerrcode.NotNullViolation, ColumnName: "name"}, wantField: "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.pgErr)
			if !IsValidation(err) {
				t.Errorf("MapDBError() should be Validation, got %v", GetCode(err))
			}
			if field := GetField(err); field != tt.wantField {
				t.Errorf("MapDBError() field = %q, want %q", field, tt.wantField)
			}
		})
	}
}

func TestMapDBError_MissingTables(t *testing.T) {
	err := MapDBError(&pgconn.PgError{Code: pgerrcode.UndefinedTable})
	if !HasCode(err, ErrCodeInternal) || !strings.Contains(err.Error(), "Run migrations") {
		t.Errorf("MapDBError() = %v, want internal error mentioning migrations", err)
	}
}

func TestMapDBError_UnknownPgError(t *testing.T) {
	err := MapDBError(&pgconn.PgError{Code: "99999", Message: "unknown error"})
	if !HasCode(err, ErrCodeInternal) {
		t.Errorf("MapDBError() should be Internal for unknown pg error, got %v", GetCode(err))
	}
}

func TestMapDBError_ConnectError(t *testing.T) {
	err := MapDBError(fmt.Errorf("ping: %w", &pgconn.ConnectError{}))
	if !HasCode(err, ErrCodeUnavailable) {
		t.Errorf("MapDBError() should be Unavailable, got %v", GetCode(err))
	}
}

func TestMapDBError_StandardError(t *testing.T) {
	stdErr := errors.New("standard error")
	if err := MapDBError(stdErr); !errors.Is(err, stdErr) || GetCode(err) != "" {
		t.Errorf("MapDBError() should return original error for non-db errors, got %v", err)
	}
}

func TestMapRedisError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{name: "nil reply", err: redis.Nil, wantCode: ErrCodeNotFound},
		{name: "watch failed", err: fmt.Errorf("update: %w", redis.TxFailedErr), wantCode: ErrCodeConflict},
		{name: "closed client", err: redis.ErrClosed, wantCode: ErrCodeUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout},
		{name: "other", err: errors.New("boom"), wantCode: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(MapRedisError(tt.err)); got != tt.wantCode {
				t.Errorf("MapRedisError() code = %q, want %q", got, tt.wantCode)
			}
		})
	}
	if MapRedisError(nil) != nil {
		t.Error("MapRedisError(nil) should be nil")
	}
}

func TestTableLabel(t *testing.T) {
	tests := map[string]string{
		"jobs":              "Job",
		"  QUEUES ":         "Queue",
		"schema_migrations": "Migration",
		"":                  "item",
		"job_archive":       "job archive",
	}
	for in, want := range tests {
		if got := tableLabel(in); got != want {
			t.Errorf("tableLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
