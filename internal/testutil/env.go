package testutil

import (
	"os"
	"strconv"
	"time"
)

// TestingTB is the subset of testing.TB the helpers need.
type TestingTB interface {
	Helper()
	Logf(format string, args ...any)
	Fatalf(format string, args ...any)
	Skipf(format string, args ...any)
	Cleanup(func())
	Name() string
}

// TestTime is a fixed instant for deterministic timestamps.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// envFlag reports whether key holds a true value in strconv.ParseBool terms.
func envFlag(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

// mustHave turns a missing backend into a failure instead of a skip when
// the named flag (or TEST_REQUIRE_INFRA) is set.
func mustHave(flag string) bool {
	return envFlag(flag) || envFlag("TEST_REQUIRE_INFRA")
}

func unavailable(t TestingTB, flag, format string, args ...any) {
	t.Helper()
	if mustHave(flag) {
		t.Fatalf(format, args...)
	}
	t.Skipf(format, args...)
}
