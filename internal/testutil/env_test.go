package testutil

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresFromEnv(t *testing.T) {
	for _, k := range []string{"TEST_DB_HOST", "TEST_DB_PORT", "TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME"} {
		t.Setenv(k, "")
	}

	got := PostgresFromEnv()
	assert.Equal(t, PostgresTarget{Host: "localhost", Port: "55432", User: "mmkqueue", Password: "mmkqueue", Database: "mmkqueue"}, got)

	t.Setenv("TEST_DB_HOST", "postgres")
	t.Setenv("TEST_DB_PORT", "5432")
	got = PostgresFromEnv()
	assert.Equal(t, "postgres", got.Host)
	assert.Equal(t, "5432", got.Port)
}

func TestPostgresTarget_DSN(t *testing.T) {
	p := PostgresTarget{Host: "db", Port: "5432", User: "u", Password: "p@ss", Database: "jobs"}

	u, err := url.Parse(p.DSN("test_abc"))
	require.NoError(t, err)
	assert.Equal(t, "db:5432", u.Host)
	assert.Equal(t, "/jobs", u.Path)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss", pw)
	assert.Equal(t, "test_abc", u.Query().Get("search_path"))
	assert.Equal(t, "disable", u.Query().Get("sslmode"))

	u, err = url.Parse(p.DSN(""))
	require.NoError(t, err)
	assert.False(t, u.Query().Has("search_path"))
}

func TestTestRedisAddr(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "")
	t.Setenv("REDIS_ADDR", "")
	assert.Equal(t, defaultTestRedisAddr, TestRedisAddr())

	t.Setenv("REDIS_ADDR", "redis:6379")
	assert.Equal(t, "redis:6379", TestRedisAddr())

	t.Setenv("TEST_REDIS_ADDR", "cache:6380")
	assert.Equal(t, "cache:6380", TestRedisAddr())
}

func TestEnvFlag(t *testing.T) {
	t.Setenv("TEST_REQUIRE_DB", "true")
	assert.True(t, envFlag("TEST_REQUIRE_DB"))
	t.Setenv("TEST_REQUIRE_DB", "nope")
	assert.False(t, envFlag("TEST_REQUIRE_DB"))
}
