package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildListQuery_BasicSelect(t *testing.T) {
	query, args := BuildListQuery(NewListQueryOptions("jobs"))
	assert.Equal(t, `SELECT * FROM "jobs"`, query)
	assert.Empty(t, args)
}

func TestBuildListQuery_Columns(t *testing.T) {
	query, _ := BuildListQuery(NewListQueryOptions("jobs", WithColumns("id", "jobs.queue")))
	assert.Equal(t, `SELECT "id", "jobs"."queue" FROM "jobs"`, query)
}

func TestBuildListQuery_WaitingPage(t *testing.T) {
	query, args := BuildListQuery(NewListQueryOptions("jobs",
		WithColumns("id"),
		WithCondition(WhereCond("queue", Equal, "emails")),
		WithCondition(WhereCond("state", Equal, "waiting")),
		WithOrderBy("priority", "asc"),
		WithOrderBy("seq", "ASC"),
		WithLimit(10),
		WithOffset(20),
	))
	assert.Equal(t,
		`SELECT "id" FROM "jobs" WHERE "queue" = $1 AND "state" = $2 ORDER BY "priority" ASC, "seq" ASC LIMIT $3 OFFSET $4`,
		query)
	assert.Equal(t, []any{"emails", "waiting", 10, 20}, args)
}

func TestBuildListQuery_InCondition(t *testing.T) {
	query, args := BuildListQuery(NewListQueryOptions("jobs",
		WithCondition(WhereCond("state", In, []string{"completed", "failed"})),
		WithCondition(WhereCond("finished_at", LessThan, "t")),
	))
	assert.Equal(t, `SELECT * FROM "jobs" WHERE "state" IN ($1, $2) AND "finished_at" < $3`, query)
	assert.Equal(t, []any{"completed", "failed", "t"}, args)
}

func TestBuildListQuery_EmptyInIsDropped(t *testing.T) {
	query, args := BuildListQuery(NewListQueryOptions("jobs", WithCondition(WhereCond("state", In, []string{}))))
	assert.Equal(t, `SELECT * FROM "jobs"`, query)
	assert.Empty(t, args)
}

func TestBuildListQuery_Locking(t *testing.T) {
	query, _ := BuildListQuery(NewListQueryOptions("jobs",
		WithColumns("id"),
		WithLimit(1),
		WithLocking(LockForUpdateSkipLocked),
	))
	assert.Equal(t, `SELECT "id" FROM "jobs" LIMIT $1 FOR UPDATE SKIP LOCKED`, query)

	query, _ = BuildListQuery(NewListQueryOptions("jobs", WithLocking("; DROP TABLE jobs")))
	assert.Equal(t, `SELECT * FROM "jobs"`, query)
}

func TestBuildListQuery_SanitizesIdentifiers(t *testing.T) {
	query, _ := BuildListQuery(NewListQueryOptions(`jobs"; --`,
		WithOrderBy(`seq" DESC; --`, "sideways"),
	))
	assert.Equal(t, `SELECT * FROM "jobs""; --" ORDER BY "seq"" DESC; --"`, query)
}
