package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/migrate"
	"github.com/target/mmk-queue/internal/testutil"
)

func TestRunIsIdempotent(t *testing.T) {
	// The helper has already applied everything once.
	db := testutil.SetupEphemeralSchemaDB(t)
	ctx := context.Background()

	applied, err := migrate.Run(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, applied)

	status, err := migrate.Status(ctx, db)
	require.NoError(t, err)
	require.NotEmpty(t, status)
	for _, m := range status {
		assert.True(t, m.Applied, m.Version)
	}
	assert.Equal(t, "0001_jobs", status[0].Version)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM jobs`).Scan(&n))
	assert.Zero(t, n)
}
