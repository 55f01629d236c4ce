package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/testutil"
)

func TestTx_CommitAndRollback(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		_, err := db.ExecContext(ctx, `CREATE TABLE tx_check (v int)`)
		require.NoError(t, err)

		err = Tx(ctx, db, pgx.TxOptions{}, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `INSERT INTO tx_check VALUES (1)`)
			return err
		})
		require.NoError(t, err)

		boom := errors.New("boom")
		err = Tx(ctx, db, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `INSERT INTO tx_check VALUES (2)`); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		var n int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM tx_check`).Scan(&n))
		assert.Equal(t, 1, n)
	})
}

func TestConn_ExposesPgxConn(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		err := Conn(context.Background(), db, func(c *pgx.Conn) error {
			assert.NotNil(t, c.PgConn())
			return nil
		})
		require.NoError(t, err)
	})
}
