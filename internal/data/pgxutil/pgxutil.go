// Package pgxutil runs native pgx work on connections borrowed from a
// database/sql pool opened with the pgx stdlib driver.
package pgxutil

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Conn pins one pooled connection for the duration of fn and hands fn the
// underlying *pgx.Conn. The connection returns to the pool afterwards.
func Conn(ctx context.Context, db *sql.DB, fn func(*pgx.Conn) error) error {
	sqlConn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer sqlConn.Close()

	return sqlConn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("driver connection is %T, not a pgx stdlib conn", driverConn)
		}
		return fn(c.Conn())
	})
}

// Tx runs fn in a transaction started with opts. fn returning nil commits;
// an error or panic rolls back.
func Tx(ctx context.Context, db *sql.DB, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	return Conn(ctx, db, func(c *pgx.Conn) error {
		return pgx.BeginTxFunc(ctx, c, opts, fn)
	})
}
