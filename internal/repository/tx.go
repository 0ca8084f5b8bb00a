package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/db"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("not found")

// TxFunc runs inside a caller-owned transaction.
type TxFunc func(*sqlx.Tx) error

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func withTx(ctx context.Context, dbx *sqlx.DB, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := dbx.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

// RunInTx lets services compose several repositories in one transaction.
func RunInTx(ctx context.Context, dbx *sqlx.DB, fn func(*sqlx.Tx) error) error {
	return withTx(ctx, dbx, nil, fn)
}

// lockClause is appended to claim selects. SQLite has no row locks; its
// write transaction already excludes other claimers.
func lockClause(dbx *sqlx.DB) string {
	if db.DialectOf(dbx) == db.DialectSQLite {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
