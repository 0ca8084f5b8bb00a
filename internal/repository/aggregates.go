package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmoiron/sqlx"
)

// AggregateRepository keeps one receipt per aggregate for commands committed to the ledger.
type AggregateRepository interface {
	// RecordSubmission is the dispatcher's local side effect. It checks for the
	// aggregate's receipt before creating it and is a no-op when c was already recorded.
	RecordSubmission(ctx context.Context, tx *sqlx.Tx, c model.OutboxCommand, txID string, now time.Time) error
	Get(ctx context.Context, aggregateType, aggregateID string) (model.AggregateReceipt, error)
}

type AggregateRepositoryImpl struct {
	db *sqlx.DB
}

var _ AggregateRepository = (*AggregateRepositoryImpl)(nil)

func NewAggregateRepository(db *sqlx.DB) *AggregateRepositoryImpl {
	return &AggregateRepositoryImpl{db: db}
}

type receiptRow struct {
	AggregateType  string `db:"aggregate_type"`
	AggregateID    string `db:"aggregate_id"`
	FirstCommandID string `db:"first_command_id"`
	FirstTxID      string `db:"first_tx_id"`
	LastCommandID  string `db:"last_command_id"`
	LastTxID       string `db:"last_tx_id"`
	Commands       int64  `db:"commands"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

const receiptColumns = `aggregate_type, aggregate_id, first_command_id, first_tx_id, last_command_id, last_tx_id, commands, created_at, updated_at`

func (r *AggregateRepositoryImpl) RecordSubmission(ctx context.Context, tx *sqlx.Tx, c model.OutboxCommand, txID string, now time.Time) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		var cur receiptRow
		err := tx.GetContext(ctx, &cur, tx.Rebind(`
			SELECT `+receiptColumns+` FROM aggregate_receipts WHERE aggregate_type = ? AND aggregate_id = ?
		`), c.AggregateType, c.AggregateID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO aggregate_receipts (`+receiptColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
			`), c.AggregateType, c.AggregateID, c.ID, txID, c.ID, txID, toMillis(now), toMillis(now))
			return err
		case err != nil:
			return err
		case cur.LastCommandID == c.ID || cur.FirstCommandID == c.ID:
			return nil
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE aggregate_receipts
			SET last_command_id = ?, last_tx_id = ?, commands = commands + 1, updated_at = ?
			WHERE aggregate_type = ? AND aggregate_id = ?
		`), c.ID, txID, toMillis(now), c.AggregateType, c.AggregateID)
		return err
	})
}

func (r *AggregateRepositoryImpl) Get(ctx context.Context, aggregateType, aggregateID string) (model.AggregateReceipt, error) {
	var row receiptRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT `+receiptColumns+` FROM aggregate_receipts WHERE aggregate_type = ? AND aggregate_id = ?
	`), aggregateType, aggregateID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AggregateReceipt{}, ErrNotFound
	}
	if err != nil {
		return model.AggregateReceipt{}, err
	}
	return model.AggregateReceipt{
		AggregateType:  row.AggregateType,
		AggregateID:    row.AggregateID,
		FirstCommandID: row.FirstCommandID,
		FirstTxID:      row.FirstTxID,
		LastCommandID:  row.LastCommandID,
		LastTxID:       row.LastTxID,
		Commands:       row.Commands,
		CreatedAt:      fromMillis(row.CreatedAt),
		UpdatedAt:      fromMillis(row.UpdatedAt),
	}, nil
}
