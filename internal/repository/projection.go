package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/failure"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmoiron/sqlx"
)

// ProjectionTx is everything one event may touch. All calls made through one
// ProjectionTx commit or roll back together.
type ProjectionTx interface {
	IsApplied(ctx context.Context, dedupeKey string) (bool, error)
	MarkApplied(ctx context.Context, ev model.AppliedEvent) error

	OpenWallet(ctx context.Context, w model.WalletView) error
	// AdjustBalance adds delta to the wallet. Unknown wallets and overdrafts are permanent errors.
	AdjustBalance(ctx context.Context, walletID string, delta int64, txID string, at time.Time) error
	InsertTransfer(ctx context.Context, t model.TransferView) error
	UpsertProfile(ctx context.Context, p model.ProfileView) error

	AdvanceCheckpoint(ctx context.Context, cp model.Checkpoint) error
	InsertDeadLetter(ctx context.Context, e model.DeadLetterEntry) (model.DeadLetterEntry, error)
	// HasDeadLetter reports whether the source was ever dead-lettered,
	// including entries an operator has since resolved.
	HasDeadLetter(ctx context.Context, source model.SourceType, sourceID string) (bool, error)
}

// ProjectionStore is the projector's view of the relational store.
type ProjectionStore interface {
	InTx(ctx context.Context, fn func(ProjectionTx) error) error
	LoadCheckpoint(ctx context.Context, streamID string) (model.Checkpoint, error)
}

type SQLProjectionStore struct {
	db          *sqlx.DB
	checkpoints *CheckpointRepositoryImpl
}

var _ ProjectionStore = (*SQLProjectionStore)(nil)

func NewProjectionStore(db *sqlx.DB) *SQLProjectionStore {
	return &SQLProjectionStore{db: db, checkpoints: NewCheckpointRepository(db)}
}

func (s *SQLProjectionStore) InTx(ctx context.Context, fn func(ProjectionTx) error) error {
	return withTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		return fn(&sqlProjectionTx{tx: tx})
	})
}

func (s *SQLProjectionStore) LoadCheckpoint(ctx context.Context, streamID string) (model.Checkpoint, error) {
	return s.checkpoints.Load(ctx, streamID)
}

type sqlProjectionTx struct {
	tx *sqlx.Tx
}

func (p *sqlProjectionTx) IsApplied(ctx context.Context, dedupeKey string) (bool, error) {
	var one int
	err := p.tx.GetContext(ctx, &one, p.tx.Rebind(`SELECT 1 FROM projected_events WHERE dedupe_key = ?`), dedupeKey)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *sqlProjectionTx) MarkApplied(ctx context.Context, ev model.AppliedEvent) error {
	_, err := p.tx.ExecContext(ctx, p.tx.Rebind(`
		INSERT INTO projected_events (dedupe_key, stream_id, event_name, position, event_index, tx_id, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), ev.DedupeKey, ev.StreamID, ev.EventName, ev.Position, ev.EventIndex, ev.TxID, toMillis(ev.AppliedAt))
	return err
}

func (p *sqlProjectionTx) OpenWallet(ctx context.Context, w model.WalletView) error {
	var one int
	err := p.tx.GetContext(ctx, &one, p.tx.Rebind(`SELECT 1 FROM rm_wallets WHERE wallet_id = ?`), w.WalletID)
	if err == nil {
		return failure.Permanentf("wallet %s already exists", w.WalletID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = p.tx.ExecContext(ctx, p.tx.Rebind(`
		INSERT INTO rm_wallets (wallet_id, owner_id, currency, balance, last_tx_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), w.WalletID, w.OwnerID, w.Currency, w.Balance, w.LastTxID, toMillis(w.UpdatedAt))
	return err
}

func (p *sqlProjectionTx) AdjustBalance(ctx context.Context, walletID string, delta int64, txID string, at time.Time) error {
	res, err := p.tx.ExecContext(ctx, p.tx.Rebind(`
		UPDATE rm_wallets SET balance = balance + ?, last_tx_id = ?, updated_at = ?
		WHERE wallet_id = ? AND balance + ? >= 0
	`), delta, txID, toMillis(at), walletID, delta)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var balance int64
	err = p.tx.GetContext(ctx, &balance, p.tx.Rebind(`SELECT balance FROM rm_wallets WHERE wallet_id = ?`), walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return failure.Permanentf("wallet %s not found", walletID)
	}
	if err != nil {
		return err
	}
	return failure.Permanentf("wallet %s: balance %d cannot absorb %d", walletID, balance, delta)
}

func (p *sqlProjectionTx) InsertTransfer(ctx context.Context, t model.TransferView) error {
	_, err := p.tx.ExecContext(ctx, p.tx.Rebind(`
		INSERT INTO rm_transfers (dedupe_key, from_wallet_id, to_wallet_id, amount, tx_id, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), t.DedupeKey, t.FromWalletID, t.ToWalletID, t.Amount, t.TxID, t.Position, toMillis(t.CreatedAt))
	return err
}

func (p *sqlProjectionTx) UpsertProfile(ctx context.Context, pr model.ProfileView) error {
	var one int
	err := p.tx.GetContext(ctx, &one, p.tx.Rebind(`SELECT 1 FROM rm_profiles WHERE owner_id = ?`), pr.OwnerID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = p.tx.ExecContext(ctx, p.tx.Rebind(`
			INSERT INTO rm_profiles (owner_id, display_name, email, last_tx_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`), pr.OwnerID, pr.DisplayName, pr.Email, pr.LastTxID, toMillis(pr.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert profile %s: %w", pr.OwnerID, err)
		}
		return nil
	case err != nil:
		return err
	}

	_, err = p.tx.ExecContext(ctx, p.tx.Rebind(`
		UPDATE rm_profiles SET display_name = ?, email = ?, last_tx_id = ?, updated_at = ?
		WHERE owner_id = ?
	`), pr.DisplayName, pr.Email, pr.LastTxID, toMillis(pr.UpdatedAt), pr.OwnerID)
	return err
}

func (p *sqlProjectionTx) AdvanceCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	return advanceCheckpoint(ctx, p.tx, cp)
}

func (p *sqlProjectionTx) InsertDeadLetter(ctx context.Context, e model.DeadLetterEntry) (model.DeadLetterEntry, error) {
	return insertDeadLetter(ctx, p.tx, e)
}

func (p *sqlProjectionTx) HasDeadLetter(ctx context.Context, source model.SourceType, sourceID string) (bool, error) {
	return deadLetterExists(ctx, p.tx, source, sourceID)
}
