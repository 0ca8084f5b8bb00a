package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmoiron/sqlx"
)

// ReadModelRepository is the query side of the projections.
type ReadModelRepository interface {
	GetWallet(ctx context.Context, walletID string) (model.WalletView, error)
	ListWallets(ctx context.Context, limit int) ([]model.WalletView, error)
	ListTransfers(ctx context.Context, walletID string, limit int) ([]model.TransferView, error)
	GetProfile(ctx context.Context, ownerID string) (model.ProfileView, error)
	ListProfiles(ctx context.Context, limit int) ([]model.ProfileView, error)
	CountApplied(ctx context.Context, streamID string) (int64, error)
}

type ReadModelRepositoryImpl struct {
	db *sqlx.DB
}

var _ ReadModelRepository = (*ReadModelRepositoryImpl)(nil)

func NewReadModelRepository(db *sqlx.DB) *ReadModelRepositoryImpl {
	return &ReadModelRepositoryImpl{db: db}
}

type walletRow struct {
	WalletID  string `db:"wallet_id"`
	OwnerID   string `db:"owner_id"`
	Currency  string `db:"currency"`
	Balance   int64  `db:"balance"`
	LastTxID  string `db:"last_tx_id"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r walletRow) toModel() model.WalletView {
	return model.WalletView{
		WalletID:  r.WalletID,
		OwnerID:   r.OwnerID,
		Currency:  r.Currency,
		Balance:   r.Balance,
		LastTxID:  r.LastTxID,
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

type transferRow struct {
	DedupeKey    string `db:"dedupe_key"`
	FromWalletID string `db:"from_wallet_id"`
	ToWalletID   string `db:"to_wallet_id"`
	Amount       int64  `db:"amount"`
	TxID         string `db:"tx_id"`
	Position     int64  `db:"position"`
	CreatedAt    int64  `db:"created_at"`
}

type profileRow struct {
	OwnerID     string `db:"owner_id"`
	DisplayName string `db:"display_name"`
	Email       string `db:"email"`
	LastTxID    string `db:"last_tx_id"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r profileRow) toModel() model.ProfileView {
	return model.ProfileView{
		OwnerID:     r.OwnerID,
		DisplayName: r.DisplayName,
		Email:       r.Email,
		LastTxID:    r.LastTxID,
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func (r *ReadModelRepositoryImpl) GetWallet(ctx context.Context, walletID string) (model.WalletView, error) {
	var row walletRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT wallet_id, owner_id, currency, balance, last_tx_id, updated_at FROM rm_wallets WHERE wallet_id = ?
	`), walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WalletView{}, ErrNotFound
	}
	if err != nil {
		return model.WalletView{}, err
	}
	return row.toModel(), nil
}

func (r *ReadModelRepositoryImpl) ListWallets(ctx context.Context, limit int) ([]model.WalletView, error) {
	var rows []walletRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT wallet_id, owner_id, currency, balance, last_tx_id, updated_at FROM rm_wallets
		ORDER BY wallet_id ASC LIMIT ?
	`), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]model.WalletView, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// ListTransfers returns transfers touching walletID, or all transfers when walletID is empty.
func (r *ReadModelRepositoryImpl) ListTransfers(ctx context.Context, walletID string, limit int) ([]model.TransferView, error) {
	q := `SELECT dedupe_key, from_wallet_id, to_wallet_id, amount, tx_id, position, created_at FROM rm_transfers`
	args := []any{}
	if walletID != "" {
		q += ` WHERE from_wallet_id = ? OR to_wallet_id = ?`
		args = append(args, walletID, walletID)
	}
	q += ` ORDER BY position ASC, dedupe_key ASC LIMIT ?`
	args = append(args, clampLimit(limit))

	var rows []transferRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]model.TransferView, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.TransferView{
			DedupeKey:    row.DedupeKey,
			FromWalletID: row.FromWalletID,
			ToWalletID:   row.ToWalletID,
			Amount:       row.Amount,
			TxID:         row.TxID,
			Position:     row.Position,
			CreatedAt:    fromMillis(row.CreatedAt),
		})
	}
	return out, nil
}

func (r *ReadModelRepositoryImpl) GetProfile(ctx context.Context, ownerID string) (model.ProfileView, error) {
	var row profileRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT owner_id, display_name, email, last_tx_id, updated_at FROM rm_profiles WHERE owner_id = ?
	`), ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProfileView{}, ErrNotFound
	}
	if err != nil {
		return model.ProfileView{}, err
	}
	return row.toModel(), nil
}

func (r *ReadModelRepositoryImpl) ListProfiles(ctx context.Context, limit int) ([]model.ProfileView, error) {
	var rows []profileRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT owner_id, display_name, email, last_tx_id, updated_at FROM rm_profiles
		ORDER BY owner_id ASC LIMIT ?
	`), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]model.ProfileView, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r *ReadModelRepositoryImpl) CountApplied(ctx context.Context, streamID string) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM projected_events WHERE stream_id = ?`), streamID)
	return n, err
}
