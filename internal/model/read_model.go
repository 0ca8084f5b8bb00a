package model

import "time"

// AppliedEvent marks that the read-model mutations of one ledger event were committed.
// DedupeKey is the natural key the projector checks before mutating.
type AppliedEvent struct {
	DedupeKey  string    `json:"dedupe_key"`
	StreamID   string    `json:"stream_id"`
	EventName  string    `json:"event_name"`
	Position   int64     `json:"position"`
	EventIndex int64     `json:"event_index"`
	TxID       string    `json:"tx_id"`
	AppliedAt  time.Time `json:"applied_at"`
}

type WalletView struct {
	WalletID  string    `json:"wallet_id"`
	OwnerID   string    `json:"owner_id"`
	Currency  string    `json:"currency"`
	Balance   int64     `json:"balance"`
	LastTxID  string    `json:"last_tx_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TransferView struct {
	DedupeKey    string    `json:"dedupe_key"`
	FromWalletID string    `json:"from_wallet_id"`
	ToWalletID   string    `json:"to_wallet_id"`
	Amount       int64     `json:"amount"`
	TxID         string    `json:"tx_id"`
	Position     int64     `json:"position"`
	CreatedAt    time.Time `json:"created_at"`
}

type ProfileView struct {
	OwnerID     string    `json:"owner_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	LastTxID    string    `json:"last_tx_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AggregateReceipt is the local side effect of a committed command, one row per aggregate.
type AggregateReceipt struct {
	AggregateType  string    `json:"aggregate_type"`
	AggregateID    string    `json:"aggregate_id"`
	FirstCommandID string    `json:"first_command_id"`
	FirstTxID      string    `json:"first_tx_id"`
	LastCommandID  string    `json:"last_command_id"`
	LastTxID       string    `json:"last_tx_id"`
	Commands       int64     `json:"commands"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
