package model

import "time"

type CommandStatus string

const (
	CommandPending        CommandStatus = "PENDING"
	CommandClaimed        CommandStatus = "CLAIMED"
	CommandCommitted      CommandStatus = "COMMITTED"
	CommandRetryScheduled CommandStatus = "RETRY_SCHEDULED"
	CommandDead           CommandStatus = "DEAD"
)

func (s CommandStatus) String() string {
	return string(s)
}

func (s CommandStatus) Valid() bool {
	switch s {
	case CommandPending, CommandClaimed, CommandCommitted, CommandRetryScheduled, CommandDead:
		return true
	}
	return false
}

// Terminal reports whether no worker will touch the row again without an operator replay.
func (s CommandStatus) Terminal() bool {
	return s == CommandCommitted || s == CommandDead
}

// CanTransition encodes the command lifecycle. CLAIMED -> CLAIMED is the
// stale-lease takeover; DEAD -> PENDING is only reachable through replay.
func CanTransition(from, to CommandStatus) bool {
	switch from {
	case CommandPending, CommandRetryScheduled:
		return to == CommandClaimed
	case CommandClaimed:
		return to == CommandClaimed || to == CommandCommitted || to == CommandRetryScheduled || to == CommandDead
	case CommandDead:
		return to == CommandPending
	default:
		return false
	}
}

// OutboxCommand is one row of the command outbox.
type OutboxCommand struct {
	ID             string        `json:"id"`
	IdempotencyKey string        `json:"idempotency_key"`
	AggregateID    string        `json:"aggregate_id"`
	AggregateType  string        `json:"aggregate_type"`
	CommandType    string        `json:"command_type"`
	Payload        []byte        `json:"payload"`
	Status         CommandStatus `json:"status"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"max_attempts"`
	ClaimedBy      string        `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time    `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time    `json:"lease_expires_at,omitempty"`
	Version        int64         `json:"version"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	TxID           string        `json:"tx_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// NewCommand is what a producer hands to the outbox. Status is never producer-controlled.
type NewCommand struct {
	AggregateID    string `json:"aggregate_id"`
	AggregateType  string `json:"aggregate_type"`
	CommandType    string `json:"command_type"`
	Payload        []byte `json:"payload"`
	IdempotencyKey string `json:"idempotency_key"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
}
