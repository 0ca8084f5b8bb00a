package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/failure"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmehdipour/ledger-bridge/internal/util"
	"github.com/jmoiron/sqlx"
)

// CommandRepository is the Command Store. Every state change after Enqueue is
// a compare-and-swap on version; zero affected rows is failure.ErrConcurrencyConflict.
type CommandRepository interface {
	// Enqueue inserts a PENDING command. Re-enqueueing an idempotency key returns the existing row.
	Enqueue(ctx context.Context, tx *sqlx.Tx, in model.NewCommand, now time.Time) (model.OutboxCommand, error)
	Get(ctx context.Context, id string) (model.OutboxCommand, error)
	ListByStatus(ctx context.Context, status model.CommandStatus, limit int) ([]model.OutboxCommand, error)

	// ClaimBatch atomically selects up to limit claimable rows, oldest first, and marks them CLAIMED by workerID.
	ClaimBatch(ctx context.Context, limit int, workerID string, now time.Time, lease time.Duration) ([]model.OutboxCommand, error)
	// RenewLease extends the row lease; failure.ErrLeaseExpired when the caller no longer holds it.
	RenewLease(ctx context.Context, c model.OutboxCommand, until time.Time) error
	MarkCommitted(ctx context.Context, c model.OutboxCommand, txID string, now time.Time, effect TxFunc) error
	ScheduleRetry(ctx context.Context, c model.OutboxCommand, nextRetryAt time.Time, lastErr string) error
	MarkDead(ctx context.Context, c model.OutboxCommand, lastErr string, now time.Time, effect TxFunc) error
	// ResetForReplay moves a DEAD command back to PENDING with a fresh attempt budget.
	ResetForReplay(ctx context.Context, tx *sqlx.Tx, id string) error
}

type CommandRepositoryImpl struct {
	db                 *sqlx.DB
	lock               string
	defaultMaxAttempts int
}

var _ CommandRepository = (*CommandRepositoryImpl)(nil)

func NewCommandRepository(db *sqlx.DB, defaultMaxAttempts int) *CommandRepositoryImpl {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 5
	}
	return &CommandRepositoryImpl{db: db, lock: lockClause(db), defaultMaxAttempts: defaultMaxAttempts}
}

const commandColumns = `id, idempotency_key, aggregate_id, aggregate_type, command_type, payload, status,
	attempts, max_attempts, claimed_by, claimed_at, lease_expires_at, version, next_retry_at,
	last_error, tx_id, created_at, completed_at`

type commandRow struct {
	ID             string        `db:"id"`
	IdempotencyKey string        `db:"idempotency_key"`
	AggregateID    string        `db:"aggregate_id"`
	AggregateType  string        `db:"aggregate_type"`
	CommandType    string        `db:"command_type"`
	Payload        []byte        `db:"payload"`
	Status         string        `db:"status"`
	Attempts       int           `db:"attempts"`
	MaxAttempts    int           `db:"max_attempts"`
	ClaimedBy      string        `db:"claimed_by"`
	ClaimedAt      sql.NullInt64 `db:"claimed_at"`
	LeaseExpiresAt sql.NullInt64 `db:"lease_expires_at"`
	Version        int64         `db:"version"`
	NextRetryAt    sql.NullInt64 `db:"next_retry_at"`
	LastError      string        `db:"last_error"`
	TxID           string        `db:"tx_id"`
	CreatedAt      int64         `db:"created_at"`
	CompletedAt    sql.NullInt64 `db:"completed_at"`
}

func (r commandRow) toModel() model.OutboxCommand {
	return model.OutboxCommand{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		AggregateID:    r.AggregateID,
		AggregateType:  r.AggregateType,
		CommandType:    r.CommandType,
		Payload:        r.Payload,
		Status:         model.CommandStatus(r.Status),
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		ClaimedBy:      r.ClaimedBy,
		ClaimedAt:      fromNullMillis(r.ClaimedAt),
		LeaseExpiresAt: fromNullMillis(r.LeaseExpiresAt),
		Version:        r.Version,
		NextRetryAt:    fromNullMillis(r.NextRetryAt),
		LastError:      r.LastError,
		TxID:           r.TxID,
		CreatedAt:      fromMillis(r.CreatedAt),
		CompletedAt:    fromNullMillis(r.CompletedAt),
	}
}

func toModels(rows []commandRow) []model.OutboxCommand {
	out := make([]model.OutboxCommand, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

func validateNewCommand(in model.NewCommand) error {
	switch {
	case strings.TrimSpace(in.IdempotencyKey) == "":
		return errors.New("idempotency key is required")
	case strings.TrimSpace(in.AggregateID) == "":
		return errors.New("aggregate id is required")
	case strings.TrimSpace(in.AggregateType) == "":
		return errors.New("aggregate type is required")
	case strings.TrimSpace(in.CommandType) == "":
		return errors.New("command type is required")
	case len(in.Payload) == 0:
		return errors.New("payload is required")
	}
	return nil
}

func (r *CommandRepositoryImpl) Enqueue(ctx context.Context, tx *sqlx.Tx, in model.NewCommand, now time.Time) (model.OutboxCommand, error) {
	if err := validateNewCommand(in); err != nil {
		return model.OutboxCommand{}, fmt.Errorf("enqueue: %w", err)
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.defaultMaxAttempts
	}

	var out model.OutboxCommand
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		var existing commandRow
		err := tx.GetContext(ctx, &existing,
			tx.Rebind(`SELECT `+commandColumns+` FROM outbox_commands WHERE idempotency_key = ?`), in.IdempotencyKey)
		if err == nil {
			out = existing.toModel()
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		row := commandRow{
			ID:             util.NewID(),
			IdempotencyKey: in.IdempotencyKey,
			AggregateID:    in.AggregateID,
			AggregateType:  in.AggregateType,
			CommandType:    in.CommandType,
			Payload:        in.Payload,
			Status:         string(model.CommandPending),
			MaxAttempts:    maxAttempts,
			CreatedAt:      toMillis(now),
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO outbox_commands (id, idempotency_key, aggregate_id, aggregate_type, command_type, payload,
				status, attempts, max_attempts, claimed_by, version, last_error, tx_id, created_at)
			VALUES (:id, :idempotency_key, :aggregate_id, :aggregate_type, :command_type, :payload,
				:status, 0, :max_attempts, '', 0, '', '', :created_at)
		`, row)
		if err != nil {
			return err
		}
		out = row.toModel()
		return nil
	})
	return out, err
}

func (r *CommandRepositoryImpl) Get(ctx context.Context, id string) (model.OutboxCommand, error) {
	var row commandRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+commandColumns+` FROM outbox_commands WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OutboxCommand{}, ErrNotFound
	}
	if err != nil {
		return model.OutboxCommand{}, err
	}
	return row.toModel(), nil
}

func (r *CommandRepositoryImpl) ListByStatus(ctx context.Context, status model.CommandStatus, limit int) ([]model.OutboxCommand, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []commandRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT `+commandColumns+` FROM outbox_commands
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`), status.String(), limit)
	if err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

func (r *CommandRepositoryImpl) ClaimBatch(ctx context.Context, limit int, workerID string, now time.Time, lease time.Duration) ([]model.OutboxCommand, error) {
	if limit <= 0 {
		return nil, nil
	}
	if workerID == "" {
		return nil, errors.New("claim: empty worker id")
	}
	if lease <= 0 {
		return nil, errors.New("claim: lease must be positive")
	}
	nowMs := toMillis(now)
	until := toMillis(now.Add(lease))

	var out []model.OutboxCommand
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		var ids []string
		err := tx.SelectContext(ctx, &ids, tx.Rebind(`
			SELECT id FROM outbox_commands
			WHERE status = ?
			   OR (status = ? AND next_retry_at <= ?)
			   OR (status = ? AND lease_expires_at < ?)
			ORDER BY created_at ASC, id ASC
			LIMIT ?`+r.lock),
			model.CommandPending.String(),
			model.CommandRetryScheduled.String(), nowMs,
			model.CommandClaimed.String(), nowMs,
			limit,
		)
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		upd, args, err := sqlx.In(`
			UPDATE outbox_commands
			SET status = ?, claimed_by = ?, claimed_at = ?, lease_expires_at = ?, version = version + 1
			WHERE id IN (?)
		`, model.CommandClaimed.String(), workerID, nowMs, until, ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(upd), args...); err != nil {
			return fmt.Errorf("mark claimed: %w", err)
		}

		sel, args, err := sqlx.In(`SELECT `+commandColumns+` FROM outbox_commands WHERE id IN (?) ORDER BY created_at ASC, id ASC`, ids)
		if err != nil {
			return err
		}
		var rows []commandRow
		if err := tx.SelectContext(ctx, &rows, tx.Rebind(sel), args...); err != nil {
			return fmt.Errorf("reload claimed: %w", err)
		}
		out = toModels(rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *CommandRepositoryImpl) RenewLease(ctx context.Context, c model.OutboxCommand, until time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE outbox_commands SET lease_expires_at = ?
		WHERE id = ? AND version = ? AND status = ? AND claimed_by = ?
	`), toMillis(until), c.ID, c.Version, model.CommandClaimed.String(), c.ClaimedBy)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return failure.ErrLeaseExpired
	}
	return nil
}

// transition applies a version-guarded update out of CLAIMED, then runs effect in the same transaction.
func (r *CommandRepositoryImpl) transition(ctx context.Context, c model.OutboxCommand, set string, args []any, effect TxFunc) error {
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		q := `UPDATE outbox_commands SET ` + set + `, version = version + 1, lease_expires_at = NULL
			WHERE id = ? AND version = ? AND status = ?`
		args = append(args, c.ID, c.Version, model.CommandClaimed.String())

		res, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
		if err != nil {
			return err
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("command %s at version %d: %w", c.ID, c.Version, failure.ErrConcurrencyConflict)
		}
		if effect != nil {
			return effect(tx)
		}
		return nil
	})
}

func (r *CommandRepositoryImpl) MarkCommitted(ctx context.Context, c model.OutboxCommand, txID string, now time.Time, effect TxFunc) error {
	return r.transition(ctx, c,
		`status = ?, tx_id = ?, completed_at = ?, last_error = ''`,
		[]any{model.CommandCommitted.String(), txID, toMillis(now)},
		effect,
	)
}

func (r *CommandRepositoryImpl) ScheduleRetry(ctx context.Context, c model.OutboxCommand, nextRetryAt time.Time, lastErr string) error {
	return r.transition(ctx, c,
		`status = ?, attempts = ?, next_retry_at = ?, last_error = ?, claimed_by = ''`,
		[]any{model.CommandRetryScheduled.String(), c.Attempts, toMillis(nextRetryAt), truncate(lastErr)},
		nil,
	)
}

func (r *CommandRepositoryImpl) MarkDead(ctx context.Context, c model.OutboxCommand, lastErr string, now time.Time, effect TxFunc) error {
	return r.transition(ctx, c,
		`status = ?, attempts = ?, last_error = ?, completed_at = ?, claimed_by = ''`,
		[]any{model.CommandDead.String(), c.Attempts, truncate(lastErr), toMillis(now)},
		effect,
	)
}

func (r *CommandRepositoryImpl) ResetForReplay(ctx context.Context, tx *sqlx.Tx, id string) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE outbox_commands
			SET status = ?, attempts = 0, version = version + 1, claimed_by = '', claimed_at = NULL,
				lease_expires_at = NULL, next_retry_at = NULL, completed_at = NULL, last_error = ''
			WHERE id = ? AND status = ?
		`), model.CommandPending.String(), id, model.CommandDead.String())
		if err != nil {
			return err
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("command %s is not DEAD: %w", id, failure.ErrConcurrencyConflict)
		}
		return nil
	})
}

func truncate(s string) string {
	const max = 4000
	if len(s) > max {
		return s[:max]
	}
	return s
}

