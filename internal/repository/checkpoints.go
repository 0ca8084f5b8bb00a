package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmoiron/sqlx"
)

// ErrCheckpointRegression is returned when an advance would move a stream backwards.
var ErrCheckpointRegression = errors.New("checkpoint regression")

type CheckpointRepository interface {
	// Load returns the durable checkpoint, or model.Genesis when the stream has none.
	Load(ctx context.Context, streamID string) (model.Checkpoint, error)
	// Advance moves the checkpoint forward inside tx. Re-advancing to the current position is a no-op.
	Advance(ctx context.Context, tx *sqlx.Tx, cp model.Checkpoint) error
}

type CheckpointRepositoryImpl struct {
	db *sqlx.DB
}

var _ CheckpointRepository = (*CheckpointRepositoryImpl)(nil)

func NewCheckpointRepository(db *sqlx.DB) *CheckpointRepositoryImpl {
	return &CheckpointRepositoryImpl{db: db}
}

type checkpointRow struct {
	StreamID   string `db:"stream_id"`
	Position   int64  `db:"position"`
	EventIndex int64  `db:"event_index"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r checkpointRow) toModel() model.Checkpoint {
	return model.Checkpoint{
		StreamID:   r.StreamID,
		Position:   r.Position,
		EventIndex: r.EventIndex,
		UpdatedAt:  fromMillis(r.UpdatedAt),
	}
}

func (r *CheckpointRepositoryImpl) Load(ctx context.Context, streamID string) (model.Checkpoint, error) {
	var row checkpointRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(
		`SELECT stream_id, position, event_index, updated_at FROM checkpoints WHERE stream_id = ?`), streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Genesis(streamID), nil
	}
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", streamID, err)
	}
	return row.toModel(), nil
}

func (r *CheckpointRepositoryImpl) Advance(ctx context.Context, tx *sqlx.Tx, cp model.Checkpoint) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		return advanceCheckpoint(ctx, tx, cp)
	})
}

func advanceCheckpoint(ctx context.Context, tx *sqlx.Tx, cp model.Checkpoint) error {
	if cp.Position < 0 || cp.EventIndex < 0 {
		return fmt.Errorf("advance %s to genesis: %w", cp.StreamID, ErrCheckpointRegression)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE checkpoints SET position = ?, event_index = ?, updated_at = ?
		WHERE stream_id = ? AND (position < ? OR (position = ? AND event_index < ?))
	`), cp.Position, cp.EventIndex, toMillis(cp.UpdatedAt), cp.StreamID, cp.Position, cp.Position, cp.EventIndex)
	if err != nil {
		return fmt.Errorf("advance checkpoint %s: %w", cp.StreamID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var cur checkpointRow
	err = tx.GetContext(ctx, &cur, tx.Rebind(
		`SELECT stream_id, position, event_index, updated_at FROM checkpoints WHERE stream_id = ?`), cp.StreamID)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO checkpoints (stream_id, position, event_index, updated_at) VALUES (?, ?, ?, ?)`),
			cp.StreamID, cp.Position, cp.EventIndex, toMillis(cp.UpdatedAt))
		return err
	}
	if err != nil {
		return err
	}
	if cur.Position == cp.Position && cur.EventIndex == cp.EventIndex {
		return nil
	}
	return fmt.Errorf("stream %s at %d/%d, refused %d/%d: %w",
		cp.StreamID, cur.Position, cur.EventIndex, cp.Position, cp.EventIndex, ErrCheckpointRegression)
}
