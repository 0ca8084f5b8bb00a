package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmehdipour/ledger-bridge/internal/util"
	"github.com/jmoiron/sqlx"
)

// ErrAlreadyResolved is returned when replaying or discarding an entry that was already handled.
var ErrAlreadyResolved = errors.New("dead letter already resolved")

// DeadLetterRepository is the append-only Dead-Letter Store. Rows are never
// deleted; Resolve records what the operator did.
type DeadLetterRepository interface {
	// Insert appends e, unless an unresolved entry for the same source already exists, which is returned instead.
	Insert(ctx context.Context, tx *sqlx.Tx, e model.DeadLetterEntry) (model.DeadLetterEntry, error)
	Get(ctx context.Context, id string) (model.DeadLetterEntry, error)
	List(ctx context.Context, f model.DeadLetterFilter) ([]model.DeadLetterEntry, error)
	Resolve(ctx context.Context, tx *sqlx.Tx, id string, res model.Resolution, now time.Time) error
}

type DeadLetterRepositoryImpl struct {
	db *sqlx.DB
}

var _ DeadLetterRepository = (*DeadLetterRepositoryImpl)(nil)

func NewDeadLetterRepository(db *sqlx.DB) *DeadLetterRepositoryImpl {
	return &DeadLetterRepositoryImpl{db: db}
}

const deadLetterColumns = `id, source_type, source_id, stream_id, name, payload, error, attempts, failed_at, resolution, resolved_at`

type deadLetterRow struct {
	ID         string        `db:"id"`
	SourceType string        `db:"source_type"`
	SourceID   string        `db:"source_id"`
	StreamID   string        `db:"stream_id"`
	Name       string        `db:"name"`
	Payload    []byte        `db:"payload"`
	Error      string        `db:"error"`
	Attempts   int           `db:"attempts"`
	FailedAt   int64         `db:"failed_at"`
	Resolution string        `db:"resolution"`
	ResolvedAt sql.NullInt64 `db:"resolved_at"`
}

func (r deadLetterRow) toModel() model.DeadLetterEntry {
	return model.DeadLetterEntry{
		ID:         r.ID,
		SourceType: model.SourceType(r.SourceType),
		SourceID:   r.SourceID,
		StreamID:   r.StreamID,
		Name:       r.Name,
		Payload:    r.Payload,
		Error:      r.Error,
		Attempts:   r.Attempts,
		FailedAt:   fromMillis(r.FailedAt),
		Resolution: model.Resolution(r.Resolution),
		ResolvedAt: fromNullMillis(r.ResolvedAt),
	}
}

func (r *DeadLetterRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, e model.DeadLetterEntry) (model.DeadLetterEntry, error) {
	var out model.DeadLetterEntry
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		var err error
		out, err = insertDeadLetter(ctx, tx, e)
		return err
	})
	return out, err
}

func insertDeadLetter(ctx context.Context, tx *sqlx.Tx, e model.DeadLetterEntry) (model.DeadLetterEntry, error) {
	if !e.SourceType.Valid() {
		return model.DeadLetterEntry{}, fmt.Errorf("dead letter: invalid source type %q", e.SourceType)
	}
	if e.SourceID == "" {
		return model.DeadLetterEntry{}, errors.New("dead letter: empty source id")
	}

	var existing deadLetterRow
	err := tx.GetContext(ctx, &existing, tx.Rebind(`
		SELECT `+deadLetterColumns+` FROM dead_letters
		WHERE source_type = ? AND source_id = ? AND resolution = ''
		LIMIT 1
	`), e.SourceType.String(), e.SourceID)
	if err == nil {
		return existing.toModel(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.DeadLetterEntry{}, err
	}

	if e.ID == "" {
		e.ID = util.NewID()
	}
	if e.Payload == nil {
		e.Payload = []byte{}
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO dead_letters (id, source_type, source_id, stream_id, name, payload, error, attempts, failed_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '')
	`), e.ID, e.SourceType.String(), e.SourceID, e.StreamID, e.Name, e.Payload, truncate(e.Error), e.Attempts, toMillis(e.FailedAt))
	if err != nil {
		return model.DeadLetterEntry{}, err
	}
	e.FailedAt = fromMillis(toMillis(e.FailedAt))
	return e, nil
}

func deadLetterExists(ctx context.Context, tx *sqlx.Tx, source model.SourceType, sourceID string) (bool, error) {
	var n int
	err := tx.GetContext(ctx, &n, tx.Rebind(`
		SELECT COUNT(*) FROM dead_letters WHERE source_type = ? AND source_id = ?
	`), source.String(), sourceID)
	return n > 0, err
}

func (r *DeadLetterRepositoryImpl) Get(ctx context.Context, id string) (model.DeadLetterEntry, error) {
	var row deadLetterRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return model.DeadLetterEntry{}, err
	}
	return row.toModel(), nil
}

func (r *DeadLetterRepositoryImpl) List(ctx context.Context, f model.DeadLetterFilter) ([]model.DeadLetterEntry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	if f.SourceType != "" {
		where = append(where, "source_type = ?")
		args = append(args, f.SourceType.String())
	}
	if !f.FailedFrom.IsZero() {
		where = append(where, "failed_at >= ?")
		args = append(args, toMillis(f.FailedFrom))
	}
	if !f.FailedTo.IsZero() {
		where = append(where, "failed_at < ?")
		args = append(args, toMillis(f.FailedTo))
	}
	if f.UnresolvedOnly {
		where = append(where, "resolution = ''")
	}

	q := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY failed_at ASC, id ASC LIMIT ?"
	args = append(args, limit)

	var rows []deadLetterRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]model.DeadLetterEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r *DeadLetterRepositoryImpl) Resolve(ctx context.Context, tx *sqlx.Tx, id string, res model.Resolution, now time.Time) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE dead_letters SET resolution = ?, resolved_at = ?
			WHERE id = ? AND resolution = ''
		`), res.String(), toMillis(now), id)
		if err != nil {
			return err
		}
		n, err := affected(result)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		var one int
		err = tx.GetContext(ctx, &one, tx.Rebind(`SELECT 1 FROM dead_letters WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrAlreadyResolved
	})
}
