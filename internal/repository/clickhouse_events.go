package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ArchivedEvent is one projected event as kept in the analytics archive.
type ArchivedEvent struct {
	StreamID   string    `db:"stream_id" json:"stream_id"`
	EventName  string    `db:"event_name" json:"event_name"`
	Position   int64     `db:"position" json:"position"`
	EventIndex int64     `db:"event_index" json:"event_index"`
	TxID       string    `db:"tx_id" json:"tx_id"`
	DedupeKey  string    `db:"dedupe_key" json:"dedupe_key"`
	Outcome    string    `db:"outcome" json:"outcome"` // applied | duplicate | dead_lettered
	Payload    string    `db:"payload" json:"payload"`
	ArchivedAt time.Time `db:"archived_at" json:"archived_at"`
}

// EventArchive is an append-only analytics sink. It is written after the
// projection transaction commits and is never read for recovery.
type EventArchive interface {
	Append(ctx context.Context, evs []ArchivedEvent) error
	Recent(ctx context.Context, streamID string, limit int) ([]ArchivedEvent, error)
}

// CHEventArchive stores events in the ClickHouse table created by EnsureTable.
type CHEventArchive struct {
	ch    *sqlx.DB
	table string
}

var _ EventArchive = (*CHEventArchive)(nil)

func NewCHEventArchive(ch *sqlx.DB, table string) *CHEventArchive {
	if table == "" {
		table = "ledger_bridge.projected_events"
	}
	return &CHEventArchive{ch: ch, table: table}
}

// EnsureTable creates the archive table when missing.
func (a *CHEventArchive) EnsureTable(ctx context.Context) error {
	_, err := a.ch.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream_id   String,
			event_name  LowCardinality(String),
			position    Int64,
			event_index Int64,
			tx_id       String,
			dedupe_key  String,
			outcome     LowCardinality(String),
			payload     String,
			archived_at DateTime64(3)
		) ENGINE = MergeTree
		ORDER BY (stream_id, position, event_index)`, a.table))
	return err
}

func (a *CHEventArchive) Append(ctx context.Context, evs []ArchivedEvent) error {
	if len(evs) == 0 {
		return nil
	}
	// clickhouse-go batches rows sent through one prepared statement in a transaction
	tx, err := a.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(stream_id, event_name, position, event_index, tx_id, dedupe_key, outcome, payload, archived_at)`, a.table))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range evs {
		if _, err := stmt.ExecContext(ctx, ev.StreamID, ev.EventName, ev.Position, ev.EventIndex,
			ev.TxID, ev.DedupeKey, ev.Outcome, ev.Payload, ev.ArchivedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (a *CHEventArchive) Recent(ctx context.Context, streamID string, limit int) ([]ArchivedEvent, error) {
	q := fmt.Sprintf(`
		SELECT stream_id, event_name, position, event_index, tx_id, dedupe_key, outcome, payload, archived_at
		FROM %s
		WHERE stream_id = ?
		ORDER BY position DESC, event_index DESC
		LIMIT ?
	`, a.table)

	var rows []ArchivedEvent
	if err := a.ch.SelectContext(ctx, &rows, q, streamID, clampLimit(limit)); err != nil {
		return nil, err
	}
	return rows, nil
}
