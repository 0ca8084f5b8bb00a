package model

import "time"

// Checkpoint is the last fully processed position of one ledger stream.
type Checkpoint struct {
	StreamID   string    `json:"stream_id"`
	Position   int64     `json:"position"`
	EventIndex int64     `json:"event_index"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Genesis is the checkpoint of a stream nothing has been consumed from.
// Every real event (block >= 0, index >= 0) is after it.
func Genesis(streamID string) Checkpoint {
	return Checkpoint{StreamID: streamID, Position: -1, EventIndex: -1}
}

func (c Checkpoint) IsGenesis() bool {
	return c.Position < 0
}

// After reports whether (position, eventIndex) lies strictly after the checkpoint.
func (c Checkpoint) After(position, eventIndex int64) bool {
	if position != c.Position {
		return position > c.Position
	}
	return eventIndex > c.EventIndex
}
