package model

import "time"

type SourceType string

const (
	SourceCommand SourceType = "COMMAND"
	SourceEvent   SourceType = "EVENT"
)

func (s SourceType) String() string { return string(s) }

func (s SourceType) Valid() bool {
	return s == SourceCommand || s == SourceEvent
}

type Resolution string

const (
	ResolutionReplayed  Resolution = "REPLAYED"
	ResolutionDiscarded Resolution = "DISCARDED"
)

func (r Resolution) String() string { return string(r) }

// DeadLetterEntry is an append-only record of a command or event that failed terminally.
// SourceID is the command id for COMMAND entries and the dedupe key for EVENT entries.
// For EVENT entries Payload holds the full ledger event envelope so it can be replayed.
type DeadLetterEntry struct {
	ID         string     `json:"id"`
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
	StreamID   string     `json:"stream_id,omitempty"`
	Name       string     `json:"name"` // command type or event name
	Payload    []byte     `json:"payload"`
	Error      string     `json:"error"`
	Attempts   int        `json:"attempts"`
	FailedAt   time.Time  `json:"failed_at"`
	Resolution Resolution `json:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (e DeadLetterEntry) Resolved() bool {
	return e.Resolution != ""
}

// DeadLetterFilter narrows List. Zero values mean "no constraint".
type DeadLetterFilter struct {
	SourceType     SourceType
	FailedFrom     time.Time
	FailedTo       time.Time
	UnresolvedOnly bool
	Limit          int
}
