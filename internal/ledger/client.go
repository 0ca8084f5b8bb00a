// Package ledger is the client contract the bridge consumes from the distributed ledger.
package ledger

import (
	"context"
	"fmt"
)

// SubmitRequest invokes one ledger function. IdempotencyKey lets the ledger
// recognise a resubmission of the same logical command.
type SubmitRequest struct {
	Function       string
	Args           [][]byte
	IdempotencyKey string
}

// SubmitResult carries the ledger transaction id. Duplicate is set when the
// ledger had already executed a submission with the same idempotency key and
// returned the original transaction instead of executing again.
type SubmitResult struct {
	TxID      string
	Duplicate bool
}

type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}

// Event is one ledger-emitted event. (Position, EventIndex) is strictly
// increasing within a stream.
type Event struct {
	StreamID   string `json:"streamId"`
	EventName  string `json:"eventName"`
	Payload    []byte `json:"payload"`
	Position   int64  `json:"position"`
	EventIndex int64  `json:"eventIndex"`
	TxID       string `json:"txId"`
}

// DedupeKey is the natural key of the read-model records the event produces.
func (e Event) DedupeKey() string {
	if e.TxID != "" {
		return fmt.Sprintf("%s:%d", e.TxID, e.EventIndex)
	}
	return fmt.Sprintf("%s:%d:%d", e.StreamID, e.Position, e.EventIndex)
}

// Subscription yields events in ledger order. Next blocks until an event is
// available or ctx ends.
type Subscription interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

type Subscriber interface {
	// Subscribe opens a subscription delivering events strictly after (position, eventIndex).
	Subscribe(ctx context.Context, streamID string, position, eventIndex int64) (Subscription, error)
}

type Client interface {
	Submitter
	Subscriber
}
