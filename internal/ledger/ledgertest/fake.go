// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/ledger"
)

// Fake is an in-memory ledger. Submissions are deduplicated by idempotency
// key the way the real ledger does it; events are kept per stream in order.
type Fake struct {
	mu         sync.Mutex
	byKey      map[string]string
	calls      int
	executed   []ledger.SubmitRequest
	delay      time.Duration
	failure    func(ledger.SubmitRequest) error
	events     map[string][]ledger.Event
	notify     chan struct{}
	subscribed int
}

var _ ledger.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		byKey:  make(map[string]string),
		events: make(map[string][]ledger.Event),
		notify: make(chan struct{}),
	}
}

// SetDelay makes every Submit take d before it is executed.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// SetFailure installs a hook consulted before each execution. A non-nil
// return is handed back to the caller and nothing is executed.
func (f *Fake) SetFailure(fn func(ledger.SubmitRequest) error) {
	f.mu.Lock()
	f.failure = fn
	f.mu.Unlock()
}

func (f *Fake) Submit(ctx context.Context, req ledger.SubmitRequest) (ledger.SubmitResult, error) {
	f.mu.Lock()
	f.calls++
	delay, failure := f.delay, f.failure
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ledger.SubmitResult{}, ctx.Err()
		case <-t.C:
		}
	}
	if failure != nil {
		if err := failure(req); err != nil {
			return ledger.SubmitResult{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.byKey[req.IdempotencyKey]; ok {
		return ledger.SubmitResult{TxID: tx, Duplicate: true}, nil
	}
	f.executed = append(f.executed, req)
	tx := fmt.Sprintf("tx-%06d", len(f.executed))
	f.byKey[req.IdempotencyKey] = tx
	return ledger.SubmitResult{TxID: tx}, nil
}

// Calls is the number of Submit invocations, duplicates and failures included.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Executions returns the submissions the ledger actually executed.
func (f *Fake) Executions() []ledger.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.SubmitRequest(nil), f.executed...)
}

// Emit appends events to their streams and wakes subscribers.
func (f *Fake) Emit(evs ...ledger.Event) {
	f.mu.Lock()
	for _, ev := range evs {
		f.events[ev.StreamID] = append(f.events[ev.StreamID], ev)
	}
	close(f.notify)
	f.notify = make(chan struct{})
	f.mu.Unlock()
}

// Subscriptions is the number of Subscribe calls made so far.
func (f *Fake) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed
}

func (f *Fake) Subscribe(ctx context.Context, streamID string, position, eventIndex int64) (ledger.Subscription, error) {
	f.mu.Lock()
	f.subscribed++
	f.mu.Unlock()
	return &subscription{f: f, streamID: streamID, pos: position, idx: eventIndex}, nil
}

type subscription struct {
	f        *Fake
	streamID string
	pos, idx int64
}

func (s *subscription) Next(ctx context.Context) (ledger.Event, error) {
	for {
		s.f.mu.Lock()
		for _, ev := range s.f.events[s.streamID] {
			if ev.Position > s.pos || (ev.Position == s.pos && ev.EventIndex > s.idx) {
				s.pos, s.idx = ev.Position, ev.EventIndex
				s.f.mu.Unlock()
				return ev, nil
			}
		}
		wait := s.f.notify
		s.f.mu.Unlock()

		select {
		case <-ctx.Done():
			return ledger.Event{}, ctx.Err()
		case <-wait:
		}
	}
}

func (s *subscription) Close() error { return nil }
