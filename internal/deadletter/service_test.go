package deadletter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/db/dbtest"
	"github.com/jmehdipour/ledger-bridge/internal/dispatcher"
	"github.com/jmehdipour/ledger-bridge/internal/events"
	"github.com/jmehdipour/ledger-bridge/internal/ledger"
	"github.com/jmehdipour/ledger-bridge/internal/ledger/ledgertest"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmehdipour/ledger-bridge/internal/projector"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/jmehdipour/ledger-bridge/internal/retry"
)

func TestDeadCommandReplaysToCommitted(t *testing.T) {
	ctx := context.Background()
	dbx := dbtest.NewSQLite(t)
	commands := repository.NewCommandRepository(dbx, 2)
	dlq := repository.NewDeadLetterRepository(dbx)
	fake := ledgertest.New()

	var down atomic.Bool
	down.Store(true)
	fake.SetFailure(func(ledger.SubmitRequest) error {
		if down.Load() {
			return ledger.NewError(ledger.KindUnavailable, true, "peer unreachable")
		}
		return nil
	})

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	d := dispatcher.NewDispatcher(commands, repository.NewAggregateRepository(dbx), dlq, fake,
		retry.Policy{MaxAttempts: 2, Base: time.Millisecond, Cap: time.Millisecond}, nil, "w1")
	d.Now = func() time.Time { return now }

	c, err := commands.Enqueue(ctx, nil, model.NewCommand{
		AggregateID: "w1", AggregateType: "wallet", CommandType: "OpenWallet",
		Payload: []byte(`{"currency":"EUR"}`), IdempotencyKey: "open-w1",
	}, now)
	if err != nil {
		t.Fatal(err)
	}

	round := func() []dispatcher.Outcome {
		now = now.Add(time.Minute)
		batch, err := d.ClaimBatch(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return d.ProcessBatch(ctx, batch)
	}
	round()
	if out := round(); len(out) != 1 || out[0] != dispatcher.OutcomeDead {
		t.Fatalf("second round = %v", out)
	}

	svc := NewService(dbx, dlq, commands, nil, nil)
	entries, err := svc.List(ctx, model.DeadLetterFilter{SourceType: model.SourceCommand, UnresolvedOnly: true})
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries = %v, %v", entries, err)
	}

	down.Store(false)
	replayed, err := svc.Replay(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Resolution != model.ResolutionReplayed || replayed.ResolvedAt == nil {
		t.Fatalf("entry = %+v", replayed)
	}
	row, _ := commands.Get(ctx, c.ID)
	if row.Status != model.CommandPending || row.Attempts != 0 {
		t.Fatalf("row after replay = %+v", row)
	}

	if out := round(); len(out) != 1 || out[0] != dispatcher.OutcomeCommitted {
		t.Fatalf("round after replay = %v", out)
	}
	row, _ = commands.Get(ctx, c.ID)
	if row.Status != model.CommandCommitted {
		t.Fatalf("final status = %s", row.Status)
	}

	if _, err := svc.Replay(ctx, entries[0].ID); !errors.Is(err, repository.ErrAlreadyResolved) {
		t.Fatalf("second replay err = %v", err)
	}
	if _, err := svc.Discard(ctx, entries[0].ID); !errors.Is(err, repository.ErrAlreadyResolved) {
		t.Fatalf("discard after replay err = %v", err)
	}
}

func TestEventReplayAppliesWithoutMovingCheckpoint(t *testing.T) {
	ctx := context.Background()
	dbx := dbtest.NewSQLite(t)
	store := repository.NewProjectionStore(dbx)
	dlq := repository.NewDeadLetterRepository(dbx)
	reads := repository.NewReadModelRepository(dbx)

	p := projector.NewProjector(store, nil, nil, retry.Policy{MaxAttempts: 1}, nil, "wallets", "")

	// the deposit arrives before its wallet exists and is skipped
	deposit := ledger.Event{StreamID: "wallets", EventName: events.NameFundsDeposited, Payload: []byte(`{"walletId":"w9","amount":40}`), Position: 1, TxID: "blk-1"}
	open := ledger.Event{StreamID: "wallets", EventName: events.NameWalletOpened, Payload: []byte(`{"walletId":"w9","ownerId":"o9","currency":"EUR"}`), Position: 2, TxID: "blk-2"}
	if out, err := p.Handle(ctx, deposit); err != nil || out != projector.OutcomeDeadLettered {
		t.Fatalf("deposit: %s, %v", out, err)
	}
	if out, err := p.Handle(ctx, open); err != nil || out != projector.OutcomeApplied {
		t.Fatalf("open: %s, %v", out, err)
	}

	svc := NewService(dbx, dlq, repository.NewCommandRepository(dbx, 0), p, nil)
	entries, _ := svc.List(ctx, model.DeadLetterFilter{SourceType: model.SourceEvent})
	if len(entries) != 1 || entries[0].SourceID != "blk-1:0" {
		t.Fatalf("entries = %+v", entries)
	}
	if _, err := svc.Replay(ctx, entries[0].ID); err != nil {
		t.Fatalf("replay: %v", err)
	}

	w, err := reads.GetWallet(ctx, "w9")
	if err != nil || w.Balance != 40 {
		t.Fatalf("wallet = %+v, %v", w, err)
	}
	cp, _ := store.LoadCheckpoint(ctx, "wallets")
	if cp.Position != 2 {
		t.Fatalf("checkpoint = %d", cp.Position)
	}
}

func TestDiscardKeepsEntry(t *testing.T) {
	ctx := context.Background()
	dbx := dbtest.NewSQLite(t)
	dlq := repository.NewDeadLetterRepository(dbx)
	e, err := dlq.Insert(ctx, nil, model.DeadLetterEntry{
		SourceType: model.SourceEvent, SourceID: "topic@4", Name: "malformed",
		Payload: []byte("{oops"), Error: "bad json", FailedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(dbx, dlq, repository.NewCommandRepository(dbx, 0), nil, nil)

	if _, err := svc.Replay(ctx, e.ID); err == nil {
		t.Fatal("replay without an event replayer should fail")
	}
	got, err := svc.Discard(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Resolution != model.ResolutionDiscarded || string(got.Payload) != "{oops" {
		t.Fatalf("discarded entry = %+v", got)
	}
	if _, err := svc.List(ctx, model.DeadLetterFilter{SourceType: "BOGUS"}); err == nil {
		t.Fatal("expected filter validation error")
	}
	if _, err := svc.Discard(ctx, "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing entry err = %v", err)
	}
}
