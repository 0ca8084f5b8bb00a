package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/db/dbtest"
	"github.com/jmehdipour/ledger-bridge/internal/failure"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmoiron/sqlx"
)

func newTestDB(t *testing.T) *sqlx.DB {
	return dbtest.NewSQLite(t)
}

func newCmd(key string) model.NewCommand {
	return model.NewCommand{
		AggregateID:    "wallet-" + key,
		AggregateType:  "wallet",
		CommandType:    "Deposit",
		Payload:        []byte(`{"amount":10}`),
		IdempotencyKey: key,
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEnqueueIsIdempotentOnKey(t *testing.T) {
	ctx := context.Background()
	repo := NewCommandRepository(newTestDB(t), 3)

	first, err := repo.Enqueue(ctx, nil, newCmd("k1"), t0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.Status != model.CommandPending || first.MaxAttempts != 3 || first.Version != 0 {
		t.Fatalf("unexpected row: %+v", first)
	}
	again, err := repo.Enqueue(ctx, nil, newCmd("k1"), t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("re-enqueue created %s, want existing %s", again.ID, first.ID)
	}

	if _, err := repo.Enqueue(ctx, nil, model.NewCommand{IdempotencyKey: "x"}, t0); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestClaimBatchOrderAndExclusivity(t *testing.T) {
	ctx := context.Background()
	repo := NewCommandRepository(newTestDB(t), 5)

	var ids []string
	for i := 0; i < 5; i++ {
		c, err := repo.Enqueue(ctx, nil, newCmd(fmt.Sprintf("k%d", i)), t0.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID)
	}

	first, err := repo.ClaimBatch(ctx, 3, "w1", t0.Add(time.Minute), 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 {
		t.Fatalf("claimed %d, want 3", len(first))
	}
	for i, c := range first {
		if c.ID != ids[i] {
			t.Fatalf("claim order[%d] = %s, want %s", i, c.ID, ids[i])
		}
		if c.Status != model.CommandClaimed || c.ClaimedBy != "w1" || c.Version != 1 {
			t.Fatalf("bad claimed row: %+v", c)
		}
	}

	second, err := repo.ClaimBatch(ctx, 10, "w2", t0.Add(time.Minute), 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 2 {
		t.Fatalf("second claim got %d, want the 2 unclaimed", len(second))
	}
	for _, c := range second {
		if c.ID == ids[0] || c.ID == ids[1] || c.ID == ids[2] {
			t.Fatalf("%s claimed twice", c.ID)
		}
	}
}

func TestConcurrentClaimersNeverOverlap(t *testing.T) {
	ctx := context.Background()
	repo := NewCommandRepository(newTestDB(t), 5)
	for i := 0; i < 40; i++ {
		if _, err := repo.Enqueue(ctx, nil, newCmd(fmt.Sprintf("c%02d", i)), t0); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		worker := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := repo.ClaimBatch(ctx, 3, worker, t0.Add(time.Second), time.Minute)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, c := range batch {
					if prev, ok := seen[c.ID]; ok {
						t.Errorf("%s claimed by %s and %s", c.ID, prev, worker)
					}
					seen[c.ID] = worker
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 40 {
		t.Fatalf("claimed %d distinct commands, want 40", len(seen))
	}
}

func TestStaleLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	repo := NewCommandRepository(newTestDB(t), 5)
	c, _ := repo.Enqueue(ctx, nil, newCmd("k"), t0)

	if _, err := repo.ClaimBatch(ctx, 1, "w1", t0, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	got, _ := repo.ClaimBatch(ctx, 1, "w2", t0.Add(5*time.Second), 10*time.Second)
	if len(got) != 0 {
		t.Fatal("live lease was stolen")
	}
	got, err := repo.ClaimBatch(ctx, 1, "w2", t0.Add(11*time.Second), 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != c.ID || got[0].ClaimedBy != "w2" || got[0].Version != 2 {
		t.Fatalf("takeover = %+v", got)
	}
}

func TestTransitionsAreVersionGuarded(t *testing.T) {
	ctx := context.Background()
	dbx := newTestDB(t)
	repo := NewCommandRepository(dbx, 5)
	receipts := NewAggregateRepository(dbx)

	repo.Enqueue(ctx, nil, newCmd("k"), t0)
	claimed, _ := repo.ClaimBatch(ctx, 1, "w1", t0, time.Minute)
	c := claimed[0]

	// a second worker takes over after expiry and moves the version on
	stolen, _ := repo.ClaimBatch(ctx, 1, "w2", t0.Add(2*time.Minute), time.Minute)
	if len(stolen) != 1 {
		t.Fatal("expected takeover")
	}

	effect := func(tx *sqlx.Tx) error { return receipts.RecordSubmission(ctx, tx, c, "tx-1", t0) }
	err := repo.MarkCommitted(ctx, c, "tx-1", t0, effect)
	if !errors.Is(err, failure.ErrConcurrencyConflict) {
		t.Fatalf("stale commit err = %v, want conflict", err)
	}
	if _, err := receipts.Get(ctx, "wallet", c.AggregateID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("side effect leaked from a rejected transition: %v", err)
	}
	if err := repo.RenewLease(ctx, c, t0.Add(3*time.Minute)); !errors.Is(err, failure.ErrLeaseExpired) {
		t.Fatalf("stale renew err = %v", err)
	}

	owner := stolen[0]
	if err := repo.RenewLease(ctx, owner, t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("renew: %v", err)
	}
	effect = func(tx *sqlx.Tx) error { return receipts.RecordSubmission(ctx, tx, owner, "tx-1", t0) }
	if err := repo.MarkCommitted(ctx, owner, "tx-1", t0, effect); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, _ := repo.Get(ctx, owner.ID)
	if got.Status != model.CommandCommitted || got.TxID != "tx-1" || got.Version != owner.Version+1 || got.LeaseExpiresAt != nil {
		t.Fatalf("committed row = %+v", got)
	}
	rec, err := receipts.Get(ctx, "wallet", owner.AggregateID)
	if err != nil || rec.Commands != 1 || rec.FirstTxID != "tx-1" {
		t.Fatalf("receipt = %+v, %v", rec, err)
	}
}

func TestEffectFailureRollsBackTransition(t *testing.T) {
	ctx := context.Background()
	repo := NewCommandRepository(newTestDB(t), 5)
	repo.Enqueue(ctx, nil, newCmd("k"), t0)
	claimed, _ := repo.ClaimBatch(ctx, 1, "w1", t0, time.Minute)

	boom := errors.New("boom")
	err := repo.MarkCommitted(ctx, claimed[0], "tx-9", t0, func(*sqlx.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	got, _ := repo.Get(ctx, claimed[0].ID)
	if got.Status != model.CommandClaimed || got.Version != claimed[0].Version {
		t.Fatalf("row moved despite rollback: %+v", got)
	}
}

func TestRetryDeadAndReplay(t *testing.T) {
	ctx := context.Background()
	repo := NewCommandRepository(newTestDB(t), 2)
	repo.Enqueue(ctx, nil, newCmd("k"), t0)

	claimed, _ := repo.ClaimBatch(ctx, 1, "w1", t0, time.Minute)
	c := claimed[0]
	c.Attempts = 1
	if err := repo.ScheduleRetry(ctx, c, t0.Add(10*time.Second), "ledger unavailable"); err != nil {
		t.Fatal(err)
	}
	if got, _ := repo.ClaimBatch(ctx, 1, "w1", t0.Add(5*time.Second), time.Minute); len(got) != 0 {
		t.Fatal("claimed before next_retry_at")
	}
	claimed, _ = repo.ClaimBatch(ctx, 1, "w1", t0.Add(10*time.Second), time.Minute)
	if len(claimed) != 1 || claimed[0].Attempts != 1 {
		t.Fatalf("retry claim = %+v", claimed)
	}

	c = claimed[0]
	c.Attempts = 2
	if err := repo.MarkDead(ctx, c, "still down", t0.Add(11*time.Second), nil); err != nil {
		t.Fatal(err)
	}
	dead, _ := repo.Get(ctx, c.ID)
	if dead.Status != model.CommandDead || dead.Attempts != 2 || dead.LastError != "still down" {
		t.Fatalf("dead row = %+v", dead)
	}

	if err := repo.ResetForReplay(ctx, nil, c.ID); err != nil {
		t.Fatal(err)
	}
	pending, _ := repo.Get(ctx, c.ID)
	if pending.Status != model.CommandPending || pending.Attempts != 0 || pending.Version != dead.Version+1 {
		t.Fatalf("replayed row = %+v", pending)
	}
	if err := repo.ResetForReplay(ctx, nil, c.ID); !errors.Is(err, failure.ErrConcurrencyConflict) {
		t.Fatalf("second replay err = %v", err)
	}
}

func TestCheckpointMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := NewCheckpointRepository(newTestDB(t))

	cp, err := repo.Load(ctx, "s1")
	if err != nil || !cp.IsGenesis() {
		t.Fatalf("load = %+v, %v", cp, err)
	}

	steps := []struct {
		pos, idx int64
		wantErr  error
	}{
		{10, 0, nil},
		{10, 2, nil},
		{10, 2, nil}, // same position is a no-op
		{10, 1, ErrCheckpointRegression},
		{9, 5, ErrCheckpointRegression},
		{12, 0, nil},
	}
	for i, s := range steps {
		err := repo.Advance(ctx, nil, model.Checkpoint{StreamID: "s1", Position: s.pos, EventIndex: s.idx, UpdatedAt: t0})
		if !errors.Is(err, s.wantErr) || (s.wantErr == nil && err != nil) {
			t.Fatalf("step %d (%d/%d): err = %v, want %v", i, s.pos, s.idx, err, s.wantErr)
		}
	}
	cp, _ = repo.Load(ctx, "s1")
	if cp.Position != 12 || cp.EventIndex != 0 {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestDeadLetterDedupeAndResolve(t *testing.T) {
	ctx := context.Background()
	repo := NewDeadLetterRepository(newTestDB(t))

	entry := model.DeadLetterEntry{
		SourceType: model.SourceCommand,
		SourceID:   "cmd-1",
		Name:       "Deposit",
		Payload:    []byte(`{}`),
		Error:      "rejected",
		Attempts:   3,
		FailedAt:   t0,
	}
	first, err := repo.Insert(ctx, nil, entry)
	if err != nil {
		t.Fatal(err)
	}
	second, err := repo.Insert(ctx, nil, entry)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate unresolved entry created: %s vs %s", second.ID, first.ID)
	}

	if err := repo.Resolve(ctx, nil, first.ID, model.ResolutionDiscarded, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := repo.Resolve(ctx, nil, first.ID, model.ResolutionReplayed, t0.Add(time.Hour)); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("re-resolve err = %v", err)
	}
	if err := repo.Resolve(ctx, nil, "missing", model.ResolutionReplayed, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}

	// once resolved, a fresh failure of the same source gets its own entry
	third, err := repo.Insert(ctx, nil, entry)
	if err != nil || third.ID == first.ID {
		t.Fatalf("third = %+v, %v", third, err)
	}

	all, _ := repo.List(ctx, model.DeadLetterFilter{SourceType: model.SourceCommand})
	open, _ := repo.List(ctx, model.DeadLetterFilter{UnresolvedOnly: true})
	events, _ := repo.List(ctx, model.DeadLetterFilter{SourceType: model.SourceEvent})
	if len(all) != 2 || len(open) != 1 || len(events) != 0 {
		t.Fatalf("list sizes all=%d open=%d events=%d", len(all), len(open), len(events))
	}
	got, _ := repo.Get(ctx, first.ID)
	if got.Resolution != model.ResolutionDiscarded || got.ResolvedAt == nil {
		t.Fatalf("resolved entry = %+v", got)
	}
}

func TestReceiptCountsEachCommandOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewAggregateRepository(newTestDB(t))
	a := model.OutboxCommand{ID: "a", AggregateType: "wallet", AggregateID: "w1"}
	b := model.OutboxCommand{ID: "b", AggregateType: "wallet", AggregateID: "w1"}

	for _, step := range []struct {
		c  model.OutboxCommand
		tx string
	}{{a, "tx-a"}, {a, "tx-a"}, {b, "tx-b"}, {b, "tx-b"}} {
		if err := repo.RecordSubmission(ctx, nil, step.c, step.tx, t0); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := repo.Get(ctx, "wallet", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Commands != 2 || rec.FirstCommandID != "a" || rec.LastTxID != "tx-b" {
		t.Fatalf("receipt = %+v", rec)
	}
}

func TestProjectionTxRollsBackTogether(t *testing.T) {
	ctx := context.Background()
	dbx := newTestDB(t)
	store := NewProjectionStore(dbx)
	reads := NewReadModelRepository(dbx)

	err := store.InTx(ctx, func(p ProjectionTx) error {
		if err := p.OpenWallet(ctx, model.WalletView{WalletID: "w1", OwnerID: "o1", Currency: "USD", UpdatedAt: t0}); err != nil {
			return err
		}
		return p.AdjustBalance(ctx, "w1", 100, "tx-1", t0)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.InTx(ctx, func(p ProjectionTx) error {
		if err := p.AdjustBalance(ctx, "w1", -40, "tx-2", t0); err != nil {
			return err
		}
		if err := p.AdvanceCheckpoint(ctx, model.Checkpoint{StreamID: "s", Position: 1, EventIndex: 0, UpdatedAt: t0}); err != nil {
			return err
		}
		return p.AdjustBalance(ctx, "missing", 40, "tx-2", t0)
	})
	if !failure.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}

	w, _ := reads.GetWallet(ctx, "w1")
	if w.Balance != 100 {
		t.Fatalf("balance = %d, partial apply leaked", w.Balance)
	}
	cp, _ := store.LoadCheckpoint(ctx, "s")
	if !cp.IsGenesis() {
		t.Fatalf("checkpoint moved on rollback: %+v", cp)
	}

	err = store.InTx(ctx, func(p ProjectionTx) error { return p.AdjustBalance(ctx, "w1", -101, "tx-3", t0) })
	if !failure.IsPermanent(err) {
		t.Fatalf("overdraft err = %v", err)
	}
}
