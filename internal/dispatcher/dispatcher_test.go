package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/db/dbtest"
	"github.com/jmehdipour/ledger-bridge/internal/ledger"
	"github.com/jmehdipour/ledger-bridge/internal/ledger/ledgertest"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/jmehdipour/ledger-bridge/internal/retry"
	"github.com/jmoiron/sqlx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	db       *sqlx.DB
	commands *repository.CommandRepositoryImpl
	receipts *repository.AggregateRepositoryImpl
	dlq      *repository.DeadLetterRepositoryImpl
	ledger   *ledgertest.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dbx := dbtest.NewSQLite(t)
	return &env{
		db:       dbx,
		commands: repository.NewCommandRepository(dbx, 3),
		receipts: repository.NewAggregateRepository(dbx),
		dlq:      repository.NewDeadLetterRepository(dbx),
		ledger:   ledgertest.New(),
	}
}

func (e *env) dispatcher(worker string, commands repository.CommandRepository) *Dispatcher {
	if commands == nil {
		commands = e.commands
	}
	d := NewDispatcher(commands, e.receipts, e.dlq, e.ledger, retry.Policy{
		MaxAttempts: 3,
		Base:        10 * time.Millisecond,
		Cap:         100 * time.Millisecond,
	}, nil, worker)
	d.BatchSize = 10
	d.Concurrency = 4
	return d
}

func (e *env) seed(t *testing.T, n int, now time.Time) []model.OutboxCommand {
	t.Helper()
	out := make([]model.OutboxCommand, 0, n)
	for i := 0; i < n; i++ {
		c, err := e.commands.Enqueue(context.Background(), nil, model.NewCommand{
			AggregateID:    fmt.Sprintf("wallet-%d", i),
			AggregateType:  "wallet",
			CommandType:    "Deposit",
			Payload:        []byte(fmt.Sprintf(`{"amount":%d}`, i+1)),
			IdempotencyKey: fmt.Sprintf("key-%d", i),
		}, now)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, c)
	}
	return out
}

func (e *env) status(t *testing.T, id string) model.OutboxCommand {
	t.Helper()
	c, err := e.commands.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestTwoDispatchersSubmitEachCommandOnce(t *testing.T) {
	e := newEnv(t)
	cmds := e.seed(t, 10, time.Now())
	e.ledger.SetDelay(5 * time.Millisecond)

	var wg sync.WaitGroup
	for _, name := range []string{"w1", "w2"} {
		d := e.dispatcher(name, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := d.ClaimBatch(context.Background())
			if err != nil {
				t.Errorf("%s claim: %v", name, err)
				return
			}
			d.ProcessBatch(context.Background(), batch)
		}()
	}
	wg.Wait()

	if got := len(e.ledger.Executions()); got != 10 {
		t.Fatalf("ledger executions = %d, want 10", got)
	}
	if got := e.ledger.Calls(); got != 10 {
		t.Fatalf("ledger calls = %d, want 10", got)
	}
	for _, c := range cmds {
		if s := e.status(t, c.ID); s.Status != model.CommandCommitted || s.TxID == "" {
			t.Fatalf("%s: %+v", c.ID, s)
		}
	}
}

func TestSubmitArgs(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 1, time.Now())
	d := e.dispatcher("w1", nil)

	batch, _ := d.ClaimBatch(context.Background())
	if out := d.ProcessBatch(context.Background(), batch); out[0] != OutcomeCommitted {
		t.Fatalf("outcome = %s", out[0])
	}
	req := e.ledger.Executions()[0]
	if req.Function != "Deposit" || req.IdempotencyKey != "key-0" || len(req.Args) != 2 ||
		string(req.Args[0]) != "wallet-0" || string(req.Args[1]) != `{"amount":1}` {
		t.Fatalf("request = %+v", req)
	}
	rec, err := e.receipts.Get(context.Background(), "wallet", "wallet-0")
	if err != nil || rec.FirstTxID != "tx-000001" {
		t.Fatalf("receipt = %+v, %v", rec, err)
	}
}

// failCommitOnce loses the first MarkCommitted, as if the process died after the ledger call.
type failCommitOnce struct {
	repository.CommandRepository
	mu     sync.Mutex
	failed bool
}

func (f *failCommitOnce) MarkCommitted(ctx context.Context, c model.OutboxCommand, txID string, now time.Time, effect repository.TxFunc) error {
	f.mu.Lock()
	first := !f.failed
	f.failed = true
	f.mu.Unlock()
	if first {
		return errors.New("connection reset")
	}
	return f.CommandRepository.MarkCommitted(ctx, c, txID, now, effect)
}

func TestCrashAfterSubmitIsReconciledNotResubmitted(t *testing.T) {
	e := newEnv(t)
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cmds := e.seed(t, 1, clk.Now())

	crashing := e.dispatcher("w1", &failCommitOnce{CommandRepository: e.commands})
	crashing.Now = clk.Now
	crashing.LeaseDuration = 2 * time.Hour
	crashing.RenewInterval = time.Hour

	batch, _ := crashing.ClaimBatch(context.Background())
	if out := crashing.ProcessBatch(context.Background(), batch); out[0] != OutcomeStoreError {
		t.Fatalf("first outcome = %s", out[0])
	}
	if s := e.status(t, cmds[0].ID); s.Status != model.CommandClaimed {
		t.Fatalf("status after crash = %s", s.Status)
	}

	clk.Advance(3 * time.Hour)
	recovery := e.dispatcher("w2", nil)
	recovery.Now = clk.Now
	batch, _ = recovery.ClaimBatch(context.Background())
	if len(batch) != 1 {
		t.Fatalf("stale lease not recovered: %d", len(batch))
	}
	if out := recovery.ProcessBatch(context.Background(), batch); out[0] != OutcomeReconciled {
		t.Fatalf("recovery outcome = %s", out[0])
	}

	if got := len(e.ledger.Executions()); got != 1 {
		t.Fatalf("ledger executed %d times", got)
	}
	s := e.status(t, cmds[0].ID)
	if s.Status != model.CommandCommitted || s.TxID != "tx-000001" {
		t.Fatalf("final row = %+v", s)
	}
	rec, _ := e.receipts.Get(context.Background(), "wallet", "wallet-0")
	if rec.Commands != 1 {
		t.Fatalf("receipt counted %d commands", rec.Commands)
	}
}

func TestHeartbeatKeepsSlowSubmissionClaimed(t *testing.T) {
	e := newEnv(t)
	cmds := e.seed(t, 1, time.Now())
	e.ledger.SetDelay(700 * time.Millisecond)

	slow := e.dispatcher("w1", nil)
	slow.LeaseDuration = 300 * time.Millisecond
	slow.RenewInterval = 50 * time.Millisecond
	batch, _ := slow.ClaimBatch(context.Background())

	done := make(chan Outcome, 1)
	go func() { done <- slow.ProcessBatch(context.Background(), batch)[0] }()

	rival := e.dispatcher("w2", nil)
	rival.LeaseDuration = 300 * time.Millisecond
	deadline := time.After(3 * time.Second)
poll:
	for {
		select {
		case out := <-done:
			if out != OutcomeCommitted {
				t.Fatalf("outcome = %s", out)
			}
			break poll
		case <-deadline:
			t.Fatal("submission did not finish")
		case <-time.After(20 * time.Millisecond):
			stolen, err := rival.ClaimBatch(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if len(stolen) != 0 {
				t.Fatal("in-flight command was re-claimed by a second worker")
			}
		}
	}

	if got := e.ledger.Calls(); got != 1 {
		t.Fatalf("ledger calls = %d", got)
	}
	if s := e.status(t, cmds[0].ID); s.Status != model.CommandCommitted {
		t.Fatalf("status = %s", s.Status)
	}
}

func TestLostLeaseAbandonsSubmission(t *testing.T) {
	e := newEnv(t)
	e.seed(t, 1, time.Now())
	e.ledger.SetDelay(2 * time.Second)

	d := e.dispatcher("w1", nil)
	d.LeaseDuration = time.Second
	d.RenewInterval = 20 * time.Millisecond
	batch, _ := d.ClaimBatch(context.Background())

	done := make(chan Outcome, 1)
	go func() { done <- d.ProcessBatch(context.Background(), batch)[0] }()

	time.Sleep(50 * time.Millisecond)
	thief := e.dispatcher("w2", nil)
	thief.Now = func() time.Time { return time.Now().Add(time.Minute) }
	if stolen, _ := thief.ClaimBatch(context.Background()); len(stolen) != 1 {
		t.Fatal("takeover failed")
	}

	select {
	case out := <-done:
		if out != OutcomeLeaseExpired {
			t.Fatalf("outcome = %s", out)
		}
	case <-time.After(time.Second):
		t.Fatal("submission was not cancelled after the lease was lost")
	}
	if got := len(e.ledger.Executions()); got != 0 {
		t.Fatalf("executions = %d", got)
	}
}

func TestTransientFailuresEndInDeadLetter(t *testing.T) {
	e := newEnv(t)
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cmds := e.seed(t, 1, clk.Now())
	e.ledger.SetFailure(func(ledger.SubmitRequest) error {
		return ledger.NewError(ledger.KindUnavailable, true, "consensus busy")
	})

	d := e.dispatcher("w1", nil)
	d.Now = clk.Now

	want := []Outcome{OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeDead}
	for i, w := range want {
		batch, err := d.ClaimBatch(context.Background())
		if err != nil || len(batch) != 1 {
			t.Fatalf("round %d: claimed %d, %v", i, len(batch), err)
		}
		if out := d.ProcessBatch(context.Background(), batch); out[0] != w {
			t.Fatalf("round %d outcome = %s, want %s", i, out[0], w)
		}
		if i == 0 {
			s := e.status(t, cmds[0].ID)
			if s.Attempts != 1 || s.NextRetryAt == nil || !s.NextRetryAt.After(clk.Now()) {
				t.Fatalf("retry row = %+v", s)
			}
			if again, _ := d.ClaimBatch(context.Background()); len(again) != 0 {
				t.Fatal("claimed before next retry")
			}
		}
		clk.Advance(time.Minute)
	}

	s := e.status(t, cmds[0].ID)
	if s.Status != model.CommandDead || s.Attempts != 3 {
		t.Fatalf("final row = %+v", s)
	}
	entries, _ := e.dlq.List(context.Background(), model.DeadLetterFilter{SourceType: model.SourceCommand})
	if len(entries) != 1 || entries[0].SourceID != cmds[0].ID || entries[0].Attempts != 3 {
		t.Fatalf("dead letters = %+v", entries)
	}
}

func TestPermanentFailuresSkipRetries(t *testing.T) {
	tests := []struct {
		name         string
		payload      string
		failure      error
		wantCalls    int
		wantAttempts int
	}{
		{name: "payload is not JSON", payload: `amount=5`, wantCalls: 0, wantAttempts: 0},
		{name: "ledger rejects", payload: `{"amount":5}`, failure: ledger.NewError(ledger.KindRejected, false, "endorsement failed"), wantCalls: 1, wantAttempts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			c, err := e.commands.Enqueue(context.Background(), nil, model.NewCommand{
				AggregateID: "w", AggregateType: "wallet", CommandType: "Deposit",
				Payload: []byte(tt.payload), IdempotencyKey: "k",
			}, time.Now())
			if err != nil {
				t.Fatal(err)
			}
			if tt.failure != nil {
				e.ledger.SetFailure(func(ledger.SubmitRequest) error { return tt.failure })
			}
			d := e.dispatcher("w1", nil)
			batch, _ := d.ClaimBatch(context.Background())
			if out := d.ProcessBatch(context.Background(), batch); out[0] != OutcomeDead {
				t.Fatalf("outcome = %s", out[0])
			}
			if got := e.ledger.Calls(); got != tt.wantCalls {
				t.Fatalf("ledger calls = %d, want %d", got, tt.wantCalls)
			}
			if s := e.status(t, c.ID); s.Status != model.CommandDead || s.Attempts != tt.wantAttempts {
				t.Fatalf("row = %+v, want %d attempts", s, tt.wantAttempts)
			}
			entries, _ := e.dlq.List(context.Background(), model.DeadLetterFilter{SourceType: model.SourceCommand})
			if len(entries) != 1 || entries[0].Attempts != tt.wantAttempts {
				t.Fatalf("dead letters = %+v", entries)
			}
		})
	}
}

func TestRunDrainsAndStops(t *testing.T) {
	e := newEnv(t)
	cmds := e.seed(t, 5, time.Now())

	d := e.dispatcher("w1", nil)
	d.PollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(e.ledger.Executions()) < len(cmds) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, c := range cmds {
		if s := e.status(t, c.ID); s.Status != model.CommandCommitted {
			t.Fatalf("%s status = %s", c.ID, s.Status)
		}
	}
}

func TestRejectsRenewIntervalNotShorterThanLease(t *testing.T) {
	e := newEnv(t)
	d := e.dispatcher("w1", nil)
	d.LeaseDuration = time.Second
	d.RenewInterval = time.Second
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected configuration error")
	}
}
