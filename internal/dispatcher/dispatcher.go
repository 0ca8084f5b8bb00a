// Package dispatcher delivers outbox commands to the ledger.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/failure"
	"github.com/jmehdipour/ledger-bridge/internal/ledger"
	"github.com/jmehdipour/ledger-bridge/internal/logger"
	"github.com/jmehdipour/ledger-bridge/internal/metrics"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/jmehdipour/ledger-bridge/internal/retry"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome is what happened to one claimed command.
type Outcome string

const (
	OutcomeCommitted      Outcome = "committed"
	OutcomeReconciled     Outcome = "reconciled" // ledger reported the idempotency key as already executed
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDead           Outcome = "dead"
	OutcomeConflict       Outcome = "conflict"
	OutcomeLeaseExpired   Outcome = "lease_expired"
	OutcomeReleased       Outcome = "released"
	OutcomeStoreError     Outcome = "store_error"
)

// Dispatcher claims outbox commands in batches and submits them with bounded concurrency.
// Several Dispatchers may share one store; claims never overlap.
type Dispatcher struct {
	// Dependencies
	Commands    repository.CommandRepository
	Receipts    repository.AggregateRepository
	DeadLetters repository.DeadLetterRepository
	Ledger      ledger.Submitter
	Retry       retry.Policy
	Log         *zap.Logger
	Tracer      trace.Tracer
	Now         func() time.Time

	// Behavior
	WorkerID         string
	BatchSize        int
	Concurrency      int           // submissions in flight per batch
	PollInterval     time.Duration // wait after a short batch
	LeaseDuration    time.Duration
	RenewInterval    time.Duration // heartbeat while a submission is outstanding
	ShutdownTimeout  time.Duration // grace for in-flight work after Run's ctx ends
	MaxStoreFailures int           // consecutive claim failures before Run gives up

	once    sync.Once
	initErr error
}

// NewDispatcher builds a dispatcher with sane defaults.
func NewDispatcher(
	commands repository.CommandRepository,
	receipts repository.AggregateRepository,
	deadLetters repository.DeadLetterRepository,
	submitter ledger.Submitter,
	policy retry.Policy,
	log *zap.Logger,
	workerID string,
) *Dispatcher {
	return &Dispatcher{
		Commands:         commands,
		Receipts:         receipts,
		DeadLetters:      deadLetters,
		Ledger:           submitter,
		Retry:            policy,
		Log:              log,
		WorkerID:         workerID,
		BatchSize:        50,
		Concurrency:      8,
		PollInterval:     time.Second,
		LeaseDuration:    30 * time.Second,
		RenewInterval:    10 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		MaxStoreFailures: 10,
	}
}

// init applies defaults once; fields must not change after the first call.
func (d *Dispatcher) init() error {
	d.once.Do(func() { d.initErr = d.applyDefaults() })
	return d.initErr
}

func (d *Dispatcher) applyDefaults() error {
	if d.Commands == nil || d.Receipts == nil || d.DeadLetters == nil || d.Ledger == nil {
		return errors.New("dispatcher: missing dependency")
	}
	if d.WorkerID == "" {
		return errors.New("dispatcher: empty worker id")
	}
	d.Log = logger.OrNop(d.Log)
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("ledger-bridge/dispatcher")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 50
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 8
	}
	if d.PollInterval <= 0 {
		d.PollInterval = time.Second
	}
	if d.LeaseDuration <= 0 {
		d.LeaseDuration = 30 * time.Second
	}
	if d.RenewInterval <= 0 {
		d.RenewInterval = d.LeaseDuration / 3
	}
	if d.RenewInterval >= d.LeaseDuration {
		return fmt.Errorf("dispatcher: renew interval %s must be shorter than lease %s", d.RenewInterval, d.LeaseDuration)
	}
	if d.ShutdownTimeout <= 0 {
		d.ShutdownTimeout = 15 * time.Second
	}
	if d.MaxStoreFailures <= 0 {
		d.MaxStoreFailures = 10
	}
	return nil
}

// Run polls until ctx is cancelled. In-flight submissions get ShutdownTimeout to
// finish; commands not yet started are released for other workers.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.init(); err != nil {
		return err
	}

	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	go func() {
		select {
		case <-work.Done():
			return
		case <-ctx.Done():
		}
		t := time.NewTimer(d.ShutdownTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancelWork()
		case <-work.Done():
		}
	}()

	d.Log.Info("dispatcher started",
		zap.String("worker", d.WorkerID),
		zap.Int("batch_size", d.BatchSize),
		zap.Int("concurrency", d.Concurrency),
		zap.Duration("lease", d.LeaseDuration),
		zap.Duration("renew", d.RenewInterval),
	)

	failures := 0
	for ctx.Err() == nil {
		batch, err := d.ClaimBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			if failures >= d.MaxStoreFailures {
				return fmt.Errorf("dispatcher: command store unavailable: %w", err)
			}
			d.Log.Warn("claim failed", zap.Error(err), zap.Int("consecutive", failures))
			sleep(ctx, d.Retry.Backoff(failures))
			continue
		}
		failures = 0

		if len(batch) > 0 {
			d.processBatch(ctx, work, batch)
		}
		if len(batch) < d.BatchSize {
			sleep(ctx, d.PollInterval)
		}
	}

	d.Log.Info("dispatcher stopped", zap.String("worker", d.WorkerID))
	return nil
}

// ClaimBatch claims up to BatchSize commands for this worker.
func (d *Dispatcher) ClaimBatch(ctx context.Context) ([]model.OutboxCommand, error) {
	if err := d.init(); err != nil {
		return nil, err
	}
	batch, err := d.Commands.ClaimBatch(ctx, d.BatchSize, d.WorkerID, d.Now(), d.LeaseDuration)
	if err != nil {
		return nil, err
	}
	metrics.CommandsClaimed.Add(float64(len(batch)))
	return batch, nil
}

// ProcessBatch submits every command of batch, at most Concurrency at a time.
// One command's failure never affects the others. Outcomes are in batch order.
func (d *Dispatcher) ProcessBatch(ctx context.Context, batch []model.OutboxCommand) []Outcome {
	if err := d.init(); err != nil {
		d.Log.Error("process batch", zap.Error(err))
		return nil
	}
	return d.processBatch(ctx, ctx, batch)
}

// processBatch starts commands while stop is live and runs them under work.
func (d *Dispatcher) processBatch(stop, work context.Context, batch []model.OutboxCommand) []Outcome {
	out := make([]Outcome, len(batch))

	var g errgroup.Group
	g.SetLimit(d.Concurrency)
	for i, c := range batch {
		if stop.Err() != nil {
			out[i] = d.release(work, c)
			continue
		}
		g.Go(func() error {
			if stop.Err() != nil {
				out[i] = d.release(work, c)
				return nil
			}
			out[i] = d.Submit(work, c)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Submit delivers one claimed command and records the outcome with a version CAS.
func (d *Dispatcher) Submit(ctx context.Context, c model.OutboxCommand) Outcome {
	if err := d.init(); err != nil {
		d.Log.Error("submit", zap.Error(err))
		return OutcomeStoreError
	}

	ctx, span := d.Tracer.Start(ctx, "dispatcher.submit", trace.WithAttributes(
		attribute.String("command.id", c.ID),
		attribute.String("command.type", c.CommandType),
		attribute.String("aggregate.id", c.AggregateID),
		attribute.Int("command.attempts", c.Attempts),
	))
	defer span.End()

	log := d.Log.With(
		zap.String("command_id", c.ID),
		zap.String("command_type", c.CommandType),
		zap.Int64("version", c.Version),
	)

	outcome := d.submit(ctx, c, log)
	metrics.CommandsTotal.WithLabelValues(string(outcome)).Inc()
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome == OutcomeDead || outcome == OutcomeStoreError {
		span.SetStatus(codes.Error, string(outcome))
	}
	return outcome
}

func (d *Dispatcher) submit(ctx context.Context, c model.OutboxCommand, log *zap.Logger) Outcome {
	if !json.Valid(c.Payload) {
		return d.dead(ctx, c, failure.Permanentf("payload of %s is not a JSON document", c.ID), log)
	}

	req := ledger.SubmitRequest{
		Function:       c.CommandType,
		Args:           [][]byte{[]byte(c.AggregateID), c.Payload},
		IdempotencyKey: c.IdempotencyKey,
	}

	subCtx, cancel := context.WithCancelCause(ctx)
	stopBeat := d.heartbeat(subCtx, cancel, c, log)
	start := time.Now()
	res, err := d.Ledger.Submit(subCtx, req)
	metrics.SubmitSeconds.Observe(time.Since(start).Seconds())
	stopBeat()
	lost := errors.Is(context.Cause(subCtx), failure.ErrLeaseExpired)
	cancel(nil)

	if err != nil {
		if lost {
			log.Warn("lease lost while submitting, leaving command to its new owner", zap.Error(err))
			return OutcomeLeaseExpired
		}
		if ctx.Err() != nil {
			return d.release(ctx, c)
		}
		c.Attempts++
		if failure.IsPermanent(err) {
			return d.dead(ctx, c, err, log)
		}
		if d.exhausted(c) {
			return d.dead(ctx, c, err, log)
		}
		next := d.Now().Add(d.Retry.Backoff(c.Attempts))
		if serr := d.Commands.ScheduleRetry(ctx, c, next, err.Error()); serr != nil {
			return d.storeFailure(serr, "schedule retry", log)
		}
		log.Info("retry scheduled", zap.Int("attempts", c.Attempts), zap.Time("next_retry_at", next), zap.Error(err))
		return OutcomeRetryScheduled
	}

	now := d.Now()
	effect := func(tx *sqlx.Tx) error {
		return d.Receipts.RecordSubmission(ctx, tx, c, res.TxID, now)
	}
	if serr := d.Commands.MarkCommitted(ctx, c, res.TxID, now, effect); serr != nil {
		return d.storeFailure(serr, "mark committed", log)
	}
	if res.Duplicate {
		log.Info("duplicate submission reconciled", zap.String("tx_id", res.TxID))
		return OutcomeReconciled
	}
	log.Debug("committed", zap.String("tx_id", res.TxID))
	return OutcomeCommitted
}

func (d *Dispatcher) exhausted(c model.OutboxCommand) bool {
	if c.MaxAttempts > 0 {
		return c.Attempts >= c.MaxAttempts
	}
	return d.Retry.Exhausted(c.Attempts)
}

// heartbeat renews the row lease until the returned stop func is called. When the
// row has been taken over it cancels the submission with failure.ErrLeaseExpired.
func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, c model.OutboxCommand, log *zap.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(d.RenewInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				err := d.Commands.RenewLease(ctx, c, d.Now().Add(d.LeaseDuration))
				switch {
				case err == nil:
				case errors.Is(err, failure.ErrLeaseExpired):
					cancel(failure.ErrLeaseExpired)
					return
				default:
					log.Warn("lease renewal failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (d *Dispatcher) dead(ctx context.Context, c model.OutboxCommand, cause error, log *zap.Logger) Outcome {
	now := d.Now()
	entry := model.DeadLetterEntry{
		SourceType: model.SourceCommand,
		SourceID:   c.ID,
		Name:       c.CommandType,
		Payload:    c.Payload,
		Error:      cause.Error(),
		Attempts:   c.Attempts,
		FailedAt:   now,
	}
	effect := func(tx *sqlx.Tx) error {
		_, err := d.DeadLetters.Insert(ctx, tx, entry)
		return err
	}
	if err := d.Commands.MarkDead(ctx, c, cause.Error(), now, effect); err != nil {
		return d.storeFailure(err, "mark dead", log)
	}
	metrics.DeadLettersTotal.WithLabelValues(model.SourceCommand.String()).Inc()
	log.Error("command dead-lettered", zap.Int("attempts", c.Attempts), zap.Error(cause))
	return OutcomeDead
}

// release hands an unstarted or interrupted command back without spending an attempt.
func (d *Dispatcher) release(ctx context.Context, c model.OutboxCommand) Outcome {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.Commands.ScheduleRetry(rctx, c, d.Now(), "released on shutdown"); err != nil {
		// the lease expires on its own
		d.Log.Warn("release failed", zap.String("command_id", c.ID), zap.Error(err))
		return OutcomeStoreError
	}
	return OutcomeReleased
}

func (d *Dispatcher) storeFailure(err error, op string, log *zap.Logger) Outcome {
	if errors.Is(err, failure.ErrConcurrencyConflict) {
		log.Warn("version conflict, row will be re-read on the next poll", zap.String("op", op), zap.Error(err))
		return OutcomeConflict
	}
	log.Error("command store write failed", zap.String("op", op), zap.Error(err))
	return OutcomeStoreError
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
