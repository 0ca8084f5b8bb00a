// Package projector rebuilds read models from a ledger event stream.
//
// One Projector serves one stream. It consumes only while it holds the
// stream's leader lease, and every event's read-model mutations commit in the
// same transaction as the checkpoint that covers it.
package projector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/events"
	"github.com/jmehdipour/ledger-bridge/internal/failure"
	"github.com/jmehdipour/ledger-bridge/internal/lease"
	"github.com/jmehdipour/ledger-bridge/internal/ledger"
	"github.com/jmehdipour/ledger-bridge/internal/logger"
	"github.com/jmehdipour/ledger-bridge/internal/metrics"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/jmehdipour/ledger-bridge/internal/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type State string

const (
	StateNotStarted    State = "NOT_STARTED"
	StateLeaseAcquired State = "LEASE_ACQUIRED"
	StateConsuming     State = "CONSUMING"
	StateStopped       State = "STOPPED"
	StateLeaseLost     State = "LEASE_LOST"
)

// OnError decides what happens to an event that failed terminally.
type OnError string

const (
	Skip OnError = "skip" // dead-letter it and advance past it
	Halt OnError = "halt" // stop the stream on it
)

// ErrHalted is returned by Run when an event under the Halt policy failed.
var ErrHalted = errors.New("projection halted")

type Projector struct {
	// Dependencies
	Store    repository.ProjectionStore
	Ledger   ledger.Subscriber
	Locker   lease.Locker
	Registry events.Registry
	Retry    retry.Policy
	Archive  repository.EventArchive // optional
	Log      *zap.Logger
	Tracer   trace.Tracer
	Now      func() time.Time

	// Behavior
	StreamID        string
	Owner           string
	LeaseTTL        time.Duration
	RenewInterval   time.Duration
	AcquireInterval time.Duration
	DefaultOnError  OnError
	EventPolicies   map[string]OnError // per event name, overrides DefaultOnError

	once     sync.Once
	initErr  error
	mu       sync.Mutex
	state    State
	archiver *archiver
}

func NewProjector(
	store repository.ProjectionStore,
	subscriber ledger.Subscriber,
	locker lease.Locker,
	policy retry.Policy,
	log *zap.Logger,
	streamID, owner string,
) *Projector {
	return &Projector{
		Store:           store,
		Ledger:          subscriber,
		Locker:          locker,
		Registry:        events.NewStaticRegistry(),
		Retry:           policy,
		Log:             log,
		StreamID:        streamID,
		Owner:           owner,
		LeaseTTL:        15 * time.Second,
		RenewInterval:   5 * time.Second,
		AcquireInterval: 2 * time.Second,
		DefaultOnError:  Skip,
		state:           StateNotStarted,
	}
}

func (p *Projector) init() error {
	p.once.Do(func() { p.initErr = p.applyDefaults() })
	return p.initErr
}

func (p *Projector) applyDefaults() error {
	if p.Store == nil {
		return errors.New("projector: missing projection store")
	}
	p.Log = logger.OrNop(p.Log).With(zap.String("stream", p.StreamID))
	if p.Registry == nil {
		p.Registry = events.NewStaticRegistry()
	}
	if p.Tracer == nil {
		p.Tracer = otel.Tracer("ledger-bridge/projector")
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.LeaseTTL <= 0 {
		p.LeaseTTL = 15 * time.Second
	}
	if p.RenewInterval <= 0 {
		p.RenewInterval = p.LeaseTTL / 3
	}
	if p.RenewInterval >= p.LeaseTTL {
		return fmt.Errorf("projector: renew interval %s must be shorter than lease ttl %s", p.RenewInterval, p.LeaseTTL)
	}
	if p.AcquireInterval <= 0 {
		p.AcquireInterval = 2 * time.Second
	}
	if p.DefaultOnError == "" {
		p.DefaultOnError = Skip
	}
	if p.Archive != nil {
		p.archiver = newArchiver(p.Archive, p.Log)
	}
	p.mu.Lock()
	if p.state == "" {
		p.state = StateNotStarted
	}
	p.mu.Unlock()
	return nil
}

func (p *Projector) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Projector) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	v := 0.0
	if s == StateLeaseAcquired || s == StateConsuming {
		v = 1
	}
	metrics.LeaderState.WithLabelValues(p.StreamID).Set(v)
}

func (p *Projector) leaseKey() string {
	return "projector:" + p.StreamID
}

// Run is the leadership loop. It waits for the stream's lease, consumes while
// holding it and goes back to waiting after losing it. It returns nil on
// graceful shutdown, ErrHalted under the Halt policy, or an infrastructure error.
func (p *Projector) Run(ctx context.Context) error {
	if err := p.init(); err != nil {
		return err
	}
	if p.Ledger == nil || p.Locker == nil {
		return errors.New("projector: missing ledger subscriber or locker")
	}
	if p.StreamID == "" || p.Owner == "" {
		return errors.New("projector: stream id and owner are required")
	}
	if p.archiver != nil {
		stop := p.archiver.start()
		defer stop()
	}
	defer p.setState(StateStopped)

	p.Log.Info("projector started", zap.String("owner", p.Owner), zap.Duration("lease_ttl", p.LeaseTTL))
	for {
		l, err := p.Locker.Acquire(ctx, p.leaseKey(), p.Owner, p.LeaseTTL)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, lease.ErrHeld):
			p.Log.Debug("lease held elsewhere, standing by")
			if !wait(ctx, p.AcquireInterval) {
				return nil
			}
			continue
		default:
			p.Log.Warn("lease acquire failed", zap.Error(err))
			if !wait(ctx, p.AcquireInterval) {
				return nil
			}
			continue
		}

		p.setState(StateLeaseAcquired)
		p.Log.Info("lease acquired")
		err = p.lead(ctx, l)

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if rerr := l.Release(rctx); rerr != nil {
			p.Log.Warn("lease release failed", zap.Error(rerr))
		}
		cancel()

		switch {
		case errors.Is(err, failure.ErrLeaseLost):
			p.setState(StateLeaseLost)
			p.Log.Warn("lease lost, re-acquiring", zap.Error(err))
			if !wait(ctx, p.AcquireInterval) {
				return nil
			}
		case err != nil:
			return err
		default:
			p.Log.Info("projector stopped")
			return nil
		}
	}
}

// lead consumes the stream while l is held. The lease is renewed in the
// background; losing it cancels consumption with failure.ErrLeaseLost.
func (p *Projector) lead(ctx context.Context, l lease.Lease) error {
	// handling is not interrupted by shutdown, only by lease loss
	nextCtx, cancelNext := context.WithCancelCause(ctx)
	defer cancelNext(nil)
	workCtx, cancelWork := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelWork(nil)

	lost := func(err error) {
		cancelNext(err)
		cancelWork(err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.renew(nextCtx, done, l, lost)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	cp, err := p.Store.LoadCheckpoint(ctx, p.StreamID)
	if err != nil {
		return err
	}
	sub, err := p.Ledger.Subscribe(nextCtx, p.StreamID, cp.Position, cp.EventIndex)
	if err != nil {
		return p.leadErr(nextCtx, err)
	}
	defer sub.Close()

	p.setState(StateConsuming)
	p.Log.Info("consuming", zap.Int64("from_position", cp.Position), zap.Int64("from_index", cp.EventIndex))

	for {
		ev, err := sub.Next(nextCtx)
		if err != nil {
			var bad *ledger.MalformedEnvelopeError
			if errors.As(err, &bad) {
				if herr := p.handleMalformed(workCtx, bad); herr != nil {
					return p.leadErr(workCtx, herr)
				}
				continue
			}
			return p.leadErr(nextCtx, err)
		}

		if _, err := p.Handle(workCtx, ev); err != nil {
			return p.leadErr(workCtx, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// leadErr maps an error seen while leading to what Run should do with it.
func (p *Projector) leadErr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, failure.ErrLeaseLost) {
		return cause
	}
	if errors.Is(err, failure.ErrLeaseLost) {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *Projector) renew(ctx context.Context, done <-chan struct{}, l lease.Lease, lost func(error)) {
	t := time.NewTicker(p.RenewInterval)
	defer t.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			err := l.Renew(ctx, p.LeaseTTL)
			switch {
			case err == nil:
				lastOK = time.Now()
			case errors.Is(err, lease.ErrLost):
				lost(fmt.Errorf("%w: %w", failure.ErrLeaseLost, err))
				return
			case ctx.Err() != nil:
				return
			default:
				// the lease may have lapsed while the locker was unreachable
				if time.Since(lastOK) >= p.LeaseTTL {
					lost(fmt.Errorf("%w: renewal failing for %s: %w", failure.ErrLeaseLost, time.Since(lastOK), err))
					return
				}
				p.Log.Warn("lease renewal failed", zap.Error(err))
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
