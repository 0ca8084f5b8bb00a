package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmehdipour/ledger-bridge/internal/events"
	"github.com/jmehdipour/ledger-bridge/internal/failure"
	"github.com/jmehdipour/ledger-bridge/internal/ledger"
	"github.com/jmehdipour/ledger-bridge/internal/metrics"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeHalted       Outcome = "halted"
)

// Handle validates ev, applies it and advances the checkpoint, all in one
// transaction. Terminal failures are dead-lettered and skipped, or halt the
// stream, per the event's policy. The returned error is non-nil only when the
// stream cannot continue.
func (p *Projector) Handle(ctx context.Context, ev ledger.Event) (Outcome, error) {
	if err := p.init(); err != nil {
		return "", err
	}
	if ev.StreamID == "" {
		ev.StreamID = p.StreamID
	}

	ctx, span := p.Tracer.Start(ctx, "projector.handle", trace.WithAttributes(
		attribute.String("stream.id", ev.StreamID),
		attribute.String("event.name", ev.EventName),
		attribute.Int64("event.position", ev.Position),
		attribute.Int64("event.index", ev.EventIndex),
	))
	defer span.End()

	log := p.Log.With(
		zap.String("event", ev.EventName),
		zap.Int64("position", ev.Position),
		zap.Int64("index", ev.EventIndex),
		zap.String("dedupe_key", ev.DedupeKey()),
	)

	outcome, err := p.handle(ctx, ev, log)
	if outcome != "" {
		metrics.EventsTotal.WithLabelValues(ev.StreamID, string(outcome)).Inc()
		span.SetAttributes(attribute.String("outcome", string(outcome)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (p *Projector) handle(ctx context.Context, ev ledger.Event, log *zap.Logger) (Outcome, error) {
	decoded, verr := p.validate(ev)
	if verr != nil {
		return p.fail(ctx, ev, verr, 0, log)
	}

	var duplicate bool
	attempts, err := p.Retry.Do(ctx, func(ctx context.Context) error {
		duplicate = false
		return p.Store.InTx(ctx, func(tx repository.ProjectionTx) error {
			applied, err := p.apply(ctx, tx, ev, decoded)
			if err != nil {
				return err
			}
			duplicate = !applied
			err = p.advance(ctx, tx, ev)
			if duplicate && errors.Is(err, repository.ErrCheckpointRegression) {
				// redelivery of an event the stream is already past
				return nil
			}
			return err
		})
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrCheckpointRegression):
		// another instance moved the stream; we are not the leader any more
		return "", fmt.Errorf("%w: %w", failure.ErrLeaseLost, err)
	case ctx.Err() != nil:
		return "", err
	default:
		return p.fail(ctx, ev, err, attempts, log)
	}

	metrics.CheckpointPosition.WithLabelValues(ev.StreamID).Set(float64(ev.Position))
	if duplicate {
		log.Debug("duplicate event, already applied")
		p.archive(ev, OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}
	log.Debug("applied")
	p.archive(ev, OutcomeApplied)
	return OutcomeApplied, nil
}

// Reapply runs ev through the dedupe and apply path without touching the
// checkpoint. It serves dead-letter replay of events the stream already skipped.
func (p *Projector) Reapply(ctx context.Context, ev ledger.Event) (Outcome, error) {
	if err := p.init(); err != nil {
		return "", err
	}
	decoded, err := p.validate(ev)
	if err != nil {
		return "", err
	}
	var duplicate bool
	_, err = p.Retry.Do(ctx, func(ctx context.Context) error {
		duplicate = false
		return p.Store.InTx(ctx, func(tx repository.ProjectionTx) error {
			applied, err := p.apply(ctx, tx, ev, decoded)
			duplicate = !applied
			return err
		})
	})
	if err != nil {
		return "", err
	}
	if duplicate {
		return OutcomeDuplicate, nil
	}
	p.Log.Info("event re-applied", zap.String("dedupe_key", ev.DedupeKey()))
	return OutcomeApplied, nil
}

func (p *Projector) validate(ev ledger.Event) (events.Event, error) {
	if !p.Registry.Validate(ev.EventName, ev.Payload) {
		if _, err := events.Decode(ev.EventName, ev.Payload); err != nil {
			return nil, err
		}
		return nil, &failure.SchemaError{EventName: ev.EventName, Reason: "rejected by schema registry"}
	}
	return events.Decode(ev.EventName, ev.Payload)
}

// apply reports false when the event's dedupe key was already applied.
func (p *Projector) apply(ctx context.Context, tx repository.ProjectionTx, ev ledger.Event, decoded events.Event) (bool, error) {
	key := ev.DedupeKey()
	done, err := tx.IsApplied(ctx, key)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	now := p.Now()
	switch e := decoded.(type) {
	case *events.WalletOpened:
		err = tx.OpenWallet(ctx, model.WalletView{
			WalletID:  e.WalletID,
			OwnerID:   e.OwnerID,
			Currency:  e.Currency,
			LastTxID:  ev.TxID,
			UpdatedAt: now,
		})
	case *events.FundsDeposited:
		err = tx.AdjustBalance(ctx, e.WalletID, e.Amount, ev.TxID, now)
	case *events.FundsWithdrawn:
		err = tx.AdjustBalance(ctx, e.WalletID, -e.Amount, ev.TxID, now)
	case *events.FundsTransferred:
		if err = tx.AdjustBalance(ctx, e.FromWalletID, -e.Amount, ev.TxID, now); err != nil {
			break
		}
		if err = tx.AdjustBalance(ctx, e.ToWalletID, e.Amount, ev.TxID, now); err != nil {
			break
		}
		err = tx.InsertTransfer(ctx, model.TransferView{
			DedupeKey:    key,
			FromWalletID: e.FromWalletID,
			ToWalletID:   e.ToWalletID,
			Amount:       e.Amount,
			TxID:         ev.TxID,
			Position:     ev.Position,
			CreatedAt:    now,
		})
	case *events.ProfileUpdated:
		err = tx.UpsertProfile(ctx, model.ProfileView{
			OwnerID:     e.OwnerID,
			DisplayName: e.DisplayName,
			Email:       e.Email,
			LastTxID:    ev.TxID,
			UpdatedAt:   now,
		})
	default:
		err = failure.Permanentf("no projection for %s", decoded.EventName())
	}
	if err != nil {
		return false, err
	}

	return true, tx.MarkApplied(ctx, model.AppliedEvent{
		DedupeKey:  key,
		StreamID:   ev.StreamID,
		EventName:  ev.EventName,
		Position:   ev.Position,
		EventIndex: ev.EventIndex,
		TxID:       ev.TxID,
		AppliedAt:  now,
	})
}

func (p *Projector) advance(ctx context.Context, tx repository.ProjectionTx, ev ledger.Event) error {
	err := tx.AdvanceCheckpoint(ctx, model.Checkpoint{
		StreamID:   ev.StreamID,
		Position:   ev.Position,
		EventIndex: ev.EventIndex,
		UpdatedAt:  p.Now(),
	})
	if errors.Is(err, repository.ErrCheckpointRegression) {
		// not retryable; keeps the retry loop from spinning on it
		return fmt.Errorf("%w: %w", failure.ErrConcurrencyConflict, err)
	}
	return err
}

func (p *Projector) policyFor(name string) OnError {
	if pol, ok := p.EventPolicies[name]; ok {
		return pol
	}
	return p.DefaultOnError
}

// fail dead-letters ev and advances past it in one transaction, or halts.
func (p *Projector) fail(ctx context.Context, ev ledger.Event, cause error, attempts int, log *zap.Logger) (Outcome, error) {
	if p.policyFor(ev.EventName) == Halt {
		log.Error("event failed, halting stream", zap.Int("attempts", attempts), zap.Error(cause))
		return OutcomeHalted, fmt.Errorf("%w at %s %d/%d: %w", ErrHalted, ev.StreamID, ev.Position, ev.EventIndex, cause)
	}

	envelope, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	entry := model.DeadLetterEntry{
		SourceType: model.SourceEvent,
		SourceID:   ev.DedupeKey(),
		StreamID:   ev.StreamID,
		Name:       ev.EventName,
		Payload:    envelope,
		Error:      cause.Error(),
		Attempts:   attempts,
		FailedAt:   p.Now(),
	}
	_, err = p.Retry.Do(ctx, func(ctx context.Context) error {
		return p.Store.InTx(ctx, func(tx repository.ProjectionTx) error {
			if _, err := tx.InsertDeadLetter(ctx, entry); err != nil {
				return err
			}
			return p.advance(ctx, tx, ev)
		})
	})
	if err != nil {
		if errors.Is(err, repository.ErrCheckpointRegression) {
			return "", fmt.Errorf("%w: %w", failure.ErrLeaseLost, err)
		}
		return "", fmt.Errorf("dead-letter %s: %w", ev.DedupeKey(), err)
	}

	metrics.DeadLettersTotal.WithLabelValues(model.SourceEvent.String()).Inc()
	metrics.CheckpointPosition.WithLabelValues(ev.StreamID).Set(float64(ev.Position))
	log.Error("event dead-lettered and skipped", zap.Int("attempts", attempts), zap.Error(cause))
	p.archive(ev, OutcomeDeadLettered)
	return OutcomeDeadLettered, nil
}

// handleMalformed dead-letters a message that never decoded into an event.
// It has no ledger position, so the checkpoint stays where it is.
func (p *Projector) handleMalformed(ctx context.Context, bad *ledger.MalformedEnvelopeError) error {
	entry := model.DeadLetterEntry{
		SourceType: model.SourceEvent,
		SourceID:   bad.SourceID(),
		StreamID:   p.StreamID,
		Name:       "malformed",
		Payload:    bad.Raw,
		Error:      bad.Error(),
		FailedAt:   p.Now(),
	}
	var seen bool
	_, err := p.Retry.Do(ctx, func(ctx context.Context) error {
		return p.Store.InTx(ctx, func(tx repository.ProjectionTx) error {
			// every re-lead rewinds the topic past the same broken message
			var err error
			if seen, err = tx.HasDeadLetter(ctx, model.SourceEvent, entry.SourceID); err != nil || seen {
				return err
			}
			_, err = tx.InsertDeadLetter(ctx, entry)
			return err
		})
	})
	if err != nil {
		return err
	}
	if seen {
		p.Log.Debug("malformed envelope already dead-lettered", zap.String("source", entry.SourceID))
		return nil
	}
	metrics.EventsTotal.WithLabelValues(p.StreamID, string(OutcomeDeadLettered)).Inc()
	metrics.DeadLettersTotal.WithLabelValues(model.SourceEvent.String()).Inc()
	p.Log.Error("malformed envelope dead-lettered", zap.String("source", bad.SourceID()), zap.Error(bad.Err))
	return nil
}
