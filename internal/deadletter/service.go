// Package deadletter is the operator surface over the dead-letter store.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/failure"
	"github.com/jmehdipour/ledger-bridge/internal/ledger"
	"github.com/jmehdipour/ledger-bridge/internal/logger"
	"github.com/jmehdipour/ledger-bridge/internal/model"
	"github.com/jmehdipour/ledger-bridge/internal/projector"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// EventReplayer re-injects an event into the projection path.
type EventReplayer interface {
	Reapply(ctx context.Context, ev ledger.Event) (projector.Outcome, error)
}

type Service struct {
	db          *sqlx.DB
	deadLetters repository.DeadLetterRepository
	commands    repository.CommandRepository
	events      EventReplayer
	log         *zap.Logger
	now         func() time.Time
}

func NewService(
	db *sqlx.DB,
	deadLetters repository.DeadLetterRepository,
	commands repository.CommandRepository,
	events EventReplayer,
	log *zap.Logger,
) *Service {
	return &Service{
		db:          db,
		deadLetters: deadLetters,
		commands:    commands,
		events:      events,
		log:         logger.OrNop(log),
		now:         time.Now,
	}
}

func (s *Service) List(ctx context.Context, f model.DeadLetterFilter) ([]model.DeadLetterEntry, error) {
	if f.SourceType != "" && !f.SourceType.Valid() {
		return nil, fmt.Errorf("unknown source type %q", f.SourceType)
	}
	return s.deadLetters.List(ctx, f)
}

func (s *Service) Get(ctx context.Context, id string) (model.DeadLetterEntry, error) {
	return s.deadLetters.Get(ctx, id)
}

// Replay sends the entry back through normal processing and marks it REPLAYED.
// A command goes back to PENDING with a fresh attempt budget in the same
// transaction that resolves the entry. An event is re-applied through the
// projector's dedupe path; the checkpoint does not move.
func (s *Service) Replay(ctx context.Context, id string) (model.DeadLetterEntry, error) {
	e, err := s.deadLetters.Get(ctx, id)
	if err != nil {
		return model.DeadLetterEntry{}, err
	}
	if e.Resolved() {
		return e, repository.ErrAlreadyResolved
	}

	now := s.now()
	switch e.SourceType {
	case model.SourceCommand:
		err = repository.RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
			if err := s.commands.ResetForReplay(ctx, tx, e.SourceID); err != nil {
				return err
			}
			return s.deadLetters.Resolve(ctx, tx, e.ID, model.ResolutionReplayed, now)
		})
		if err != nil {
			return e, fmt.Errorf("replay command %s: %w", e.SourceID, err)
		}

	case model.SourceEvent:
		if s.events == nil {
			return e, errors.New("event replay is not configured")
		}
		var ev ledger.Event
		if err := json.Unmarshal(e.Payload, &ev); err != nil || ev.EventName == "" {
			return e, failure.Permanentf("entry %s holds no replayable event envelope", e.ID)
		}
		outcome, err := s.events.Reapply(ctx, ev)
		if err != nil {
			return e, fmt.Errorf("replay event %s: %w", e.SourceID, err)
		}
		s.log.Info("event replayed", zap.String("entry", e.ID), zap.String("outcome", string(outcome)))
		if err := s.deadLetters.Resolve(ctx, nil, e.ID, model.ResolutionReplayed, now); err != nil {
			return e, err
		}

	default:
		return e, fmt.Errorf("entry %s: unknown source type %q", e.ID, e.SourceType)
	}

	s.log.Info("dead letter replayed", zap.String("entry", e.ID), zap.String("source", e.SourceType.String()), zap.String("source_id", e.SourceID))
	return s.deadLetters.Get(ctx, id)
}

// Discard marks the entry DISCARDED. Nothing is deleted.
func (s *Service) Discard(ctx context.Context, id string) (model.DeadLetterEntry, error) {
	if err := s.deadLetters.Resolve(ctx, nil, id, model.ResolutionDiscarded, s.now()); err != nil {
		return model.DeadLetterEntry{}, err
	}
	s.log.Info("dead letter discarded", zap.String("entry", id))
	return s.deadLetters.Get(ctx, id)
}
