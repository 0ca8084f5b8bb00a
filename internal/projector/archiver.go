package projector

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/ledger"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"go.uber.org/zap"
)

// archiver copies handled events to the analytics archive in size/time-based
// batches. It runs after the projection commit and never blocks the stream:
// when the buffer is full the event is dropped from the archive.
type archiver struct {
	sink      repository.EventArchive
	log       *zap.Logger
	in        chan repository.ArchivedEvent
	batchSize int
	batchWait time.Duration
	now       func() time.Time
}

func newArchiver(sink repository.EventArchive, log *zap.Logger) *archiver {
	return &archiver{
		sink:      sink,
		log:       log,
		in:        make(chan repository.ArchivedEvent, 1024),
		batchSize: 200,
		batchWait: time.Second,
		now:       time.Now,
	}
}

func (p *Projector) archive(ev ledger.Event, outcome Outcome) {
	if p.archiver == nil {
		return
	}
	a := repository.ArchivedEvent{
		StreamID:   ev.StreamID,
		EventName:  ev.EventName,
		Position:   ev.Position,
		EventIndex: ev.EventIndex,
		TxID:       ev.TxID,
		DedupeKey:  ev.DedupeKey(),
		Outcome:    string(outcome),
		Payload:    string(ev.Payload),
		ArchivedAt: p.archiver.now().UTC(),
	}
	select {
	case p.archiver.in <- a:
	default:
		p.Log.Warn("archive buffer full, event not archived", zap.String("dedupe_key", a.DedupeKey))
	}
}

// start runs the batch writer; the returned func flushes what is buffered and waits for it.
func (a *archiver) start() func() {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.run(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (a *archiver) run(ctx context.Context) {
	tick := time.NewTicker(a.batchWait)
	defer tick.Stop()

	batch := make([]repository.ArchivedEvent, 0, a.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.sink.Append(fctx, batch); err != nil {
			a.log.Warn("archive append failed", zap.Int("events", len(batch)), zap.Error(err))
		} else {
			a.log.Debug("archived", zap.Int("events", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-a.in:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		case ev := <-a.in:
			batch = append(batch, ev)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}
