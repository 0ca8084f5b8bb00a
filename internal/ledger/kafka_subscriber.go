package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmehdipour/ledger-bridge/internal/kafka"
)

// KafkaSubscriber reads a stream's events from the single-partition topic
// <TopicPrefix><streamID>, to which the ledger's event listener relays every
// event as a JSON Event envelope in ledger order.
type KafkaSubscriber struct {
	Reader      kafka.Config
	TopicPrefix string
}

var _ Subscriber = (*KafkaSubscriber)(nil)

// MalformedEnvelopeError is returned by Next for a message that is not a
// decodable event envelope. The subscription stays usable.
type MalformedEnvelopeError struct {
	Topic  string
	Offset int64
	Raw    []byte
	Err    error
}

func (e *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("malformed event envelope at %s@%d: %v", e.Topic, e.Offset, e.Err)
}

func (e *MalformedEnvelopeError) Unwrap() error { return e.Err }

// SourceID identifies the broken message for dead-lettering.
func (e *MalformedEnvelopeError) SourceID() string {
	return fmt.Sprintf("%s@%d", e.Topic, e.Offset)
}

func (e *MalformedEnvelopeError) Retryable() bool { return false }

func (s *KafkaSubscriber) Subscribe(ctx context.Context, streamID string, position, eventIndex int64) (Subscription, error) {
	if strings.TrimSpace(streamID) == "" {
		return nil, fmt.Errorf("kafka subscribe: empty stream id")
	}
	cfg := s.Reader
	cfg.Topic = s.TopicPrefix + streamID

	r := kafka.NewReader(cfg)
	// Offsets are not ledger positions, so read from the start and filter.
	if err := r.Rewind(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("kafka subscribe %s: %w", r.Topic(), err)
	}
	return newKafkaSubscription(r, streamID, position, eventIndex), nil
}

type messageReader interface {
	Read(ctx context.Context) (kafka.Message, error)
	Close() error
}

type kafkaSubscription struct {
	r        messageReader
	streamID string
	lastPos  int64
	lastIdx  int64
}

func newKafkaSubscription(r messageReader, streamID string, position, eventIndex int64) *kafkaSubscription {
	return &kafkaSubscription{r: r, streamID: streamID, lastPos: position, lastIdx: eventIndex}
}

func (s *kafkaSubscription) Next(ctx context.Context) (Event, error) {
	for {
		m, err := s.r.Read(ctx)
		if err != nil {
			return Event{}, err
		}
		ev, err := decodeEnvelope(m, s.streamID)
		if err != nil {
			return Event{}, err
		}
		// at or before the resume point, or a relay duplicate
		if !after(ev.Position, ev.EventIndex, s.lastPos, s.lastIdx) {
			continue
		}
		s.lastPos, s.lastIdx = ev.Position, ev.EventIndex
		return ev, nil
	}
}

func (s *kafkaSubscription) Close() error { return s.r.Close() }

// decodeEnvelope turns a relayed message into an Event. Envelopes that omit
// the stream id belong to the topic's stream.
func decodeEnvelope(m kafka.Message, streamID string) (Event, error) {
	var ev Event
	err := json.Unmarshal(m.Value, &ev)
	if err == nil && ev.EventName == "" {
		err = errors.New("missing eventName")
	}
	if err != nil {
		return Event{}, &MalformedEnvelopeError{Topic: m.Topic, Offset: m.Offset, Raw: m.Value, Err: err}
	}
	if ev.StreamID == "" {
		ev.StreamID = streamID
	}
	return ev, nil
}

func after(pos, idx, refPos, refIdx int64) bool {
	if pos != refPos {
		return pos > refPos
	}
	return idx > refIdx
}
