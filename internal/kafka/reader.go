package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers   []string
	Topic     string
	Partition int
	MinBytes  int           // default 1KB
	MaxBytes  int           // default 10MB
	MaxWait   time.Duration // default 250ms
}

// Reader is a thin wrapper around a partition-bound kafka-go Reader. It has no
// consumer group: the caller owns its position and can rewind it.
type Reader struct {
	r     *kafka.Reader
	topic string
}

func NewReader(c Config) *Reader {
	min := c.MinBytes
	if min <= 0 {
		min = 1 << 10 // 1KB
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 10 << 20 // 10MB
	}
	mw := c.MaxWait
	if mw <= 0 {
		mw = 250 * time.Millisecond
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   c.Brokers,
		Topic:     c.Topic,
		Partition: c.Partition,
		MinBytes:  min,
		MaxBytes:  max,
		MaxWait:   mw,
	})

	return &Reader{r: r, topic: c.Topic}
}

type Message = kafka.Message

func (r *Reader) Topic() string { return r.topic }

// Rewind positions the reader at the oldest retained message.
func (r *Reader) Rewind() error {
	return r.r.SetOffset(kafka.FirstOffset)
}

func (r *Reader) Read(ctx context.Context) (Message, error) {
	return r.r.ReadMessage(ctx)
}

func (r *Reader) Close() error { return r.r.Close() }
