package outbox

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Producer publishes territory events through a single writer pinned to
// TerritoryTopic. Messages are keyed by tile or activity id and hashed to a
// partition, so all events for one aggregate stay in order.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Producer for the given brokers.
func NewProducer(brokers []string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        TerritoryTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			Async:        false,
		},
	}
}

// WriteMessages writes messages to the territory topic.
func (p *Producer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return p.writer.WriteMessages(ctx, msgs...)
}

// Close releases the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
