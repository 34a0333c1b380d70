// Package producer ships audit entries to Kafka for the log-shipping worker.
package producer

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer implements audit.Producer using segmentio/kafka-go.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer creates a Kafka producer that writes audit entries to the
// given topic. Returns (nil, nil) when brokers or topic are unset so callers
// can pass the result straight to the audit logger. Call Close when shutting down.
func NewKafkaProducer(brokers []string, topic string) (*KafkaProducer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: writer}, nil
}

// Emit writes one serialized audit entry to the topic.
func (p *KafkaProducer) Emit(ctx context.Context, payload []byte) error {
	if p == nil || p.writer == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{Value: payload})
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
