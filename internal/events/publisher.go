// Package events publishes session progress events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// Config holds configuration for the Kafka publisher.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic is the Kafka topic for session progress events.
	Topic string
	// BatchSize is the maximum number of messages to batch before sending.
	BatchSize int
	// BatchTimeout is the maximum time to wait for a batch to fill.
	BatchTimeout time.Duration
}

// messageWriter is the subset of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes progress events to a Kafka topic. Messages are
// keyed by session ID so all events for one session land on one partition
// in order.
type KafkaPublisher struct {
	writer messageWriter
	logger zerolog.Logger
}

// NewKafkaPublisher creates a publisher backed by a kafka.Writer.
func NewKafkaPublisher(cfg Config, logger zerolog.Logger) *KafkaPublisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaPublisher{
		writer: writer,
		logger: logger.With().Str("component", "event_publisher").Logger(),
	}
}

// Publish sends one progress event. The event is JSON-encoded and keyed by
// its session ID.
func (p *KafkaPublisher) Publish(ctx context.Context, event *domain.ProgressEvent) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.SessionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.EventID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write progress event: %w", err)
	}

	p.logger.Debug().
		Str("event_type", event.EventType).
		Str("session_id", event.SessionID).
		Msg("published progress event")
	return nil
}

// Close flushes pending messages and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	p.logger.Info().Msg("closing event publisher")
	return p.writer.Close()
}

// NopPublisher discards all events. Used when Kafka publishing is disabled.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(_ context.Context, _ *domain.ProgressEvent) error {
	return nil
}

// Close is a no-op.
func (NopPublisher) Close() error {
	return nil
}
