// Package events publishes new-paper announcements for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"PaperDigest/internal/domain"
	"PaperDigest/internal/ports"
)

const defaultTopic = "paperdigest.papers"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per new paper, keyed by paper id.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

var _ ports.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher connects a writer to the brokers; the topic defaults to paperdigest.papers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = defaultTopic
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     brokers,
		Topic:       topic,
		MaxAttempts: 3,
		Balancer:    &kafka.Hash{},
	})
	return &KafkaPublisher{writer: writer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events []domain.NewPaperEvent) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.PaperID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.PaperID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(eventType(ev))},
				{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("%w: write %d events to %s: %v", domain.ErrTransient, len(msgs), p.topic, err)
	}
	return nil
}

func eventType(ev domain.NewPaperEvent) domain.EventType {
	if ev.Type == "" {
		return domain.EventPaperNew
	}
	return ev.Type
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher records events in the log when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

var _ ports.EventPublisher = (*LogPublisher)(nil)

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "events")}
}

func (p *LogPublisher) Publish(_ context.Context, events []domain.NewPaperEvent) error {
	for _, ev := range events {
		p.logger.Info("paper event", "type", eventType(ev), "paper_id", ev.PaperID, "source", ev.Source, "title", ev.Title)
	}
	return nil
}
