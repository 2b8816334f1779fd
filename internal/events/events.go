// Package events publishes item lifecycle changes and save notifications to
// Kafka and consumes file intake requests from it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Kind string

const (
	KindProcessing Kind = "processing"
	KindDone       Kind = "done"
	KindError      Kind = "error"
	KindReset      Kind = "reset"
	KindRemoved    Kind = "removed"
	KindSaved      Kind = "saved"
)

type Event struct {
	Kind      Kind      `json:"kind"`
	ItemID    uuid.UUID `json:"item_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Savings   *int      `json:"savings,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	log    *zap.Logger
}

func NewKafkaPublisher(broker, topic string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(broker),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			Async:                  true,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					log.Warn("event delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
				}
			},
		},
		log: log,
	}
}

// Publish writes ev keyed by item id so one item's events stay ordered
// within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	const op = "events.Publish"

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.ItemID.String()), Value: value}); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
