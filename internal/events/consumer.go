package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// IntakeRequest asks the app to pick up a file that is already on disk.
type IntakeRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads intake requests and hands each to handle. A request that
// fails to decode or to handle is logged and skipped.
type Consumer struct {
	reader messageReader
	handle func(IntakeRequest) error
	log    *zap.Logger
}

func NewConsumer(broker, topic string, handle func(IntakeRequest) error, log *zap.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{broker},
			Topic:   topic,
			GroupID: "imgbuild-intake",
		}),
		handle: handle,
		log:    log,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			c.log.Error("error reading intake message", zap.Error(err))
			continue
		}

		req := decodeIntake(msg.Value)
		if req.Path == "" {
			c.log.Warn("intake message without a path", zap.Int64("offset", msg.Offset))
			continue
		}
		if err := c.handle(req); err != nil {
			c.log.Warn("intake request rejected", zap.String("path", req.Path), zap.Error(err))
		}
	}
}

// decodeIntake accepts either a JSON IntakeRequest or a bare path.
func decodeIntake(value []byte) IntakeRequest {
	var req IntakeRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return IntakeRequest{Path: strings.TrimSpace(string(value))}
	}
	return req
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
