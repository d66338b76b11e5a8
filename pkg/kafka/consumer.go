// Package kafka carries collection-completed notifications between the
// pipeline and the cron worker over segmentio/kafka-go. Events are JSON;
// consumers decode them in a MessageHandler callback.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/resilience"
	"github.com/segmentio/kafka-go"
)

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler.
type Consumer struct {
	reader   *kafka.Reader
	logger   *slog.Logger
	handler  MessageHandler
	attempts int
}

// NewConsumer creates a Consumer for the given topic and handler.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})

	return &Consumer{
		reader:   r,
		logger:   slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler:  handler,
		attempts: 3,
	}
}

// Start enters the consume loop until ctx is cancelled. Each message is
// handled with bounded retries and then committed whatever the outcome, so
// a message that keeps failing is logged and skipped instead of blocking
// its partition.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.logger.Info("consumer stopped")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.reader.Close()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		log := c.logger.With("partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key))
		log.Debug("message received", "type", headerValue(msg, EventTypeHeader), "value_size", len(msg.Value))

		err = resilience.Retry(ctx, "kafka:"+msg.Topic, resilience.RetryConfig{MaxAttempts: c.attempts},
			func(ctx context.Context) error { return c.handler(ctx, msg.Key, msg.Value) })
		if err != nil {
			if ctx.Err() != nil {
				return c.reader.Close()
			}
			log.Error("dropping message after handler failure",
				"permanent", resilience.IsPermanent(err),
				"error", err,
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error("failed to commit message", "error", err)
		}
	}
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// DecodeJSON unmarshals a message value into T. Decode failures are
// permanent: retrying the same bytes cannot succeed.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, resilience.Permanent(fmt.Errorf("decoding kafka message: %w", err))
	}
	return result, nil
}
