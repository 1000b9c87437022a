package ingress

import (
	"context"
	"errors"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/metrics"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	sourceKafka = "kafka"

	defaultRetryMin = 200 * time.Millisecond
	defaultRetryMax = 5 * time.Second
)

// KafkaConfig holds Kafka connection configuration.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader creates a consumer-group reader with auto-commit disabled.
// Messages are keyed by instrument, so one partition carries every trade of
// an instrument in order.
func NewKafkaReader(cfg KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// Consumer applies trade notifications read from Kafka.
//
// A message is committed once its trade was applied or rejected as invalid.
// Transient failures retry the same message with backoff and never commit,
// so a restart redelivers it.
type Consumer struct {
	reader   MessageReader
	ingester TradeIngester
	metrics  *metrics.Metrics
	now      func() time.Time
	retryMin time.Duration
	retryMax time.Duration
}

// NewConsumer creates a consumer. m may be nil.
func NewConsumer(reader MessageReader, ingester TradeIngester, m *metrics.Metrics) *Consumer {
	return &Consumer{
		reader:   reader,
		ingester: ingester,
		metrics:  m,
		now:      time.Now,
		retryMin: defaultRetryMin,
		retryMax: defaultRetryMax,
	}
}

// Run consumes until ctx is cancelled or the reader fails.
func (c *Consumer) Run(ctx context.Context) error {
	logger := log.With().Str("component", "kafka-ingress").Logger()
	logger.Info().Msg("consuming trade notifications")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("fetch message failed")
			return err
		}

		if !c.process(ctx, msg) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).
				Msg("commit failed")
			return err
		}
	}
}

// process applies one message, retrying transient failures. It reports
// false if ctx ended before the message was settled.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	trade, err := Decode(msg.Value, c.now())
	if err != nil {
		c.metrics.Ingress(sourceKafka, "invalid")
		log.Warn().Err(err).Str("key", string(msg.Key)).Int64("offset", msg.Offset).
			Msg("dropping malformed trade notification")
		return true
	}

	backoff := c.retryMin
	for {
		_, err := c.ingester.Ingest(ctx, trade)
		switch {
		case err == nil:
			c.metrics.Ingress(sourceKafka, "applied")
			return true
		case errors.Is(err, model.ErrInvalidEvent):
			c.metrics.Ingress(sourceKafka, "rejected")
			log.Warn().Err(err).Str("instrument", trade.Instrument).Int64("offset", msg.Offset).
				Msg("trade rejected")
			return true
		}

		c.metrics.Ingress(sourceKafka, "retry")
		log.Error().Err(err).Str("instrument", trade.Instrument).Dur("retryIn", backoff).
			Msg("apply failed, retrying")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.retryMax {
			backoff = c.retryMax
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
