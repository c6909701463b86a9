package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"breachwatch/internal/queue"
)

// KafkaConfig holds configuration for the signal feed consumer.
type KafkaConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	GroupID     string   `yaml:"group_id"`
	MinBytes    int      `yaml:"min_bytes"`
	MaxBytes    int      `yaml:"max_bytes"`
	StartOffset string   `yaml:"start_offset"` // earliest, latest
}

// DefaultKafkaConfig returns the default consumer configuration.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Enabled:     false,
		Brokers:     []string{"localhost:9092"},
		Topic:       "security-signals",
		GroupID:     "breachwatch",
		MinBytes:    1,
		MaxBytes:    10 * 1024 * 1024,
		StartOffset: "latest",
	}
}

// Validate checks the consumer configuration.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	switch c.StartOffset {
	case "", "earliest", "latest":
	default:
		return fmt.Errorf("kafka: unknown start offset %q", c.StartOffset)
	}
	return nil
}

func (c *KafkaConfig) startOffset() int64 {
	if c.StartOffset == "earliest" {
		return kafka.FirstOffset
	}
	return kafka.LastOffset
}

// KafkaConsumer reads signal envelopes from the feed topic, normalizes them,
// and pushes the result onto the intake queue. Envelopes that fail to decode
// are logged and committed; they would fail identically on redelivery.
type KafkaConsumer struct {
	reader  *kafka.Reader
	decoder *Decoder
	queue   *queue.RingBuffer
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	consumed atomic.Int64
	queued   atomic.Int64
	rejected atomic.Int64
	dropped  atomic.Int64
}

// NewKafkaConsumer creates a consumer for the signal feed.
func NewKafkaConsumer(cfg KafkaConfig, decoder *Decoder, q *queue.RingBuffer, logger *slog.Logger) (*KafkaConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		StartOffset:    cfg.startOffset(),
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka signal consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group", cfg.GroupID,
	)

	return &KafkaConsumer{
		reader:  reader,
		decoder: decoder,
		queue:   q,
		logger:  logger,
	}, nil
}

// Start begins consuming in a background goroutine.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	if c.cancel != nil {
		return errors.New("kafka: consumer already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeLoop(ctx)
	}()

	c.logger.Info("kafka signal consumer started")
	return nil
}

func (c *KafkaConsumer) consumeLoop(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("failed to fetch message", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		c.consumed.Add(1)

		sig, err := c.decoder.Decode(msg.Value)
		if err != nil {
			c.rejected.Add(1)
			c.logger.Warn("rejected signal envelope",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		} else if err := c.queue.Push(sig); err != nil {
			c.dropped.Add(1)
			c.logger.Warn("intake queue full, dropping signal",
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		} else {
			c.queued.Add(1)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}
	}
}

// Stop shuts the consumer down and waits for the loop to exit.
func (c *KafkaConsumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.logger.Info("kafka signal consumer stopped",
		"consumed", c.consumed.Load(),
		"queued", c.queued.Load(),
		"rejected", c.rejected.Load(),
	)

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close reader: %w", err)
	}
	return nil
}

// Stats returns consumer counters.
func (c *KafkaConsumer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"consumed": c.consumed.Load(),
		"queued":   c.queued.Load(),
		"rejected": c.rejected.Load(),
		"dropped":  c.dropped.Load(),
	}
}
