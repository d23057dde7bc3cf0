package msg

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Consumer reads the bot's event topics. Offsets are committed only
// after the handler succeeds, so a crashed consumer re-reads rather
// than skips; handlers must tolerate replays (event ids dedupe).
type Consumer struct {
	client *kgo.Client
	logger *zap.Logger
	topics []string
	group  string

	running   atomic.Bool
	processed atomic.Int64
	errors    atomic.Int64
}

// NewConsumer creates a consumer for the given group and topics.
func NewConsumer(brokers []string, group string, topics []string, logger *zap.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	c := &Consumer{
		client: client,
		logger: logger,
		topics: topics,
		group:  group,
	}
	logger.Info("consumer initialized",
		zap.Strings("brokers", brokers),
		zap.String("group", group),
		zap.Strings("topics", topics),
	)
	return c, nil
}

// Run polls until ctx is cancelled, calling handler for every record.
// A record whose handler keeps failing is logged and skipped; its
// offset is not committed.
func (c *Consumer) Run(ctx context.Context, handler func(context.Context, Record) error) error {
	c.running.Store(true)
	defer c.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", zap.String("group", c.group))
			return ctx.Err()
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return fmt.Errorf("kafka client closed")
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			rec := Record{
				Topic:     record.Topic,
				Key:       string(record.Key),
				Value:     record.Value,
				Partition: record.Partition,
				Offset:    record.Offset,
				Timestamp: record.Timestamp.UnixMilli(),
			}

			if err := c.handleWithRetry(ctx, rec, handler); err != nil {
				c.logger.Error("handler failed after retries",
					zap.String("topic", rec.Topic),
					zap.String("key", rec.Key),
					zap.Error(err),
				)
				c.errors.Add(1)
				continue
			}

			c.client.CommitRecords(ctx, record)
			c.processed.Add(1)
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, rec Record, handler func(context.Context, Record) error) error {
	const maxRetries = 3
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := handler(ctx, rec)
		if err == nil {
			return nil
		}
		if attempt < maxRetries-1 {
			c.logger.Warn("handler failed, retrying",
				zap.String("topic", rec.Topic),
				zap.String("key", rec.Key),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return fmt.Errorf("handler failed after %d attempts", maxRetries)
}

// IsRunning reports whether Run is active.
func (c *Consumer) IsRunning() bool {
	return c.running.Load()
}

// Close closes the underlying client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
