// Package events drains the journal outbox to Kafka. Order state,
// fills and the events announcing them commit together in the journal;
// this publisher delivers them afterwards, so a broker outage delays
// announcements but never loses or reorders them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/journal"
	"github.com/primetrades/primetrades/internal/obs"
)

// Producer is the broker side of the publisher. *msg.Producer satisfies
// it.
type Producer interface {
	ProduceJSON(ctx context.Context, topic, key string, v any) error
}

// Publisher publishes outbox events to Kafka
type Publisher struct {
	store     *journal.Store
	producer  Producer
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewPublisher creates a new outbox publisher
func NewPublisher(store *journal.Store, producer Producer, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:     store,
		producer:  producer,
		logger:    logger,
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// Run starts the publisher loop
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.PublishBatch(ctx); err != nil {
				p.logger.Error("failed to publish batch", zap.Error(err))
				// Continue - will retry on next tick
			}
		}
	}
}

// PublishBatch delivers one batch of unpublished events in creation
// order. Events that fail stay unpublished and are retried on the next
// tick; re-delivery is safe because consumers dedupe on event id.
func (p *Publisher) PublishBatch(ctx context.Context) error {
	events, err := p.store.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unpublished events: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	published := 0

	for _, event := range events {
		// The payload was marshaled when the outbox row was written;
		// forward it as-is.
		if err := p.producer.ProduceJSON(ctx, event.Topic, event.Key, json.RawMessage(event.PayloadJSON)); err != nil {
			p.logger.Error("failed to produce event",
				zap.String("event_id", event.EventID),
				zap.String("client_id", event.OrderID),
				zap.String("topic", event.Topic),
				zap.Error(err),
			)
			// Continue with next event - this one will be retried
			continue
		}

		if err := p.store.MarkPublished(ctx, event.EventID, now); err != nil {
			p.logger.Error("failed to mark event as published",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			// Continue - worst case we republish (idempotent)
			continue
		}

		published++
		obs.IncEventPublished()
		p.logger.Debug("published outbox event",
			zap.String("event_id", event.EventID),
			zap.String("client_id", event.OrderID),
			zap.String("topic", event.Topic),
		)
	}

	if published > 0 {
		p.logger.Info("published outbox batch",
			zap.Int("published", published),
			zap.Int("total", len(events)),
		)
	}

	return nil
}
