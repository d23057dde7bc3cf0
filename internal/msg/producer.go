package msg

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer wraps a Kafka producer for the bot's event topics. Produces
// are synchronous: the outbox publisher only marks an event published
// once the broker has acknowledged it.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger

	mu       sync.Mutex
	produced map[string]int64 // per topic
	errors   int64

	stop chan struct{}
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, logger *zap.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(), // outbox event ids dedupe downstream
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	p := &Producer{
		client:   client,
		logger:   logger,
		produced: make(map[string]int64),
		stop:     make(chan struct{}),
	}

	logger.Info("producer initialized",
		zap.Strings("brokers", brokers),
	)

	// Periodic stats until Close.
	go p.logStats()

	return p, nil
}

// Ping verifies the brokers are reachable. Used at startup to flip the
// health check's Kafka readiness.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping failed: %w", err)
	}
	return nil
}

// ProduceJSON produces a JSON message to the specified topic
func (p *Producer) ProduceJSON(ctx context.Context, topic string, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		p.countError()
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	}

	// Synchronous produce with timeout
	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(produceCtx, record)
	if result.FirstErr() != nil {
		p.countError()
		return fmt.Errorf("failed to produce message: %w", result.FirstErr())
	}

	p.mu.Lock()
	p.produced[topic]++
	p.mu.Unlock()
	return nil
}

func (p *Producer) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// Close stops the stats loop and closes the client.
func (p *Producer) Close() {
	close(p.stop)
	if p.client != nil {
		p.client.Close()
	}
}

// logStats logs producer statistics periodically
func (p *Producer) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			topics := make([]string, 0, len(p.produced))
			var total int64
			for topic, n := range p.produced {
				topics = append(topics, fmt.Sprintf("%s=%d", topic, n))
				total += n
			}
			errors := p.errors
			p.mu.Unlock()

			sort.Strings(topics)
			p.logger.Info("producer stats",
				zap.Int64("produced", total),
				zap.Strings("by_topic", topics),
				zap.Int64("errors", errors),
			)
		}
	}
}
