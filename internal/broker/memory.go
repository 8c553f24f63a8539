package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order-saga/internal/models"
	"order-saga/internal/util"

	"go.uber.org/zap"
)

type memorySubscription struct {
	ctx     context.Context
	group   string
	handler MessageHandler
}

// MemoryBus delivers every message on its own goroutine. Failed deliveries
// are retried with a short backoff up to MaxAttempts times.
type MemoryBus struct {
	MaxAttempts int
	Backoff     time.Duration

	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewMemoryBus creates a new in-process bus
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &MemoryBus{
		MaxAttempts: 5,
		Backoff:     10 * time.Millisecond,
		subs:        make(map[string][]*memorySubscription),
		logger:      logger,
	}
}

// Publish implements Bus
func (b *MemoryBus) Publish(ctx context.Context, topic string, env models.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	headers := headersFor(ctx, env)
	env.Payload = append([]byte(nil), env.Payload...)
	for _, sub := range b.subs[topic] {
		b.wg.Add(1)
		go b.run(sub, topic, headers, env)
	}
	util.BusMessagesPublished.WithLabelValues(topic).Inc()
	return nil
}

func (b *MemoryBus) run(sub *memorySubscription, topic string, headers map[string]string, env models.Envelope) {
	defer b.wg.Done()

	for attempt := 1; ; attempt++ {
		if sub.ctx.Err() != nil {
			return
		}
		err := deliver(sub.ctx, topic, headers, env, sub.handler)
		if err == nil {
			return
		}
		if attempt >= b.MaxAttempts {
			b.logger.Error("Dropping message after repeated failures",
				zap.String("topic", topic),
				zap.String("group", sub.group),
				zap.String("event_id", env.EventID),
				zap.String("kind", env.Kind),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return
		}
		b.logger.Warn("Redelivering message",
			zap.String("topic", topic),
			zap.String("event_id", env.EventID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-sub.ctx.Done():
			return
		case <-time.After(b.Backoff * time.Duration(attempt)):
		}
	}
}

// Subscribe implements Bus
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs[topic] {
		if sub.group == group {
			return fmt.Errorf("%w: %s/%s", ErrAlreadySubscribed, group, topic)
		}
	}
	b.subs[topic] = append(b.subs[topic], &memorySubscription{ctx: ctx, group: group, handler: handler})
	return nil
}

// Wait blocks until every in-flight delivery, including deliveries of
// messages published by handlers, has finished.
func (b *MemoryBus) Wait() {
	b.wg.Wait()
}

// Close implements Bus
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
