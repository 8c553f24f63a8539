package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"order-saga/internal/models"
	"order-saga/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures a KafkaBus
type KafkaConfig struct {
	Brokers []string
	// Readers is the number of group members started per subscription
	Readers     int
	MaxAttempts int
	Backoff     time.Duration
	Logger      *zap.Logger
}

// Producer writes envelopes to any topic
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return &Producer{writer: writer}
}

// PublishEnvelope publishes env to topic keyed by order id so one order's
// events land on one partition.
func (p *Producer) PublishEnvelope(ctx context.Context, topic string, env models.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	headers := headersFor(ctx, env)
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(env.OrderID),
		Value:   value,
		Time:    time.Now(),
		Headers: make([]kafka.Header, 0, len(headers)),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer is one member of a consumer group
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer creates a new Kafka consumer. Offsets are committed
// explicitly after a message has been handled.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{reader: reader}
}

// StartConsuming fetches, handles and commits messages until ctx is done.
// A failing handler is retried in place so later offsets are never
// committed over an unhandled message.
func (c *Consumer) StartConsuming(ctx context.Context, handler func(context.Context, kafka.Message) error, maxAttempts int, backoff time.Duration, logger *zap.Logger) error {
	topic := c.reader.Config().Topic
	logger.Info("Starting Kafka consumer",
		zap.String("topic", topic),
		zap.String("group", c.reader.Config().GroupID))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Info("Consumer stopping", zap.String("topic", topic))
				return ctx.Err()
			}
			logger.Error("Error fetching message", zap.String("topic", topic), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for attempt := 1; ; attempt++ {
			err = handler(ctx, msg)
			if err == nil || ctx.Err() != nil {
				break
			}
			if attempt >= maxAttempts {
				logger.Error("Dropping message after repeated failures",
					zap.String("topic", topic),
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Int("attempts", attempt),
					zap.Error(err))
				err = nil
				break
			}
			logger.Warn("Error handling message, retrying",
				zap.String("topic", topic),
				zap.Int64("offset", msg.Offset),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		if err != nil {
			return ctx.Err()
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			logger.Error("Error committing message", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// KafkaBus implements Bus on Kafka topics
type KafkaBus struct {
	cfg      KafkaConfig
	producer *Producer
	logger   *zap.Logger

	mu        sync.Mutex
	consumers []*Consumer
	closed    bool
	wg        sync.WaitGroup
}

// NewKafkaBus creates a new Kafka bus
func NewKafkaBus(cfg KafkaConfig) *KafkaBus {
	if cfg.Readers <= 0 {
		cfg.Readers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	return &KafkaBus{
		cfg:      cfg,
		producer: NewProducer(cfg.Brokers),
		logger:   logger,
	}
}

// Publish implements Bus
func (b *KafkaBus) Publish(ctx context.Context, topic string, env models.Envelope) error {
	if err := b.producer.PublishEnvelope(ctx, topic, env); err != nil {
		return err
	}
	util.BusMessagesPublished.WithLabelValues(topic).Inc()
	return nil
}

// Subscribe implements Bus
func (b *KafkaBus) Subscribe(ctx context.Context, topic, group string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	handle := func(ctx context.Context, msg kafka.Message) error {
		var env models.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			b.logger.Error("Skipping undecodable message",
				zap.String("topic", topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		headers := make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
		return deliver(ctx, topic, headers, env, handler)
	}

	for i := 0; i < b.cfg.Readers; i++ {
		c := NewConsumer(b.cfg.Brokers, topic, group)
		b.consumers = append(b.consumers, c)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			_ = c.StartConsuming(ctx, handle, b.cfg.MaxAttempts, b.cfg.Backoff, b.logger)
		}()
	}
	return nil
}

// Close implements Bus
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	b.closed = true
	consumers := b.consumers
	b.consumers = nil
	b.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	if err := b.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
