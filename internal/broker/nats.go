package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"order-saga/internal/models"
	"order-saga/internal/util"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NatsConfig configures a NatsBus
type NatsConfig struct {
	URL string
	// Stream is the JetStream stream holding every topic
	Stream        string
	SubjectPrefix string
	// Duplicates is the window in which a re-published event id is ignored
	Duplicates time.Duration
	MaxAge     time.Duration
	AckWait    time.Duration
	MaxDeliver int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// NatsBus implements Bus on a JetStream stream. Topics map to subjects
// below SubjectPrefix and consumer groups to durable consumers.
type NatsBus struct {
	cfg    NatsConfig
	nc     *natsgo.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string]jetstream.ConsumeContext
	closed bool
	wg     sync.WaitGroup
}

// NewNatsBus connects to NATS and makes sure the stream exists
func NewNatsBus(ctx context.Context, cfg NatsConfig) (*NatsBus, error) {
	if cfg.URL == "" {
		cfg.URL = natsgo.DefaultURL
	}
	if cfg.Stream == "" {
		cfg.Stream = "ORDER_SAGA"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "saga"
	}
	if cfg.Duplicates <= 0 {
		cfg.Duplicates = 2 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = util.GetLogger()
	}

	nc, err := natsgo.Connect(cfg.URL, natsgo.MaxReconnects(-1), natsgo.Name("order-saga"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       strings.ToUpper(cfg.Stream),
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.Duplicates,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}

	logger.Info("Connected to NATS JetStream",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.Stream))

	return &NatsBus{
		cfg:    cfg,
		nc:     nc,
		js:     js,
		stream: stream,
		logger: logger,
		subs:   make(map[string]jetstream.ConsumeContext),
	}, nil
}

func (b *NatsBus) subject(topic string) string {
	return b.cfg.SubjectPrefix + "." + topic
}

// durableName turns group and topic into a legal consumer name
func durableName(group, topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(group + "_" + topic)
}

// Publish implements Bus. The event id doubles as the JetStream message id,
// so re-publishing an envelope inside the duplicate window is a no-op.
func (b *NatsBus) Publish(ctx context.Context, topic string, env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := natsgo.NewMsg(b.subject(topic))
	for k, v := range headersFor(ctx, env) {
		msg.Header.Set(k, v)
	}
	msg.Data = data

	if _, err := b.js.PublishMsg(ctx, msg, jetstream.WithMsgID(env.EventID)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	util.BusMessagesPublished.WithLabelValues(topic).Inc()
	return nil
}

// Subscribe implements Bus
func (b *NatsBus) Subscribe(ctx context.Context, topic, group string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	name := durableName(group, topic)
	if _, ok := b.subs[name]; ok {
		return fmt.Errorf("%w: %s/%s", ErrAlreadySubscribed, group, topic)
	}

	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: b.subject(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", name, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handle(ctx, topic, msg, handler)
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", name, err)
	}
	b.subs[name] = cc

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[name]; ok && cur == cc {
			cc.Stop()
			delete(b.subs, name)
		}
	})

	b.logger.Info("Subscribed to topic",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.String("consumer", name))
	return nil
}

func (b *NatsBus) handle(ctx context.Context, topic string, msg jetstream.Msg, handler MessageHandler) {
	var env models.Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		b.logger.Error("Skipping undecodable message",
			zap.String("subject", msg.Subject()),
			zap.Error(err))
		if err := msg.Term(); err != nil {
			b.logger.Error("Error terminating message", zap.Error(err))
		}
		return
	}

	headers := make(map[string]string, len(msg.Headers()))
	for k, v := range msg.Headers() {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	if err := deliver(ctx, topic, headers, env, handler); err != nil {
		attempt := uint64(1)
		if md, mdErr := msg.Metadata(); mdErr == nil {
			attempt = md.NumDelivered
		}
		b.logger.Warn("Error handling message, requesting redelivery",
			zap.String("topic", topic),
			zap.String("event_id", env.EventID),
			zap.Uint64("delivery", attempt),
			zap.Error(err))
		if err := msg.NakWithDelay(b.cfg.RetryDelay * time.Duration(attempt)); err != nil {
			b.logger.Error("Error rejecting message", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		b.logger.Error("Error acknowledging message",
			zap.String("topic", topic),
			zap.String("event_id", env.EventID),
			zap.Error(err))
	}
}

// Close implements Bus
func (b *NatsBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	for name, cc := range b.subs {
		cc.Stop()
		delete(b.subs, name)
	}
	b.mu.Unlock()

	b.wg.Wait()
	if err := b.nc.Drain(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
		return err
	}
	return nil
}
