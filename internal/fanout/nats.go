package fanout

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream shared by all instances.
	StreamName = "PAIRCHAT_FANOUT"
	// SubjectFanout matches every fanout subject.
	SubjectFanout = "pairchat.fanout.>"

	subjectPrefix  = "pairchat.fanout."
	consumerPrefix = "fanout-"
)

// NATSConfig holds JetStream fanout configuration.
type NATSConfig struct {
	URL        string
	InstanceID string
	// MaxAge bounds how long events stay in the stream.
	MaxAge time.Duration
	// InactiveThreshold removes the consumer of an instance that died without cleanup.
	InactiveThreshold time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               nats.DefaultURL,
		MaxAge:            time.Minute,
		InactiveThreshold: 5 * time.Minute,
	}
}

// NATSBus fans out over a JetStream stream. Every instance owns a durable
// consumer that only sees events published after it was created, so an
// instance that was down gets no backlog.
type NATSBus struct {
	cfg    NATSConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream

	mu       sync.Mutex
	consumer jetstream.ConsumeContext
}

// NewNATSBus connects to NATS and ensures the fanout stream exists.
func NewNATSBus(ctx context.Context, cfg NATSConfig) (*NATSBus, error) {
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("nats fanout: instance id is required")
	}
	defaults := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = defaults.MaxAge
	}
	if cfg.InactiveThreshold == 0 {
		cfg.InactiveThreshold = defaults.InactiveThreshold
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("pairchat-"+cfg.InstanceID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Cross-instance socket event fanout",
		Subjects:    []string{SubjectFanout},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.MemoryStorage,
		Replicas:    1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	log.Printf("[nats] Connected to NATS at %s, stream %s ready", cfg.URL, StreamName)
	return &NATSBus{cfg: cfg, nc: nc, js: js, stream: stream}, nil
}

func (b *NATSBus) consumerName() string {
	return consumerPrefix + b.cfg.InstanceID
}

func (b *NATSBus) Publish(ctx context.Context, env Envelope) error {
	if b.nc.IsClosed() {
		return ErrClosed
	}
	data, err := encode(env)
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(ctx, subjectPrefix+string(env.Scope), data); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Subscribe creates this instance's consumer and starts delivering to h.
// Only one subscription per bus is supported.
func (b *NATSBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumer != nil {
		return fmt.Errorf("nats fanout: already subscribed")
	}

	name := b.consumerName()
	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:              name,
		Durable:           name,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		FilterSubject:     SubjectFanout,
		InactiveThreshold: b.cfg.InactiveThreshold,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		env, err := decode(msg.Data())
		if err != nil {
			log.Printf("[nats] Dropping malformed envelope: %v", err)
			if err := msg.Term(); err != nil {
				log.Printf("[nats] Error terminating message: %v", err)
			}
			return
		}
		h(env)
		if err := msg.Ack(); err != nil {
			log.Printf("[nats] Error acking message: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	b.consumer = cc

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()

	log.Printf("[nats] Consumer %s subscribed to %s", name, SubjectFanout)
	return nil
}

// Close stops consuming, deletes this instance's consumer and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	cc := b.consumer
	b.consumer = nil
	b.mu.Unlock()

	if cc != nil {
		cc.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.js.DeleteConsumer(ctx, StreamName, b.consumerName()); err != nil {
			log.Printf("[nats] Error deleting consumer %s: %v", b.consumerName(), err)
		}
	}

	if !b.nc.IsClosed() {
		b.nc.Close()
		log.Println("[nats] Connection closed")
	}
	return nil
}
