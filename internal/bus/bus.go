// Package bus implements the Message Bus: typed topics (Queue vs
// PubSub), a schema registry with compatibility checking, pluggable
// routing strategies, and durable claim/lease delivery shared with the
// job queue's skip-locked pattern so a message survives a subscriber
// crash.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

var (
	// ErrTopicNotFound is returned when publishing or subscribing to an
	// unregistered topic.
	ErrTopicNotFound = errors.New("bus: topic not registered")
	// ErrNoActiveSubscription signals that a topic has no active
	// subscription to route to. Publish itself does not return it: with no
	// active subscription it returns the persisted message and a nil
	// error, and the message can be picked up later via Claim.
	ErrNoActiveSubscription = errors.New("bus: no active subscription to route to")
)

// TopicConfig describes one registered topic.
type TopicConfig struct {
	Name     string
	Type     domain.TopicType
	Strategy domain.RoutingStrategy
}

// Subscription is a live, in-process consumer stub the router can pick
// from. Matches, used only by ContentBased routing, reports whether
// this subscription wants a given message.
type Subscription interface {
	ID() string
	Matches(headers map[string]string, payload []byte) bool
	Send(ctx context.Context, msg *domain.Message) error
}

// Store is the durable persistence + claim/lease backend for messages,
// mirroring queue.Queue's contract.
type Store interface {
	Insert(ctx context.Context, msg *domain.Message) error
	Claim(ctx context.Context, topic, workerID string, n int, lease time.Duration) ([]*domain.Message, error)
	Ack(ctx context.Context, messageID, workerID string) error
	Retry(ctx context.Context, messageID, workerID, errMessage string, maxRetries int) error
	SweepStaleLeases(ctx context.Context) (int, error)
}

// Bus is the facade: topic registry + schema compatibility checks +
// live routed delivery, backed by a durable Store.
type Bus struct {
	mu       sync.RWMutex
	topics   map[string]TopicConfig
	subs     map[string][]Subscription
	store    Store
	registry *SchemaRegistry
	logger   *slog.Logger
}

func New(store Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics:   make(map[string]TopicConfig),
		subs:     make(map[string][]Subscription),
		store:    store,
		registry: NewSchemaRegistry(),
		logger:   logger.With("component", "bus"),
	}
}

// RegisterTopic declares a topic, defaulting Strategy from Type when unset.
func (b *Bus) RegisterTopic(name string, typ domain.TopicType, strategy domain.RoutingStrategy) {
	if strategy == "" {
		strategy = domain.DefaultRoutingStrategy(typ)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[name] = TopicConfig{Name: name, Type: typ, Strategy: strategy}
}

// Schemas exposes the topic schema registry (Register/CheckCompatible).
func (b *Bus) Schemas() *SchemaRegistry { return b.registry }

func (b *Bus) Subscribe(topic string, sub Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[topic]; !ok {
		return ErrTopicNotFound
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return nil
}

func (b *Bus) Unsubscribe(topic string, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.ID() == subID {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish persists msg durably, then attempts a live routed delivery to
// an active subscription. A missing/failed live delivery is not an
// error the caller must react to — the message remains Pending and
// claimable by any worker that later calls Claim.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, priority int, headers map[string]string) (*domain.Message, error) {
	b.mu.RLock()
	cfg, ok := b.topics[topic]
	subs := append([]Subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()
	if !ok {
		return nil, ErrTopicNotFound
	}

	msg := &domain.Message{
		MessageID:     domain.NewMessageID(),
		Topic:         topic,
		SchemaVersion: b.registry.CurrentVersion(topic),
		Payload:       payload,
		Priority:      priority,
		Headers:       headers,
		CreatedAt:     time.Now(),
		Status:        domain.MessagePending,
	}
	if err := b.store.Insert(ctx, msg); err != nil {
		return nil, err
	}

	picked := Route(cfg.Strategy, topic, subs, priority, headers, payload)
	if len(picked) == 0 {
		b.logger.Debug("no active subscription, left for claim", "topic", topic, "message_id", msg.MessageID)
		return msg, nil
	}
	for _, s := range picked {
		if err := s.Send(ctx, msg); err != nil {
			b.logger.Warn("live delivery failed, leaving for claim", "topic", topic, "subscriber", s.ID(), "error", err)
			continue
		}
		_ = b.store.Ack(ctx, msg.MessageID, s.ID())
	}
	return msg, nil
}

// Claim pulls up to n claimable messages for topic (pending, or whose
// lease expired), for workers not reachable by live push delivery.
func (b *Bus) Claim(ctx context.Context, topic, workerID string, n int, lease time.Duration) ([]*domain.Message, error) {
	return b.store.Claim(ctx, topic, workerID, n, lease)
}

func (b *Bus) Ack(ctx context.Context, messageID, workerID string) error {
	return b.store.Ack(ctx, messageID, workerID)
}

// Nack records a failed delivery attempt. Once maxRetries is reached the
// Store moves the message to MessageDeadLetter instead of re-arming it.
func (b *Bus) Nack(ctx context.Context, messageID, workerID, reason string, maxRetries int) error {
	return b.store.Retry(ctx, messageID, workerID, reason, maxRetries)
}

func (b *Bus) SweepStaleLeases(ctx context.Context) (int, error) {
	return b.store.SweepStaleLeases(ctx)
}
