// Package redisbus implements realtime.Transport on Redis pub/sub channels.
// Every topic maps to one Redis channel carrying JSON envelopes.
package redisbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
	"wanderlink/pkg/realtime"
)

// Client is the subset of *redis.Client the transport uses
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// Config configures the transport
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces channel names, e.g. "wanderlink:"
	Prefix string
	Logger *logrus.Logger
}

// Transport publishes and subscribes through Redis
type Transport struct {
	client     Client
	prefix     string
	logger     *logrus.Logger
	dispatcher *realtime.Dispatcher
	connected  atomic.Bool

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// New creates a transport with its own Redis client
func New(cfg Config) *Transport {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg)
}

// NewWithClient creates a transport over an existing client
func NewWithClient(client Client, cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Transport{
		client:     client,
		prefix:     cfg.Prefix,
		logger:     cfg.Logger,
		dispatcher: realtime.NewDispatcher(cfg.Logger),
	}
}

func (t *Transport) Name() string {
	return models.TransportRedis
}

func (t *Transport) Connected() bool {
	return t.connected.Load()
}

func (t *Transport) channel(topic string) string {
	return t.prefix + topic
}

func (t *Transport) topic(channel string) string {
	return channel[len(t.prefix):]
}

// Connect verifies the server and resumes any remembered subscriptions
func (t *Transport) Connect(ctx context.Context) error {
	if t.Connected() {
		return nil
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		return apperrors.Classify(err).WithContext("transport", t.Name())
	}
	t.connected.Store(true)

	for _, topic := range t.dispatcher.Topics() {
		if err := t.subscribeUpstream(ctx, topic); err != nil {
			t.logger.WithError(err).WithField("topic", topic).Warn("Failed to restore subscription")
		}
	}
	return nil
}

func (t *Transport) subscribeUpstream(ctx context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pubsub == nil {
		ps := t.client.Subscribe(ctx, t.channel(topic))
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return apperrors.Classify(err).WithContext("topic", topic)
		}
		t.pubsub = ps
		go t.receiveLoop(ps)
		return nil
	}
	if err := t.pubsub.Subscribe(ctx, t.channel(topic)); err != nil {
		return apperrors.Classify(err).WithContext("topic", topic)
	}
	return nil
}

func (t *Transport) receiveLoop(ps *redis.PubSub) {
	ctx := context.Background()
	for msg := range ps.Channel() {
		env, err := decodeMessage(msg)
		if err != nil {
			t.logger.WithError(err).WithField("channel", msg.Channel).Warn("Dropping undecodable message")
			continue
		}
		t.dispatcher.Dispatch(ctx, t.topic(msg.Channel), env)
	}
}

func decodeMessage(msg *redis.Message) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		return models.Envelope{}, err
	}
	return env, nil
}

func (t *Transport) Subscribe(ctx context.Context, topic string, h realtime.Handler) (realtime.Subscription, error) {
	if !t.Connected() {
		return nil, apperrors.NewTransportNotConnectedError(t.Name())
	}

	id, first := t.dispatcher.Add(topic, h)
	if first {
		if err := t.subscribeUpstream(ctx, topic); err != nil {
			t.dispatcher.Remove(topic, id)
			return nil, err
		}
	}

	return realtime.NewSubscription(topic, func(ctx context.Context) error {
		if !t.dispatcher.Remove(topic, id) {
			return nil
		}
		t.mu.Lock()
		ps := t.pubsub
		t.mu.Unlock()
		if ps == nil {
			return nil
		}
		return ps.Unsubscribe(ctx, t.channel(topic))
	}), nil
}

func (t *Transport) Publish(ctx context.Context, topic string, env models.Envelope) error {
	if !t.Connected() {
		return apperrors.NewTransportNotConnectedError(t.Name())
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "failed to encode envelope")
	}
	if err := t.client.Publish(ctx, t.channel(topic), payload).Err(); err != nil {
		return apperrors.Wrap(apperrors.Classify(err), apperrors.ErrCodeTransportPublish, "publish failed").
			WithContext("topic", topic).
			WithUserMessage("Your message could not be sent")
	}
	return nil
}

// Disconnect closes the pub/sub connection. Handlers are kept for the next Connect.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.connected.Store(false)

	t.mu.Lock()
	ps := t.pubsub
	t.pubsub = nil
	t.mu.Unlock()

	if ps != nil {
		return ps.Close()
	}
	return nil
}

// Close disconnects and releases the Redis client
func (t *Transport) Close() error {
	_ = t.Disconnect(context.Background())
	return t.client.Close()
}
