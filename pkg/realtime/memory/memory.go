// Package memory is an in-process broker implementing realtime.Transport.
// Handlers run on the publisher's goroutine, so delivery is synchronous and
// ordered per publisher.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
	"wanderlink/pkg/realtime"
)

// Broker routes envelopes between the transports attached to it
type Broker struct {
	dispatcher *realtime.Dispatcher

	mu        sync.Mutex
	published []Published
	failNext  error
}

// Published records one envelope that went through the broker
type Published struct {
	Topic    string
	Envelope models.Envelope
}

// NewBroker creates an empty broker
func NewBroker(logger *logrus.Logger) *Broker {
	return &Broker{dispatcher: realtime.NewDispatcher(logger)}
}

// FailNextPublish makes the next Publish through any attached transport fail
func (b *Broker) FailNextPublish(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

// Published returns every envelope published so far
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedOfType filters Published by event type
func (b *Broker) PublishedOfType(t models.EventType) []Published {
	var out []Published
	for _, p := range b.Published() {
		if p.Envelope.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func (b *Broker) publish(ctx context.Context, topic string, env models.Envelope) error {
	b.mu.Lock()
	if err := b.failNext; err != nil {
		b.failNext = nil
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, Published{Topic: topic, Envelope: env})
	b.mu.Unlock()

	b.dispatcher.Dispatch(ctx, topic, env)
	return nil
}

// Transport is one client attached to a Broker. Subscriptions survive
// Disconnect and resume delivery after the next Connect.
type Transport struct {
	broker    *Broker
	connected atomic.Bool

	mu           sync.Mutex
	subs         map[*realtime.HandlerSubscription]func()
	stateHandler realtime.StateHandler

	// ConnectErr, when set, is consulted by every Connect call
	ConnectErr func() error
}

// NewTransport attaches a new client to broker
func NewTransport(broker *Broker) *Transport {
	return &Transport{
		broker: broker,
		subs:   make(map[*realtime.HandlerSubscription]func()),
	}
}

func (t *Transport) Name() string {
	return models.TransportMemory
}

func (t *Transport) Connect(ctx context.Context) error {
	if t.ConnectErr != nil {
		if err := t.ConnectErr(); err != nil {
			return apperrors.Classify(err)
		}
	}
	t.connected.Store(true)
	return nil
}

func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// OnStateChange registers the handler told about Drop
func (t *Transport) OnStateChange(h realtime.StateHandler) {
	t.mu.Lock()
	t.stateHandler = h
	t.mu.Unlock()
}

// Drop simulates the broker losing this client
func (t *Transport) Drop(err error) {
	t.connected.Store(false)
	t.mu.Lock()
	h := t.stateHandler
	t.mu.Unlock()
	if h == nil {
		return
	}
	if err != nil {
		err = apperrors.Classify(err)
	}
	h(false, err)
}

// Subscriptions returns the number of live subscriptions of this client
func (t *Transport) Subscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Transport) Subscribe(ctx context.Context, topic string, h realtime.Handler) (realtime.Subscription, error) {
	if !t.Connected() {
		return nil, apperrors.NewTransportNotConnectedError(t.Name())
	}

	id, _ := t.broker.dispatcher.Add(topic, func(ctx context.Context, env models.Envelope) {
		if t.Connected() {
			h(ctx, env)
		}
	})
	remove := func() { t.broker.dispatcher.Remove(topic, id) }

	var sub *realtime.HandlerSubscription
	sub = realtime.NewSubscription(topic, func(context.Context) error {
		remove()
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
		return nil
	})

	t.mu.Lock()
	t.subs[sub] = remove
	t.mu.Unlock()
	return sub, nil
}

func (t *Transport) Publish(ctx context.Context, topic string, env models.Envelope) error {
	if !t.Connected() {
		return apperrors.NewTransportNotConnectedError(t.Name())
	}
	if err := t.broker.publish(ctx, topic, env); err != nil {
		return apperrors.Wrap(apperrors.Classify(err), apperrors.ErrCodeTransportPublish, "publish failed").
			WithContext("topic", topic).
			WithUserMessage("Your message could not be sent")
	}
	return nil
}

// Disconnect pauses delivery to this client
func (t *Transport) Disconnect(ctx context.Context) error {
	t.connected.Store(false)
	return nil
}

// Close drops every subscription held by this client
func (t *Transport) Close() error {
	t.mu.Lock()
	for sub, remove := range t.subs {
		remove()
		delete(t.subs, sub)
	}
	t.mu.Unlock()
	t.connected.Store(false)
	return nil
}
