package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"wanderlink/internal/models"
)

var nextSubscriptionID atomic.Uint64

// Dispatcher fans envelopes out to the handlers registered per topic.
// It is shared by the transport implementations.
type Dispatcher struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]Handler
	logger *logrus.Logger
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		topics: make(map[string]map[uint64]Handler),
		logger: logger,
	}
}

// Add registers h for topic. first is true when topic had no handlers yet,
// in which case the caller must subscribe upstream.
func (d *Dispatcher) Add(topic string, h Handler) (id uint64, first bool) {
	id = nextSubscriptionID.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	handlers, ok := d.topics[topic]
	if !ok {
		handlers = make(map[uint64]Handler)
		d.topics[topic] = handlers
	}
	handlers[id] = h
	return id, !ok
}

// Remove drops one handler. last is true when topic has no handlers left.
func (d *Dispatcher) Remove(topic string, id uint64) (last bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	handlers, ok := d.topics[topic]
	if !ok {
		return false
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(d.topics, topic)
		return true
	}
	return false
}

// Topics lists every topic with at least one handler
func (d *Dispatcher) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	topics := make([]string, 0, len(d.topics))
	for topic := range d.topics {
		topics = append(topics, topic)
	}
	return topics
}

// Has reports whether topic has handlers
func (d *Dispatcher) Has(topic string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.topics[topic]
	return ok
}

// Clear removes every handler
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.topics = make(map[string]map[uint64]Handler)
	d.mu.Unlock()
}

// Dispatch delivers env to every handler of topic on the calling goroutine.
// A panicking handler is logged and does not stop delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, env models.Envelope) int {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.topics[topic]))
	for _, h := range d.topics[topic] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.safeCall(ctx, topic, env, h)
	}
	return len(handlers)
}

func (d *Dispatcher) safeCall(ctx context.Context, topic string, env models.Envelope, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"topic":       topic,
				"event":       env.Type,
				"envelope_id": env.ID,
				"panic":       r,
			}).Error("Realtime handler panicked")
		}
	}()
	h(ctx, env)
}

// HandlerSubscription is the Subscription returned by dispatcher-backed transports
type HandlerSubscription struct {
	topic  string
	once   sync.Once
	cancel func(ctx context.Context) error
}

// NewSubscription builds a subscription whose cancel runs at most once
func NewSubscription(topic string, cancel func(ctx context.Context) error) *HandlerSubscription {
	return &HandlerSubscription{topic: topic, cancel: cancel}
}

func (s *HandlerSubscription) Topic() string {
	return s.topic
}

func (s *HandlerSubscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.cancel(ctx)
	})
	return err
}
