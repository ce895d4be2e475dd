// Package realtime defines the single capability interface every real-time
// backend is wrapped behind.
//
// Implementations live in the sub-packages: socket (websocket event relay),
// redisbus (channel pub/sub), kafkabus (tagged event log) and memory
// (in-process broker used by tests).
package realtime

import (
	"context"

	"wanderlink/internal/models"
)

// Handler receives envelopes published on a subscribed topic
type Handler func(ctx context.Context, env models.Envelope)

// Subscription is returned by Subscribe and ends delivery for one handler
type Subscription interface {
	Topic() string
	Unsubscribe(ctx context.Context) error
}

// Transport is the capability set the session relies on.
// Nothing beyond the underlying library's ordering and delivery guarantees
// is promised.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, env models.Envelope) error
	Disconnect(ctx context.Context) error
	Connected() bool
}

// AckPublisher is implemented by transports that can confirm delivery to
// the relay. PublishWithAck blocks until the ack arrives or ctx ends.
type AckPublisher interface {
	PublishWithAck(ctx context.Context, topic string, env models.Envelope) error
}

// StateHandler is told about connection changes the caller did not request,
// such as a dropped socket. err is nil on a clean transition.
type StateHandler func(connected bool, err error)

// StateNotifier is implemented by transports that can lose their connection
// on their own.
type StateNotifier interface {
	OnStateChange(h StateHandler)
}
