// Package socket implements realtime.Transport over a websocket relay that
// speaks the Frame protocol.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
	"wanderlink/pkg/constants"
	"wanderlink/pkg/realtime"
)

// Config configures a socket transport
type Config struct {
	URL          string
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *logrus.Logger
}

// Transport is a websocket client of the relay
type Transport struct {
	cfg        Config
	logger     *logrus.Logger
	dispatcher *realtime.Dispatcher

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan error

	stateMu      sync.RWMutex
	stateHandler realtime.StateHandler
}

// New creates a disconnected socket transport
func New(cfg Config) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = constants.DefaultDialTimeoutSec * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = constants.DefaultWriteTimeoutSec * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Transport{
		cfg:        cfg,
		logger:     cfg.Logger,
		dispatcher: realtime.NewDispatcher(cfg.Logger),
		pending:    make(map[string]chan error),
	}
}

func (t *Transport) Name() string {
	return models.TransportSocket
}

func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// OnStateChange registers the handler told about dropped connections
func (t *Transport) OnStateChange(h realtime.StateHandler) {
	t.stateMu.Lock()
	t.stateHandler = h
	t.stateMu.Unlock()
}

// Connect dials the relay and restores existing subscriptions
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	conn, resp, err := websocket.Dial(dialCtx, t.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return apperrors.NewAuthError("relay rejected token").
				WithContext("transport", t.Name()).
				WithContext("status_code", resp.StatusCode)
		}
		return apperrors.Classify(err).WithContext("transport", t.Name())
	}
	conn.SetReadLimit(constants.DefaultReadLimitBytes)

	readCtx, readCancel := context.WithCancel(context.Background())
	t.conn = conn
	t.cancel = readCancel
	t.done = make(chan struct{})
	t.connected.Store(true)

	go t.readLoop(readCtx, conn, t.done)

	for _, topic := range t.dispatcher.Topics() {
		if err := t.write(ctx, conn, Frame{Kind: constants.FrameSubscribe, Topic: topic}); err != nil {
			t.logger.WithError(err).WithField("topic", topic).Warn("Failed to restore subscription")
		}
	}

	t.logger.WithField("transport", t.Name()).Info("Connected to relay")
	return nil
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.dropped(conn, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.WithError(err).Warn("Dropping undecodable frame")
			continue
		}

		switch f.Kind {
		case constants.FrameEvent:
			if f.Envelope == nil {
				t.logger.WithField("topic", f.Topic).Warn("Dropping event frame without envelope")
				continue
			}
			t.dispatcher.Dispatch(ctx, f.Topic, *f.Envelope)
		case constants.FrameAck:
			t.resolve(f.ID, nil)
		case constants.FrameError:
			relayErr := apperrors.Classify(errors.New(f.Error))
			if f.ID != "" {
				t.resolve(f.ID, relayErr)
				continue
			}
			t.logger.WithError(relayErr).Warn("Relay reported an error")
		default:
			t.logger.WithField("kind", f.Kind).Debug("Ignoring unknown frame kind")
		}
	}
}

// dropped handles a connection the relay or network closed under us
func (t *Transport) dropped(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.cancel = nil
	t.connected.Store(false)
	t.mu.Unlock()

	classified := apperrors.Classify(err)
	if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
		classified = apperrors.NewAuthError("relay closed the session").WithContext("transport", t.Name())
	}

	t.failPending(apperrors.NewTransportNotConnectedError(t.Name()))
	t.logger.WithError(classified).WithField("transport", t.Name()).Warn("Relay connection lost")

	t.stateMu.RLock()
	h := t.stateHandler
	t.stateMu.RUnlock()
	if h != nil {
		h(false, classified)
	}
}

func (t *Transport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *Transport) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, f); err != nil {
		return apperrors.Classify(err)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topic string, h realtime.Handler) (realtime.Subscription, error) {
	conn := t.current()
	if conn == nil {
		return nil, apperrors.NewTransportNotConnectedError(t.Name())
	}

	id, first := t.dispatcher.Add(topic, h)
	if first {
		if err := t.write(ctx, conn, Frame{Kind: constants.FrameSubscribe, Topic: topic}); err != nil {
			t.dispatcher.Remove(topic, id)
			return nil, err
		}
	}

	return realtime.NewSubscription(topic, func(ctx context.Context) error {
		if !t.dispatcher.Remove(topic, id) {
			return nil
		}
		if conn := t.current(); conn != nil {
			return t.write(ctx, conn, Frame{Kind: constants.FrameUnsubscribe, Topic: topic})
		}
		return nil
	}), nil
}

// Publish sends env without waiting for the relay
func (t *Transport) Publish(ctx context.Context, topic string, env models.Envelope) error {
	conn := t.current()
	if conn == nil {
		return apperrors.NewTransportNotConnectedError(t.Name())
	}
	if err := t.write(ctx, conn, Frame{Kind: constants.FramePublish, ID: env.ID, Topic: topic, Envelope: &env}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeTransportPublish, "publish failed").
			WithContext("topic", topic).
			WithUserMessage("Your message could not be sent")
	}
	return nil
}

// PublishWithAck sends env and waits for the relay's ack frame
func (t *Transport) PublishWithAck(ctx context.Context, topic string, env models.Envelope) error {
	ch := make(chan error, 1)
	t.pendingMu.Lock()
	t.pending[env.ID] = ch
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, env.ID)
		t.pendingMu.Unlock()
	}()

	if err := t.Publish(ctx, topic, env); err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperrors.Classify(ctx.Err()).WithContext("envelope_id", env.ID)
		}
		return ctx.Err()
	}
}

func (t *Transport) resolve(id string, err error) {
	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	t.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (t *Transport) failPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for _, ch := range t.pending {
		select {
		case ch <- err:
		default:
		}
	}
}

// Disconnect closes the relay connection. Subscriptions are remembered and
// restored by the next Connect.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn, cancel, done := t.conn, t.cancel, t.done
	t.conn = nil
	t.cancel = nil
	t.connected.Store(false)
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
	}

	t.failPending(apperrors.NewTransportNotConnectedError(t.Name()))

	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		t.logger.WithError(err).Debug("Relay close handshake did not complete")
	}
	return nil
}
