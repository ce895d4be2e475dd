// Package kafkabus implements realtime.Transport on a single Kafka topic.
// The realtime topic travels as the message key and in a "topic" header;
// the event type is tagged out of band in a "message-type" header.
package kafkabus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
	"wanderlink/pkg/constants"
	"wanderlink/pkg/realtime"
)

// Writer is the subset of *kafka.Writer the transport uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader the transport uses
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Config configures the transport. Dial, NewReader and Writer default to
// real broker connections when nil.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  *logrus.Logger

	Dial      func(ctx context.Context) error
	NewReader func() Reader
	Writer    Writer
}

// Transport publishes envelopes to Kafka and consumes them with its own group
type Transport struct {
	cfg        Config
	logger     *logrus.Logger
	dispatcher *realtime.Dispatcher
	writer     Writer
	connected  atomic.Bool

	mu     sync.Mutex
	reader Reader
	cancel context.CancelFunc
	done   chan struct{}

	stateMu      sync.RWMutex
	stateHandler realtime.StateHandler
}

// New creates a disconnected transport
func New(cfg Config) *Transport {
	if cfg.Topic == "" {
		cfg.Topic = constants.DefaultKafkaTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Dial == nil {
		brokers := cfg.Brokers
		cfg.Dial = func(ctx context.Context) error {
			if len(brokers) == 0 {
				return apperrors.NewConfigError("transport.kafka_brokers", "no kafka brokers configured")
			}
			conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
			if err != nil {
				return err
			}
			return conn.Close()
		}
	}
	if cfg.NewReader == nil {
		readerCfg := kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.LastOffset,
		}
		cfg.NewReader = func() Reader { return kafka.NewReader(readerCfg) }
	}
	writer := cfg.Writer
	if writer == nil {
		writer = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		}
	}
	return &Transport{
		cfg:        cfg,
		logger:     cfg.Logger,
		dispatcher: realtime.NewDispatcher(cfg.Logger),
		writer:     writer,
	}
}

func (t *Transport) Name() string {
	return models.TransportKafka
}

func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// OnStateChange registers the handler told about a failed consumer
func (t *Transport) OnStateChange(h realtime.StateHandler) {
	t.stateMu.Lock()
	t.stateHandler = h
	t.stateMu.Unlock()
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reader != nil {
		return nil
	}
	if err := t.cfg.Dial(ctx); err != nil {
		return apperrors.Classify(err).WithContext("transport", t.Name())
	}

	readCtx, cancel := context.WithCancel(context.Background())
	t.reader = t.cfg.NewReader()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.connected.Store(true)

	go t.consume(readCtx, t.reader, t.done)
	return nil
}

func (t *Transport) consume(ctx context.Context, reader Reader, done chan struct{}) {
	defer close(done)

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			t.failed(reader, err)
			return
		}

		topic, env, err := decodeMessage(m)
		if err != nil {
			t.logger.WithError(err).WithField("offset", m.Offset).Warn("Dropping undecodable message")
			continue
		}
		t.dispatcher.Dispatch(ctx, topic, env)
	}
}

func (t *Transport) failed(reader Reader, err error) {
	t.mu.Lock()
	if t.reader != reader {
		t.mu.Unlock()
		return
	}
	t.reader = nil
	t.cancel = nil
	t.connected.Store(false)
	t.mu.Unlock()

	_ = reader.Close()
	classified := apperrors.Classify(err)
	t.logger.WithError(classified).WithField("transport", t.Name()).Warn("Kafka consumer stopped")

	t.stateMu.RLock()
	h := t.stateHandler
	t.stateMu.RUnlock()
	if h != nil {
		h(false, classified)
	}
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func decodeMessage(m kafka.Message) (string, models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return "", models.Envelope{}, err
	}
	if env.Type == "" {
		env.Type = models.EventType(headerValue(m, constants.HeaderMessageType))
	}
	topic := headerValue(m, constants.HeaderTopic)
	if topic == "" {
		topic = string(m.Key)
	}
	if topic == "" {
		return "", models.Envelope{}, errors.New("message has no topic")
	}
	return topic, env, nil
}

func encodeMessage(topic string, env models.Envelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(topic),
		Value: value,
		Time:  env.Timestamp,
		Headers: []kafka.Header{
			{Key: constants.HeaderMessageType, Value: []byte(env.Type)},
			{Key: constants.HeaderTopic, Value: []byte(topic)},
		},
	}, nil
}

// Subscribe only registers locally; the consumer already reads every topic.
func (t *Transport) Subscribe(ctx context.Context, topic string, h realtime.Handler) (realtime.Subscription, error) {
	if !t.Connected() {
		return nil, apperrors.NewTransportNotConnectedError(t.Name())
	}
	id, _ := t.dispatcher.Add(topic, h)
	return realtime.NewSubscription(topic, func(context.Context) error {
		t.dispatcher.Remove(topic, id)
		return nil
	}), nil
}

func (t *Transport) Publish(ctx context.Context, topic string, env models.Envelope) error {
	if !t.Connected() {
		return apperrors.NewTransportNotConnectedError(t.Name())
	}
	msg, err := encodeMessage(topic, env)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "failed to encode envelope")
	}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		return apperrors.Wrap(apperrors.Classify(err), apperrors.ErrCodeTransportPublish, "publish failed").
			WithContext("topic", topic).
			WithUserMessage("Your message could not be sent")
	}
	return nil
}

// Disconnect stops the consumer. Handlers are kept for the next Connect.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	reader, cancel, done := t.reader, t.cancel, t.done
	t.reader = nil
	t.cancel = nil
	t.connected.Store(false)
	t.mu.Unlock()

	if reader == nil {
		return nil
	}
	cancel()
	err := reader.Close()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

// Close disconnects and flushes the writer
func (t *Transport) Close() error {
	_ = t.Disconnect(context.Background())
	return t.writer.Close()
}
