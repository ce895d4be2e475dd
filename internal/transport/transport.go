// Package transport builds the configured real-time transport. It lives
// outside pkg/realtime because it imports every implementation.
package transport

import (
	"strings"
	"time"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
	"wanderlink/pkg/constants"
	"wanderlink/pkg/realtime"
	"wanderlink/pkg/realtime/kafkabus"
	"wanderlink/pkg/realtime/memory"
	"wanderlink/pkg/realtime/redisbus"
	"wanderlink/pkg/realtime/socket"

	"github.com/sirupsen/logrus"
)

type options struct {
	broker *memory.Broker
}

// Option customises New
type Option func(*options)

// WithBroker attaches memory transports to broker instead of a private one,
// so several sessions in one process can reach each other.
func WithBroker(b *memory.Broker) Option {
	return func(o *options) { o.broker = b }
}

// New returns a disconnected transport for cfg.Kind
func New(cfg models.TransportConfig, user models.UserConfig, logger *logrus.Logger, opts ...Option) (realtime.Transport, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	dialTimeout := time.Duration(cfg.DialTimeoutS) * time.Second
	if dialTimeout <= 0 {
		dialTimeout = constants.DefaultDialTimeoutSec * time.Second
	}

	switch strings.ToLower(cfg.Kind) {
	case models.TransportSocket:
		if cfg.URL == "" {
			return nil, apperrors.NewConfigError("transport.url", "socket transport needs a relay url")
		}
		return socket.New(socket.Config{
			URL:         cfg.URL,
			Token:       user.Token,
			DialTimeout: dialTimeout,
			Logger:      logger,
		}), nil

	case models.TransportRedis:
		if cfg.RedisAddr == "" {
			return nil, apperrors.NewConfigError("transport.redis_addr", "redis transport needs an address")
		}
		return redisbus.New(redisbus.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			Prefix:   constants.DefaultChannelPrefix,
			Logger:   logger,
		}), nil

	case models.TransportKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, apperrors.NewConfigError("transport.kafka_brokers", "kafka transport needs at least one broker")
		}
		group := cfg.KafkaGroup
		if group == "" {
			// one group per traveler so every session sees the whole topic
			group = constants.DefaultKafkaGroupPrefix + user.ID
		}
		return kafkabus.New(kafkabus.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: group,
			Logger:  logger,
		}), nil

	case models.TransportMemory:
		broker := o.broker
		if broker == nil {
			broker = memory.NewBroker(logger)
		}
		return memory.NewTransport(broker), nil
	}

	return nil, apperrors.NewConfigError("transport.kind", "unknown transport kind "+cfg.Kind)
}
