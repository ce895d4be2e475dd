package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"wanderlink/internal/constants"
	"wanderlink/internal/models"
	"wanderlink/internal/security"
	"wanderlink/internal/validation"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingUserID    = models.ConfigError{Message: "missing user id (set user.id, WANDERLINK_USER_ID or a token with a sub claim)"}
	ErrMissingTransport = models.ConfigError{Message: "missing transport endpoint"}
	ErrMissingDBPath    = models.ConfigError{Message: "missing database path"}
)

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are skipped; variables already set win.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

func LoadConfig(path string) (*models.Config, error) {
	return loadConfig(path, time.Now())
}

func loadConfig(path string, now time.Time) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	if err := resolveUser(&config, now); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// resolveUser fills the user id from the token subject when it is not set
func resolveUser(c *models.Config, now time.Time) error {
	if c.User.Token == "" {
		return nil
	}

	claims, err := ParseToken(c.User.Token, now)
	if err != nil {
		return err
	}
	if claims == nil {
		return nil
	}

	if c.User.ID == "" {
		c.User.ID = claims.Subject
	} else if claims.Subject != "" && claims.Subject != c.User.ID {
		return models.ConfigError{Message: fmt.Sprintf("token subject does not match user id %s", c.User.ID)}
	}
	if c.User.Name == "" {
		c.User.Name = claims.Name
	}
	return nil
}

func applyDefaults(c *models.Config) {
	if c.Transport.Kind == "" {
		c.Transport.Kind = models.TransportSocket
	}
	c.Transport.Kind = strings.ToLower(c.Transport.Kind)
	if c.Transport.DialTimeoutS <= 0 {
		c.Transport.DialTimeoutS = constants.DefaultDialTimeoutSec
	}
	if c.Transport.KafkaTopic == "" {
		c.Transport.KafkaTopic = constants.DefaultKafkaTopic
	}

	if c.Backend.TimeoutMs <= 0 {
		c.Backend.TimeoutMs = constants.DefaultBackendTimeoutMs
	}
	if c.Database.Path == "" {
		c.Database.Path = constants.DefaultDatabasePath
	}
	if c.Control.ListenAddr == "" {
		c.Control.ListenAddr = constants.DefaultControlAddr
	}
	if c.Control.MaxBodyBytes <= 0 {
		c.Control.MaxBodyBytes = constants.DefaultMaxBodyBytes
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	t := &c.Timing
	setDefault(&t.RequestExpirySec, constants.DefaultRequestExpirySec)
	setDefault(&t.RequestDedupSec, constants.DefaultRequestDedupSec)
	setDefault(&t.MessageDedupMs, constants.DefaultMessageDedupMs)
	setDefault(&t.AckTimeoutSec, constants.DefaultAckTimeoutSec)
	setDefault(&t.HeartbeatSec, constants.DefaultHeartbeatSec)
	setDefault(&t.PresenceOnlineSec, constants.DefaultPresenceOnlineSec)
	setDefault(&t.PresenceAwaySec, constants.DefaultPresenceAwaySec)
	setDefault(&t.CacheTTLHours, constants.DefaultCacheTTLHours)
	setDefault(&t.ChatCacheTTLHours, constants.DefaultChatCacheTTLHours)
	setDefault(&t.SweepIntervalSec, constants.DefaultSweepIntervalSec)
	setDefault(&t.TypingIntervalMs, constants.DefaultTypingIntervalMs)
	setDefault(&t.MaxMessagesPerRoom, constants.DefaultMaxMessagesPerRoom)

	setDefault(&c.Retry.InitialBackoffMs, constants.DefaultRetryBackoffMs)
	setDefault(&c.Retry.MaxBackoffMs, constants.DefaultMaxBackoffMs)
	setDefault(&c.Retry.MaxAttempts, constants.DefaultMaxAttempts)

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = constants.DefaultServiceName
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.Enabled && c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func validate(c *models.Config) error {
	if c.User.ID == "" {
		return ErrMissingUserID
	}
	if err := validation.ValidateUserID(c.User.ID); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid user id: %v", err)}
	}

	switch c.Transport.Kind {
	case models.TransportSocket:
		if c.Transport.URL == "" {
			return ErrMissingTransport
		}
		if err := security.ValidateServiceURL(c.Transport.URL, "ws", "wss", "http", "https"); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid transport url: %v", err)}
		}
	case models.TransportRedis:
		if c.Transport.RedisAddr == "" {
			return ErrMissingTransport
		}
	case models.TransportKafka:
		if len(c.Transport.KafkaBrokers) == 0 {
			return ErrMissingTransport
		}
	case models.TransportMemory:
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown transport kind: %s", c.Transport.Kind)}
	}

	if c.Backend.BaseURL != "" {
		if err := security.ValidateServiceURL(c.Backend.BaseURL, "http", "https"); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid backend url: %v", err)}
		}
	}

	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if err := security.ValidateFilePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}

	if c.Timing.PresenceAwaySec < c.Timing.PresenceOnlineSec {
		return models.ConfigError{Message: "presence away threshold must not be shorter than the online threshold"}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample rate must be between 0 and 1"}
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid log level: %s", c.LogLevel)}
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if id := os.Getenv("WANDERLINK_USER_ID"); id != "" {
		c.User.ID = id
	}

	// Tokens should come from the environment rather than the config file
	if token := os.Getenv("WANDERLINK_USER_TOKEN"); token != "" {
		c.User.Token = token
	}

	if url := os.Getenv("WANDERLINK_TRANSPORT_URL"); url != "" {
		c.Transport.URL = url
	}
	if addr := os.Getenv("WANDERLINK_REDIS_ADDR"); addr != "" {
		c.Transport.RedisAddr = addr
	}
	if brokers := os.Getenv("WANDERLINK_KAFKA_BROKERS"); brokers != "" {
		c.Transport.KafkaBrokers = nil
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Transport.KafkaBrokers = append(c.Transport.KafkaBrokers, b)
			}
		}
	}

	if url := os.Getenv("WANDERLINK_BACKEND_URL"); url != "" {
		c.Backend.BaseURL = url
	}
	if key := os.Getenv("WANDERLINK_BACKEND_API_KEY"); key != "" {
		c.Backend.APIKey = key
	}

	if path := os.Getenv("WANDERLINK_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("WANDERLINK_CONTROL_ADDR"); addr != "" {
		c.Control.ListenAddr = addr
	}
}
