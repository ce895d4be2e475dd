package models

import (
	"strings"
	"time"
)

// Transport kinds
const (
	TransportSocket = "socket"
	TransportRedis  = "redis"
	TransportKafka  = "kafka"
	TransportMemory = "memory"
)

// Config holds the application configuration
type Config struct {
	User      UserConfig      `json:"user"`
	Transport TransportConfig `json:"transport"`
	Backend   BackendConfig   `json:"backend"`
	Database  DatabaseConfig  `json:"database"`
	Timing    TimingConfig    `json:"timing"`
	Retry     RetryConfig     `json:"retry"`
	Tracing   TracingConfig   `json:"tracing"`
	Control   ControlConfig   `json:"control"`
	LogLevel  string          `json:"log_level"`
}

// UserConfig identifies the traveler running the session
type UserConfig struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// TransportConfig selects and configures the real-time transport
type TransportConfig struct {
	Kind         string   `json:"kind"`
	URL          string   `json:"url"`
	RedisAddr    string   `json:"redis_addr"`
	RedisDB      int      `json:"redis_db"`
	RedisPass    string   `json:"redis_password"`
	KafkaBrokers []string `json:"kafka_brokers"`
	KafkaTopic   string   `json:"kafka_topic"`
	KafkaGroup   string   `json:"kafka_group"`
	DialTimeoutS int      `json:"dial_timeout_sec"`
}

// IsChat reports whether the transport is the channel-style chat backend,
// which uses the shorter connection cache TTL.
func (t TransportConfig) IsChat() bool {
	return strings.EqualFold(t.Kind, TransportKafka)
}

// BackendConfig points at the REST backend
type BackendConfig struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	TimeoutMs int    `json:"timeout_ms"`
}

// Timeout returns the request timeout
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// TimingConfig holds every timer and window the session uses
type TimingConfig struct {
	RequestExpirySec   int  `json:"request_expiry_sec"`
	RequestDedupSec    int  `json:"request_dedup_sec"`
	MessageDedupMs     int  `json:"message_dedup_ms"`
	AckTimeoutSec      int  `json:"ack_timeout_sec"`
	HeartbeatSec       int  `json:"heartbeat_sec"`
	PresenceOnlineSec  int  `json:"presence_online_sec"`
	PresenceAwaySec    int  `json:"presence_away_sec"`
	CacheTTLHours      int  `json:"cache_ttl_hours"`
	ChatCacheTTLHours  int  `json:"chat_cache_ttl_hours"`
	SweepIntervalSec   int  `json:"sweep_interval_sec"`
	TypingIntervalMs   int  `json:"typing_interval_ms"`
	MaxMessagesPerRoom int  `json:"max_messages_per_room"`
	ReconcileOnStartup bool `json:"reconcile_on_startup"`
}

func (t TimingConfig) RequestExpiry() time.Duration {
	return time.Duration(t.RequestExpirySec) * time.Second
}

func (t TimingConfig) RequestDedupWindow() time.Duration {
	return time.Duration(t.RequestDedupSec) * time.Second
}

func (t TimingConfig) MessageDedupWindow() time.Duration {
	return time.Duration(t.MessageDedupMs) * time.Millisecond
}

func (t TimingConfig) AckTimeout() time.Duration {
	return time.Duration(t.AckTimeoutSec) * time.Second
}

func (t TimingConfig) HeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatSec) * time.Second
}

func (t TimingConfig) PresenceOnlineWindow() time.Duration {
	return time.Duration(t.PresenceOnlineSec) * time.Second
}

func (t TimingConfig) PresenceAwayWindow() time.Duration {
	return time.Duration(t.PresenceAwaySec) * time.Second
}

func (t TimingConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalSec) * time.Second
}

func (t TimingConfig) TypingInterval() time.Duration {
	return time.Duration(t.TypingIntervalMs) * time.Millisecond
}

// CacheTTL returns the connection cache lifetime for the given transport
func (t TimingConfig) CacheTTL(transport TransportConfig) time.Duration {
	if transport.IsChat() {
		return time.Duration(t.ChatCacheTTLHours) * time.Hour
	}
	return time.Duration(t.CacheTTLHours) * time.Hour
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`
	Endpoint    string  `json:"endpoint"`
	SampleRate  float64 `json:"sample_rate"`
	ServiceName string  `json:"service_name"`
	Environment string  `json:"environment"`
}

// ControlConfig configures the local control API
type ControlConfig struct {
	ListenAddr string `json:"listen_addr"`
	// TrustProxy honors X-Forwarded-For and X-Real-IP when logging clients
	TrustProxy   bool  `json:"trust_proxy"`
	MaxBodyBytes int64 `json:"max_body_bytes"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
