package constants

// Connection lifecycle defaults
const (
	DefaultRequestExpirySec   = 600
	DefaultRequestDedupSec    = 30
	DefaultMessageDedupMs     = 1000
	DefaultAckTimeoutSec      = 10
	DefaultMaxMessagesPerRoom = 500
	DefaultTypingIntervalMs   = 2000
)

// Presence thresholds
const (
	DefaultPresenceOnlineSec = 300
	DefaultPresenceAwaySec   = 1800
	DefaultHeartbeatSec      = 60
)

// Cache defaults
const (
	DefaultCacheTTLHours     = 24
	DefaultChatCacheTTLHours = 1
	DefaultSweepIntervalSec  = 60
)

// Transport connect retry policy
const (
	DefaultRetryBackoffMs = 1000
	DefaultMaxBackoffMs   = 10000
	DefaultMaxAttempts    = 4
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec         = 15
	DefaultBackendTimeoutMs       = 10000
	DefaultDatabaseRetryAttempts  = 3
	DefaultGracefulShutdownSec    = 15
	ServerErrorChannelSize        = 1
	DefaultDialTimeoutSec         = 10
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	DefaultBackendBreakerFailures = 5
	DefaultBackendBreakerOpenSec  = 30
)

// Control API and storage defaults
const (
	DefaultControlAddr  = "127.0.0.1:8085"
	DefaultMaxBodyBytes = 1 << 20
	DefaultDatabasePath = "wanderlink.db"
	DefaultKafkaTopic   = "wanderlink.events"
	DefaultServiceName  = "wanderlink"
)

// Privacy settings
const (
	DefaultIDMaskLength     = 4
	DefaultMessageIDLength  = 8
	DefaultMessageTextLimit = 4000
	MaxAttachmentsPerMsg    = 10
)
