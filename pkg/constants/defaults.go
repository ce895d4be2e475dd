package constants

// Transport client defaults
const (
	DefaultDialTimeoutSec      = 10
	DefaultAckTimeoutSec       = 10
	DefaultWriteTimeoutSec     = 5
	DefaultReadLimitBytes      = 1 << 20
	DefaultSubscriberQueueSize = 64
	DefaultKafkaTopic          = "wanderlink.events"
	DefaultKafkaGroupPrefix    = "wanderlink-"
	DefaultChannelPrefix       = "wanderlink:"
)

// Header names used when the broker carries the event type out of band
const (
	HeaderMessageType = "message-type"
	HeaderTopic       = "topic"
)

// Socket frame kinds
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameError       = "error"
)
