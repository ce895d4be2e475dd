package service

// Logging Standards for wanderlink
//
// This file defines standard field names and message patterns
// to ensure consistent logging across the application.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldUserID     = "user_id"
	LogFieldPeerID     = "peer_id"
	LogFieldRoomID     = "room_id"
	LogFieldMessageID  = "message_id"
	LogFieldCallID     = "call_id"
	LogFieldEnvelopeID = "envelope_id"
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"
	LogFieldMethod    = "method"

	// Session and event fields
	LogFieldEvent      = "event"
	LogFieldTopic      = "topic"
	LogFieldTransport  = "transport"
	LogFieldStatus     = "status"
	LogFieldFromStatus = "from_status"
	LogFieldDirection  = "direction" // "incoming" or "outgoing"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"

	// Network and external services
	LogFieldURL        = "url"
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"

	// Error and debugging
	LogFieldErrorCode  = "error_code"
	LogFieldRetryCount = "retry_count"
	LogFieldAttempt    = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: typing, presence heartbeats, duplicate suppression, raw envelope ids.
// INFO: session start/stop, status transitions, rooms joined and left.
// WARN: retryable failures, transport drops, backend calls left for reconciliation.
// ERROR: failed operations surfaced to the user, recovered handler panics.
// FATAL: configuration or storage required for startup is unavailable.

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Failed operations: "Failed to [operation]"
// Retrying operations: "Retrying [operation]"
// Skipping operations: "Skipping [operation]: [reason]"
// Inbound events: "Received [event]"

// Example Usage:
//
// logger.WithFields(logrus.Fields{
//     LogFieldPeerID:    SanitizeUserID(ctx, peerID),
//     LogFieldRoomID:    SanitizeRoomID(ctx, roomID),
//     LogFieldEvent:     models.EventSendMessage,
//     LogFieldDirection: "outgoing",
// }).Debug("Publishing message")
