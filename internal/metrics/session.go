package metrics

import "time"

// Metric names recorded by the session and transports
const (
	EventsIn             = "wanderlink_events_in_total"
	EventsOut            = "wanderlink_events_out_total"
	EventsDropped        = "wanderlink_events_dropped_total"
	DuplicatesSuppressed = "wanderlink_duplicates_suppressed_total"
	StatusTransitions    = "wanderlink_status_transitions_total"
	PublishFailures      = "wanderlink_publish_failures_total"
	BackendCalls         = "wanderlink_backend_calls_total"
	PublishLatency       = "wanderlink_publish_latency"
	BackendLatency       = "wanderlink_backend_latency"
	ConnectedPeers       = "wanderlink_connected_peers"
	PendingRequests      = "wanderlink_pending_requests"
	ActiveCalls          = "wanderlink_active_calls"
	TransportConnected   = "wanderlink_transport_connected"
)

func EventIn(eventType string) {
	IncrementCounter(EventsIn, map[string]string{"type": eventType}, "Inbound events by type")
}

func EventOut(eventType string, latency time.Duration) {
	IncrementCounter(EventsOut, map[string]string{"type": eventType}, "Outbound events by type")
	RecordTimer(PublishLatency, latency, map[string]string{"type": eventType}, "Publish latency")
}

func EventDropped(reason string) {
	IncrementCounter(EventsDropped, map[string]string{"reason": reason}, "Inbound events dropped")
}

func PublishFailed(eventType string) {
	IncrementCounter(PublishFailures, map[string]string{"type": eventType}, "Failed publishes")
}

func Duplicate(kind string) {
	IncrementCounter(DuplicatesSuppressed, map[string]string{"kind": kind}, "Duplicates suppressed")
}

func Transition(from, to string) {
	IncrementCounter(StatusTransitions, map[string]string{"from": from, "to": to}, "Connection status transitions")
}

func BackendCall(endpoint, outcome string, latency time.Duration) {
	IncrementCounter(BackendCalls, map[string]string{"endpoint": endpoint, "outcome": outcome}, "Backend REST calls")
	RecordTimer(BackendLatency, latency, map[string]string{"endpoint": endpoint}, "Backend call latency")
}

func SessionGauges(connected, pending, calls int) {
	SetGauge(ConnectedPeers, float64(connected), nil, "Peers in connected status")
	SetGauge(PendingRequests, float64(pending), nil, "Requests awaiting a decision")
	SetGauge(ActiveCalls, float64(calls), nil, "Calls not yet ended")
}

func TransportState(transport string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	SetGauge(TransportConnected, v, map[string]string{"transport": transport}, "Transport connection state")
}
