package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type requestKey struct{}

// requestState is stored once per control API request. Derived contexts
// copy it before changing a field.
type requestState struct {
	requestID string
	traceID   string
	started   time.Time
}

// RequestInfo contains tracing information for a control API request
type RequestInfo struct {
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	StartTime time.Time `json:"start_time"`
}

// GenerateRequestID returns a short random id with a req_ prefix.
func GenerateRequestID() string {
	return "req_" + uuid.NewString()[:18]
}

func stateFrom(ctx context.Context) requestState {
	if st, ok := ctx.Value(requestKey{}).(requestState); ok {
		return st
	}
	return requestState{}
}

func withState(ctx context.Context, update func(*requestState)) context.Context {
	st := stateFrom(ctx)
	update(&st)
	return context.WithValue(ctx, requestKey{}, st)
}

// WithRequest stamps a request id and start time onto ctx. A non-empty
// requestID is kept as is.
func WithRequest(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	now := time.Now()
	return withState(ctx, func(st *requestState) {
		st.requestID = requestID
		st.started = now
	})
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withState(ctx, func(st *requestState) { st.traceID = traceID })
}

func WithStartTime(ctx context.Context, started time.Time) context.Context {
	return withState(ctx, func(st *requestState) { st.started = started })
}

func GetRequestID(ctx context.Context) string {
	return stateFrom(ctx).requestID
}

// GetTraceID prefers an explicitly stored id over the active span.
func GetTraceID(ctx context.Context) string {
	if id := stateFrom(ctx).traceID; id != "" {
		return id
	}
	return GetOtelTraceID(ctx)
}

func GetStartTime(ctx context.Context) time.Time {
	return stateFrom(ctx).started
}

func GetRequestInfo(ctx context.Context) *RequestInfo {
	st := stateFrom(ctx)
	info := &RequestInfo{RequestID: st.requestID, TraceID: st.traceID, StartTime: st.started}
	if info.TraceID == "" {
		info.TraceID = GetOtelTraceID(ctx)
	}
	return info
}

// Duration is the time elapsed since the request started, or 0 outside a request.
func Duration(ctx context.Context) time.Duration {
	started := GetStartTime(ctx)
	if started.IsZero() {
		return 0
	}
	return time.Since(started)
}
