package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
	"wanderlink/internal/service"
	"wanderlink/pkg/realtime/memory"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func sessionConfig(id string) *models.Config {
	return &models.Config{
		User:      models.UserConfig{ID: id, Name: "Traveler " + id},
		Transport: models.TransportConfig{Kind: models.TransportMemory},
		Timing: models.TimingConfig{
			RequestExpirySec:   600,
			RequestDedupSec:    30,
			MessageDedupMs:     1000,
			AckTimeoutSec:      2,
			HeartbeatSec:       60,
			PresenceOnlineSec:  300,
			PresenceAwaySec:    1800,
			CacheTTLHours:      24,
			ChatCacheTTLHours:  1,
			SweepIntervalSec:   60,
			TypingIntervalMs:   1000,
			MaxMessagesPerRoom: 100,
		},
		Retry: models.RetryConfig{InitialBackoffMs: 1, MaxBackoffMs: 5, MaxAttempts: 2},
	}
}

func newTestServer(t *testing.T, broker *memory.Broker, id string, start bool) *Server {
	t.Helper()
	session := service.NewSession(service.SessionDeps{
		Transport: memory.NewTransport(broker),
		Config:    sessionConfig(id),
		Logger:    quietLogger(),
	})
	if start {
		require.NoError(t, session.Start(context.Background()))
		t.Cleanup(func() { _ = session.Stop(context.Background()) })
	}
	return NewServer(models.ControlConfig{MaxBodyBytes: 512}, session, quietLogger(), false)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) apperrors.ErrorCode {
	t.Helper()
	var resp apperrors.HTTPErrorResponse
	decodeBody(t, w, &resp)
	assert.NotEmpty(t, resp.RequestID)
	return resp.Error.Code
}

func connectServers(t *testing.T, alice, bob *Server) {
	t.Helper()
	w := do(t, alice, http.MethodPost, "/connections/2/request", `{"tripId":"trip-1","message":"Share a tuk-tuk?"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, bob, http.MethodPost, "/connections/1/accept", "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
}

func TestServer_Health(t *testing.T) {
	broker := memory.NewBroker(quietLogger())

	running := newTestServer(t, broker, "1", true)
	w := do(t, running, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1", body["user"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	stopped := newTestServer(t, broker, "2", false)
	w = do(t, stopped, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_ConnectionFlow(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	alice := newTestServer(t, broker, "1", true)
	bob := newTestServer(t, broker, "2", true)

	w := do(t, alice, http.MethodPost, "/connections/2/request", `{"tripId":"trip-1","message":"Share a tuk-tuk?"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var req models.ConnectionRequest
	decodeBody(t, w, &req)
	assert.Equal(t, "room_1_2", req.RoomID)

	w = do(t, bob, http.MethodGet, "/connections", "")
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Connections []models.Connection        `json:"connections"`
		Pending     []models.ConnectionRequest `json:"pending"`
	}
	decodeBody(t, w, &listing)
	require.Len(t, listing.Pending, 1)
	assert.Equal(t, "Share a tuk-tuk?", listing.Pending[0].Message)

	w = do(t, bob, http.MethodPost, "/connections/1/accept", "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, alice, http.MethodPost, "/rooms/2/messages", `{"text":"see you at the station"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, bob, http.MethodGet, "/rooms/1/messages?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history []models.Message
	decodeBody(t, w, &history)
	require.Len(t, history, 1)
	assert.Equal(t, "see you at the station", history[0].Text)

	w = do(t, bob, http.MethodPost, "/rooms/1/typing", `{"typing":true}`)
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, alice, http.MethodDelete, "/connections/2", "")
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, alice, http.MethodPost, "/rooms/2/messages", `{"text":"still there?"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperrors.ErrCodeNotConnected, errorCode(t, w))
}

func TestServer_RejectRequest(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	alice := newTestServer(t, broker, "1", true)
	bob := newTestServer(t, broker, "2", true)

	require.Equal(t, http.StatusCreated, do(t, alice, http.MethodPost, "/connections/2/request", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, bob, http.MethodPost, "/connections/1/reject", "").Code)

	w := do(t, bob, http.MethodPost, "/connections/1/accept", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, errorCode(t, w))
}

func TestServer_BadRequests(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	alice := newTestServer(t, broker, "1", true)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   apperrors.ErrorCode
	}{
		{"invalid json", http.MethodPost, "/connections/2/request", `{"tripId":`, http.StatusBadRequest, apperrors.ErrCodeValidationFailed},
		{"missing body", http.MethodPost, "/rooms/2/messages", "", http.StatusBadRequest, apperrors.ErrCodeValidationFailed},
		{"bad limit", http.MethodGet, "/rooms/2/messages?limit=abc", "", http.StatusBadRequest, apperrors.ErrCodeValidationFailed},
		{"negative distance", http.MethodGet, "/nearby?max_km=-3", "", http.StatusBadRequest, apperrors.ErrCodeValidationFailed},
		{"body too large", http.MethodPost, "/rooms/2/messages", `{"text":"` + strings.Repeat("x", 600) + `"}`, http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"self request", http.MethodPost, "/connections/1/request", "", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, alice, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			code := errorCode(t, w)
			if tt.code != "" {
				assert.Equal(t, tt.code, code)
			}
		})
	}
}

func TestServer_Calls(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	alice := newTestServer(t, broker, "1", true)
	bob := newTestServer(t, broker, "2", true)
	connectServers(t, alice, bob)

	w := do(t, alice, http.MethodPost, "/calls/2", `{"callType":"video"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var call models.Call
	decodeBody(t, w, &call)
	assert.Equal(t, models.CallVideo, call.CallType)

	w = do(t, bob, http.MethodGet, "/calls", "")
	var active []models.Call
	decodeBody(t, w, &active)
	require.Len(t, active, 1)
	assert.Equal(t, call.CallID, active[0].CallID)

	w = do(t, bob, http.MethodPost, "/calls/"+call.CallID+"/answer", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &call)
	assert.Equal(t, models.CallActive, call.State)

	w = do(t, alice, http.MethodPost, "/calls/"+call.CallID+"/end", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &call)
	assert.Equal(t, models.CallEnded, call.State)

	w = do(t, alice, http.MethodPost, "/calls/"+call.CallID+"/end", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, alice, http.MethodPost, "/calls/3", "")
	assert.Equal(t, http.StatusConflict, w.Code, "calls need a connected peer")
}

func TestServer_LocationAndPresence(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	alice := newTestServer(t, broker, "1", true)
	bob := newTestServer(t, broker, "2", true)
	connectServers(t, alice, bob)

	assert.Equal(t, http.StatusNotFound, do(t, alice, http.MethodGet, "/location", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, alice, http.MethodGet, "/nearby", "").Code)

	w := do(t, alice, http.MethodPost, "/location", `{"latitude":38.7223,"longitude":-9.1393}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, alice, http.MethodGet, "/location", "")
	require.Equal(t, http.StatusOK, w.Code)
	var loc models.Location
	decodeBody(t, w, &loc)
	assert.Equal(t, "1", loc.UserID)
	assert.InDelta(t, 38.7223, loc.Latitude, 1e-9)

	w = do(t, alice, http.MethodGet, "/nearby?max_km=50&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = do(t, alice, http.MethodPost, "/location", `{"latitude":123,"longitude":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, bob, http.MethodGet, "/presence/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var p models.Presence
	decodeBody(t, w, &p)
	assert.Equal(t, "1", p.UserID)
	assert.Equal(t, models.PresenceOnline, p.Status)
}

func TestServer_Metrics(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	s := newTestServer(t, broker, "1", true)
	do(t, s, http.MethodGet, "/health", "")

	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))

	var snap map[string]json.RawMessage
	decodeBody(t, w, &snap)
	assert.Contains(t, snap, "counters")
	assert.Contains(t, snap, "timers")
	assert.True(t, bytes.Contains(snap["counters"], []byte("http_requests_total")))
}

func TestServer_UnknownRoute(t *testing.T) {
	s := newTestServer(t, memory.NewBroker(quietLogger()), "1", false)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/webhook", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodPut, "/location", "").Code)
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	s := NewServer(models.ControlConfig{ListenAddr: "127.0.0.1:0"}, newTestServer(t, memory.NewBroker(quietLogger()), "1", false).session, quietLogger(), false)
	require.NoError(t, s.Shutdown(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start kept listening after Shutdown")
	}
}

func TestServer_StartThenShutdown(t *testing.T) {
	s := NewServer(models.ControlConfig{ListenAddr: "127.0.0.1:0"}, newTestServer(t, memory.NewBroker(quietLogger()), "1", false).session, quietLogger(), false)

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
