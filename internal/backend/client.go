// Package backend talks to the REST API that keeps the server-side copy of
// connections and shared locations.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"wanderlink/internal/constants"
	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/metrics"
	"wanderlink/internal/models"
	"wanderlink/internal/retry"
	"wanderlink/pkg/circuitbreaker"
)

const (
	EndpointAccept      = "/api/chat/accept-connection"
	EndpointReject      = "/api/chat/reject-connection"
	EndpointDisconnect  = "/api/chat/disconnect"
	EndpointConnections = "/api/chat/connections"
	EndpointLocation    = "/api/social/location"
	EndpointNearby      = "/api/social/nearby"

	serviceName     = "backend"
	maxErrorBodyLen = 512
)

// Client persists session state on the backend
type Client interface {
	AcceptConnection(ctx context.Context, req DecisionRequest) error
	RejectConnection(ctx context.Context, req DecisionRequest) error
	Disconnect(ctx context.Context, userID, peerID string) error
	ListConnections(ctx context.Context, userID string) ([]ConnectionRecord, error)
	UpdateLocation(ctx context.Context, loc models.Location) error
	NearbyTravelers(ctx context.Context, userID string) ([]models.Traveler, error)
}

// DecisionRequest is the body of the accept and reject endpoints
type DecisionRequest struct {
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	RoomID     string `json:"roomId"`
	TripID     string `json:"tripId,omitempty"`
}

// ConnectionRecord is one connection as the server knows it
type ConnectionRecord struct {
	PeerID    string                  `json:"peerId"`
	RoomID    string                  `json:"roomId"`
	Status    models.ConnectionStatus `json:"status"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

type disconnectRequest struct {
	UserID string `json:"userId"`
	PeerID string `json:"peerId"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Options configures an HTTPClient
type Options struct {
	BaseURL    string
	Token      string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Retry      retry.BackoffConfig
	Breaker    *circuitbreaker.CircuitBreaker
	Logger     *logrus.Logger
}

// HTTPClient is the net/http implementation of Client
type HTTPClient struct {
	baseURL string
	token   string
	apiKey  string
	client  *http.Client
	backoff retry.BackoffConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewHTTPClient builds a client for opts.BaseURL
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultBackendTimeoutMs * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.BackoffConfig{
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  3,
			Jitter:       true,
		}
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.NewWithConfig(serviceName, circuitbreaker.Config{
			MaxFailures: constants.DefaultBackendBreakerFailures,
			OpenTimeout: constants.DefaultBackendBreakerOpenSec * time.Second,
			IsFailure:   apperrors.IsRetryable,
			Logger:      opts.Logger,
		})
	}

	return &HTTPClient{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		token:   opts.Token,
		apiKey:  opts.APIKey,
		client:  opts.HTTPClient,
		backoff: opts.Retry,
		breaker: opts.Breaker,
		logger:  opts.Logger,
	}
}

// NewFromConfig returns an HTTPClient when a base URL is configured and a
// NoopClient otherwise.
func NewFromConfig(cfg models.BackendConfig, token string, logger *logrus.Logger) Client {
	if cfg.BaseURL == "" {
		return NoopClient{}
	}
	return NewHTTPClient(Options{
		BaseURL: cfg.BaseURL,
		Token:   token,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout(),
		Logger:  logger,
	})
}

func (c *HTTPClient) AcceptConnection(ctx context.Context, req DecisionRequest) error {
	return c.call(ctx, http.MethodPost, EndpointAccept, nil, req, nil)
}

func (c *HTTPClient) RejectConnection(ctx context.Context, req DecisionRequest) error {
	return c.call(ctx, http.MethodPost, EndpointReject, nil, req, nil)
}

func (c *HTTPClient) Disconnect(ctx context.Context, userID, peerID string) error {
	return c.call(ctx, http.MethodPost, EndpointDisconnect, nil, disconnectRequest{UserID: userID, PeerID: peerID}, nil)
}

func (c *HTTPClient) ListConnections(ctx context.Context, userID string) ([]ConnectionRecord, error) {
	var out []ConnectionRecord
	query := url.Values{"userId": {userID}}
	if err := c.call(ctx, http.MethodGet, EndpointConnections, query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) UpdateLocation(ctx context.Context, loc models.Location) error {
	return c.call(ctx, http.MethodPost, EndpointLocation, nil, loc, nil)
}

func (c *HTTPClient) NearbyTravelers(ctx context.Context, userID string) ([]models.Traveler, error) {
	var out []models.Traveler
	query := url.Values{"userId": {userID}}
	if err := c.call(ctx, http.MethodGet, EndpointNearby, query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// call runs one request inside the breaker, retrying retryable failures
func (c *HTTPClient) call(ctx context.Context, method, endpoint string, query url.Values, body, out interface{}) error {
	start := time.Now()

	backoff := retry.NewBackoff(c.backoff).OnRetry(func(attempt int, delay time.Duration, err error) {
		c.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		}).Debug("Retrying backend call")
	})

	err := backoff.RetryWithPredicate(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.do(ctx, method, endpoint, query, body, out)
		})
	}, apperrors.IsRetryable)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if circuitbreaker.IsCircuitBreakerError(err) {
			outcome = "open"
			err = apperrors.WrapRetryable(err, apperrors.ErrCodeBackendAPI, "backend temporarily unavailable").
				WithContext("endpoint", endpoint).
				WithUserMessage("The server is unavailable right now. Please try again shortly.")
		}
	}
	metrics.BackendCall(endpoint, outcome, time.Since(start))
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, query url.Values, body, out interface{}) error {
	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode backend request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "failed to create backend request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.WrapRetryable(err, apperrors.ErrCodeNetwork, "backend request failed").
			WithContext("endpoint", endpoint).
			WithUserMessage("Connection problem. Check your network and try again.")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.NewAPIError(serviceName, endpoint, resp.StatusCode, readError(resp))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeBackendAPI, "failed to decode backend response").
			WithContext("endpoint", endpoint)
	}
	return nil
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))

	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		if eb.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, eb.Error)
		}
		if eb.Message != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, eb.Message)
		}
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, text)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}
