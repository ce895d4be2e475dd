package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"wanderlink/internal/httputil"
	"wanderlink/internal/privacy"
	"wanderlink/internal/service"
	"wanderlink/internal/tracing"

	"github.com/sirupsen/logrus"
)

const (
	maskedHeaderValue = "***MASKED***"
	truncatedBodyFmt  = "***TRUNCATED*** (size: %d bytes)"
)

var coordinateKeys = []string{"lat", "lng", "latitude", "longitude"}

var loggableContentTypes = []string{
	"application/json",
	"application/xml",
	"application/x-www-form-urlencoded",
	"text/",
}

// DetailedLoggingConfig selects what the verbose request log includes.
// Bodies larger than MaxBodySize are never buffered for logging.
type DetailedLoggingConfig struct {
	LogRequestHeaders  bool     `json:"log_request_headers"`
	LogResponseHeaders bool     `json:"log_response_headers"`
	LogRequestBody     bool     `json:"log_request_body"`
	LogResponseBody    bool     `json:"log_response_body"`
	MaxBodySize        int      `json:"max_body_size"`
	SensitiveHeaders   []string `json:"sensitive_headers"`
	SkipEndpoints      []string `json:"skip_endpoints"`
}

// DefaultDetailedLoggingConfig logs request headers only. Health checks and
// metrics scrapes are skipped.
func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogRequestHeaders: true,
		MaxBodySize:       1024,
		SensitiveHeaders: []string{
			"authorization", "x-api-key", "cookie",
			"set-cookie", "x-auth-token", "sec-websocket-protocol",
		},
		SkipEndpoints: []string{"/metrics", "/health"},
	}
}

func (c DetailedLoggingConfig) skips(path string) bool {
	for _, skip := range c.SkipEndpoints {
		if path == skip || strings.HasPrefix(path, skip+"/") {
			return true
		}
	}
	return false
}

func (c DetailedLoggingConfig) capturesResponse() bool {
	return c.LogResponseBody || c.LogResponseHeaders
}

// DetailedLoggingMiddleware writes a debug entry per request and, when
// configured, per response. Any id, text, token or coordinate found in a
// JSON body is masked before it reaches the log. It expects
// ObservabilityMiddleware to have stored the request id already.
func DetailedLoggingMiddleware(logger *logrus.Logger, config DetailedLoggingConfig, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.skips(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			info := tracing.GetRequestInfo(r.Context())
			entry := logger.WithFields(logrus.Fields{
				service.LogFieldRequestID: info.RequestID,
				service.LogFieldTraceID:   info.TraceID,
			})

			entry.WithFields(requestFields(r, config, trustProxy)).Debug("Detailed request logging")

			if !config.capturesResponse() {
				next.ServeHTTP(w, r)
				return
			}

			capture := &responseCaptureWrapper{
				ResponseWriter: w,
				body:           new(bytes.Buffer),
				headers:        make(http.Header),
			}
			next.ServeHTTP(capture, r)
			entry.WithFields(responseFields(capture, config)).Debug("Detailed response logging")
		})
	}
}

func requestFields(r *http.Request, config DetailedLoggingConfig, trustProxy bool) logrus.Fields {
	fields := logrus.Fields{
		service.LogFieldMethod:   r.Method,
		service.LogFieldURL:      r.URL.String(),
		service.LogFieldRemoteIP: httputil.GetClientIP(r, trustProxy),
		"content_length":         r.ContentLength,
		"protocol":               r.Proto,
	}
	if config.LogRequestHeaders {
		fields["request_headers"] = maskHeaders(r.Header, config.SensitiveHeaders)
	}
	if config.LogRequestBody && shouldLogBody(r) && r.ContentLength > 0 && r.ContentLength <= int64(config.MaxBodySize) {
		if body, err := io.ReadAll(r.Body); err == nil {
			// the handler still needs the body
			r.Body = io.NopCloser(bytes.NewReader(body))
			fields["request_body"] = maskBody(body)
		}
	}
	return fields
}

func responseFields(capture *responseCaptureWrapper, config DetailedLoggingConfig) logrus.Fields {
	size := capture.body.Len()
	fields := logrus.Fields{
		service.LogFieldStatusCode: capture.status(),
		"response_size":            size,
	}
	if config.LogResponseHeaders {
		fields["response_headers"] = maskHeaders(capture.headers, config.SensitiveHeaders)
	}
	switch {
	case !config.LogResponseBody || size == 0:
	case size > config.MaxBodySize:
		fields["response_body"] = fmt.Sprintf(truncatedBodyFmt, size)
	default:
		fields["response_body"] = maskBody(capture.body.Bytes())
	}
	return fields
}

func maskHeaders(h http.Header, sensitive []string) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if isSensitiveHeader(name, sensitive) {
			out[name] = maskedHeaderValue
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// maskBody masks the known fields of a JSON object body. Anything that is
// not a JSON object is reduced to its length.
func maskBody(body []byte) interface{} {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return privacy.MaskText(string(body))
	}
	masked := privacy.MaskSensitiveFields(obj)
	for _, key := range coordinateKeys {
		if v, ok := masked[key].(float64); ok {
			masked[key] = privacy.MaskCoordinate(v)
		}
	}
	return masked
}

// responseCaptureWrapper tees the response so it can be logged after the
// handler returns.
type responseCaptureWrapper struct {
	http.ResponseWriter
	body       *bytes.Buffer
	headers    http.Header
	statusCode int
}

func (rc *responseCaptureWrapper) Write(data []byte) (int, error) {
	n, err := rc.ResponseWriter.Write(data)
	rc.body.Write(data[:n])
	return n, err
}

func (rc *responseCaptureWrapper) WriteHeader(statusCode int) {
	if rc.statusCode == 0 {
		rc.statusCode = statusCode
		for name, values := range rc.ResponseWriter.Header() {
			rc.headers[name] = values
		}
	}
	rc.ResponseWriter.WriteHeader(statusCode)
}

func (rc *responseCaptureWrapper) status() int {
	if rc.statusCode == 0 {
		return http.StatusOK
	}
	return rc.statusCode
}

func isSensitiveHeader(name string, sensitive []string) bool {
	for _, s := range sensitive {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// shouldLogBody reports whether the request declares a text content type.
func shouldLogBody(r *http.Request) bool {
	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	for _, t := range loggableContentTypes {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}
