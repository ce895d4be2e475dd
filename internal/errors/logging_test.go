package errors

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func jsonLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetOutput(&buf)
	return FromLogrus(base), &buf
}

func TestLogger_LogError(t *testing.T) {
	logger, buf := jsonLogger()

	err := NewAuthError("expired").WithContext("transport", "socket")
	logger.LogError(err, "connect failed", logrus.Fields{"peer_id": "u2"})

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"error_code":"AUTHENTICATION"`)
	assert.Contains(t, out, `"critical":true`)
	assert.Contains(t, out, `"transport":"socket"`)
	assert.Contains(t, out, `"peer_id":"u2"`)
	assert.Contains(t, out, `"msg":"connect failed"`)
}

func TestLogger_PlainError(t *testing.T) {
	logger, buf := jsonLogger()

	logger.LogWarn(errors.New("boom"), "odd")

	out := buf.String()
	assert.Contains(t, out, `"level":"warning"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.NotContains(t, out, "error_code")
}

func TestLogger_LogRetryableError(t *testing.T) {
	logger, buf := jsonLogger()

	logger.LogRetryableError(WrapRetryable(errors.New("x"), ErrCodeNetwork, "net"), "retrying")
	assert.Contains(t, buf.String(), `"level":"warning"`)

	buf.Reset()
	logger.LogRetryableError(errors.New("plain"), "giving up")
	assert.Contains(t, buf.String(), `"level":"error"`)
}
