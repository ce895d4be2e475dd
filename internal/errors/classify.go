package errors

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"strings"

	"wanderlink/internal/models"
)

var criticalMarkers = []string{
	"reserved field",
	"unauthorized",
	"invalid token",
	"token expired",
	"token is expired",
	"forbidden",
	"api key",
	"not allowed to perform action",
}

var networkMarkers = []string{
	"network",
	"connection refused",
	"connection reset",
	"no such host",
	"broken pipe",
	"eof",
	"i/o timeout",
}

// Classify converts a raw transport or SDK error into an AppError.
// Errors that already carry a code are returned unchanged.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		appErr := Wrap(err, ErrCodeTimeout, "operation timed out").
			WithUserMessage("The request took too long. Please try again.")
		appErr.Retryable = true
		return appErr
	}
	if stderrors.Is(err, context.Canceled) {
		return Wrap(err, ErrCodeInternalError, "operation cancelled").
			WithUserMessage("The request was cancelled")
	}

	msg := strings.ToLower(err.Error())

	for _, marker := range criticalMarkers {
		if strings.Contains(msg, marker) {
			code := ErrCodeAuthentication
			if marker == "forbidden" || marker == "not allowed to perform action" || marker == "reserved field" {
				code = ErrCodeAuthorization
			}
			return Wrap(err, code, "transport rejected the session").
				WithContext("marker", marker).
				WithUserMessage(notificationText(code)).
				AsCritical()
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return WrapRetryable(err, ErrCodeTimeout, "network timeout").
			WithUserMessage(notificationText(ErrCodeTimeout))
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return WrapRetryable(err, ErrCodeTimeout, "operation timed out").
			WithUserMessage(notificationText(ErrCodeTimeout))
	}

	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return WrapRetryable(err, ErrCodeNetwork, "connection closed").
			WithUserMessage(notificationText(ErrCodeNetwork))
	}
	for _, marker := range networkMarkers {
		if strings.Contains(msg, marker) {
			return WrapRetryable(err, ErrCodeNetwork, "network failure").
				WithUserMessage(notificationText(ErrCodeNetwork))
		}
	}

	return WrapRetryable(err, ErrCodeTransportConnect, "transport failure").
		WithUserMessage(notificationText(ErrCodeTransportConnect))
}

func notificationText(code ErrorCode) string {
	switch code {
	case ErrCodeNetwork, ErrCodeTransportConnect:
		return "Connection problem. Check your network and try again."
	case ErrCodeTransportNotConnected:
		return "You are offline. Reconnecting..."
	case ErrCodeTransportPublish:
		return "Your message could not be sent"
	case ErrCodeTimeout:
		return "The request took too long. Please try again."
	case ErrCodeAuthentication:
		return "Your session has expired. Please sign in again."
	case ErrCodeAuthorization:
		return "You are not allowed to do that"
	case ErrCodeRateLimit:
		return "Too many requests, please try again later"
	case ErrCodeNotConnected:
		return "You need to be connected to do that"
	case ErrCodeInvalidTransition:
		return "That action is not available right now"
	case ErrCodeBackendAPI:
		return "The server could not complete the request"
	default:
		return "Something went wrong"
	}
}

// Notification builds the toast shown to the user for err
func Notification(err error) models.Notification {
	appErr := Classify(err)
	if appErr == nil {
		return models.Notification{}
	}

	level := models.NotificationError
	title := "Error"
	switch {
	case appErr.Critical:
		title = "Session problem"
	case appErr.Code == ErrCodeNetwork || appErr.Code == ErrCodeTransportConnect || appErr.Code == ErrCodeTransportNotConnected:
		level = models.NotificationWarning
		title = "Connection"
	case appErr.Code == ErrCodeTimeout:
		level = models.NotificationWarning
		title = "Timeout"
	case appErr.Code == ErrCodeInvalidTransition || appErr.Code == ErrCodeNotConnected || appErr.Code == ErrCodeRateLimit:
		level = models.NotificationInfo
		title = "Heads up"
	}

	msg := appErr.UserMessage
	if msg == "" {
		msg = notificationText(appErr.Code)
	}

	return models.Notification{
		Level:   level,
		Title:   title,
		Message: msg,
	}
}
