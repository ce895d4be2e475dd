package errors

import (
	"fmt"
	"net/http"
	"time"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Could not save your changes locally")
}

// NewAPIError creates an API error for backend calls
func NewAPIError(service, endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeBackendAPI, fmt.Sprintf("%s API call failed", service)).
		WithContext("service", service).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode).
		WithUserMessage("The server could not complete the request")

	switch {
	case statusCode == 401:
		appErr.Code = ErrCodeAuthentication
		appErr.UserMessage = "Your session has expired. Please sign in again."
		appErr.AsCritical()
	case statusCode == 403:
		appErr.Code = ErrCodeAuthorization
		appErr.UserMessage = "You are not allowed to do that"
		appErr.AsCritical()
	case statusCode >= 500 || statusCode == 429 || statusCode == 408:
		appErr.Retryable = true
	}

	return appErr
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration time.Duration) *AppError {
	appErr := New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration.String()).
		WithUserMessage("The request took too long. Please try again.")
	appErr.Retryable = true
	return appErr
}

// NewAuthError creates an authentication error. It is always critical.
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Your session has expired. Please sign in again.").
		AsCritical()
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(limit int, window string) *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded").
		WithContext("limit", limit).
		WithContext("window", window).
		WithUserMessage("Too many requests, please try again later")
}

// NewTransitionError reports a rejected connection status change
func NewTransitionError(peerID, from, to string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("cannot move from %s to %s", from, to)).
		WithContext("peer_id", peerID).
		WithContext("from", from).
		WithContext("to", to).
		WithUserMessage("That action is not available right now")
}

// NewNotConnectedError reports an operation that needs an accepted connection
func NewNotConnectedError(peerID string) *AppError {
	return New(ErrCodeNotConnected, "peer is not connected").
		WithContext("peer_id", peerID).
		WithUserMessage("You need to be connected to do that")
}

// NewTransportNotConnectedError reports use of a transport before Connect
func NewTransportNotConnectedError(transport string) *AppError {
	appErr := New(ErrCodeTransportNotConnected, "transport is not connected").
		WithContext("transport", transport).
		WithUserMessage("You are offline. Reconnecting...")
	appErr.Retryable = true
	return appErr
}

// HTTPStatusCode maps an error to the control API status it is reported with.
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeAuthorization:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidTransition, ErrCodeNotConnected, ErrCodeDuplicate:
		return http.StatusConflict
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeBackendAPI, ErrCodeTransportConnect, ErrCodeTransportPublish, ErrCodeNetwork:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeTransportNotConnected, ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// privateContextKeys never leave the process in an error response.
var privateContextKeys = map[string]bool{
	"password": true,
	"token":    true,
	"secret":   true,
	"value":    true,
}

// HTTPErrorResponse is the error body of the control API
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse builds the error body for err. Only the user facing
// message and the public part of the error context are exposed.
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{RequestID: requestID}
	response.Error.Code = ErrCodeInternalError
	response.Error.Message = GetUserMessage(err)

	appErr, ok := As(err)
	if !ok {
		return response
	}
	response.Error.Code = appErr.Code
	public := make(map[string]interface{})
	for k, v := range appErr.Context {
		if !privateContextKeys[k] {
			public[k] = v
		}
	}
	if len(public) > 0 {
		response.Error.Context = public
	}
	return response
}
