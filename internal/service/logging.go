package service

import (
	"context"

	"wanderlink/internal/privacy"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerbose marks ctx so identifiers are logged unmasked
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// SanitizeUserID masks a user id unless verbose logging is on
func SanitizeUserID(ctx context.Context, userID string) string {
	if IsVerboseLogging(ctx) {
		return userID
	}
	return privacy.MaskUserID(userID)
}

// SanitizeRoomID masks both participants of a room id
func SanitizeRoomID(ctx context.Context, roomID string) string {
	if IsVerboseLogging(ctx) {
		return roomID
	}
	return privacy.MaskRoomID(roomID)
}

// SanitizeText hides message bodies unless verbose logging is on
func SanitizeText(ctx context.Context, text string) string {
	if IsVerboseLogging(ctx) {
		return text
	}
	return privacy.MaskText(text)
}
