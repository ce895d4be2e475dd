package validation

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"wanderlink/internal/constants"
	"wanderlink/internal/errors"
	"wanderlink/internal/models"
)

const maxUserIDLength = 128

// ValidateUserID validates a user identifier
func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "user ID cannot be empty")
	}

	if len(userID) > maxUserIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("user ID too long (max %d characters)", maxUserIDLength))
	}

	// Ids end up inside topic names and room ids, so separators are not allowed
	for _, char := range userID {
		if !unicode.IsLetter(char) && !unicode.IsDigit(char) && char != '-' && char != '.' {
			return errors.New(errors.ErrCodeInvalidInput,
				"user ID must contain only letters, numbers, dots and dashes")
		}
	}

	return nil
}

// ValidateRoomParticipants checks the pair a room is derived from
func ValidateRoomParticipants(a, b string) error {
	if err := ValidateUserID(a); err != nil {
		return err
	}
	if err := ValidateUserID(b); err != nil {
		return err
	}
	if a == b {
		return errors.NewValidationError("peer_id", b, "cannot connect to yourself")
	}
	return nil
}

// ValidateMessageText validates a chat message body. Messages carrying only
// attachments may have empty text.
func ValidateMessageText(text string, hasAttachments bool) error {
	if strings.TrimSpace(text) == "" && !hasAttachments {
		return errors.NewValidationError("text", "", "message cannot be empty")
	}

	if !utf8.ValidString(text) {
		return errors.New(errors.ErrCodeInvalidInput, "message is not valid UTF-8")
	}

	if utf8.RuneCountInString(text) > constants.DefaultMessageTextLimit {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("message too long (max %d characters)", constants.DefaultMessageTextLimit))
	}

	return nil
}

// ValidateAttachments checks declared kinds and URLs. Attachments without a
// type get one inferred from the URL extension.
func ValidateAttachments(attachments []models.Attachment) ([]models.Attachment, error) {
	if len(attachments) > constants.MaxAttachmentsPerMsg {
		return nil, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("too many attachments (max %d)", constants.MaxAttachmentsPerMsg))
	}

	out := make([]models.Attachment, 0, len(attachments))
	for i, a := range attachments {
		u, err := url.Parse(a.URL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return nil, errors.NewValidationError(fmt.Sprintf("attachments[%d].url", i), a.URL, "must be an http(s) URL")
		}
		if a.SizeBytes < 0 {
			return nil, errors.NewValidationError(fmt.Sprintf("attachments[%d].size", i), fmt.Sprint(a.SizeBytes), "cannot be negative")
		}
		if a.Type == "" {
			a.Type = InferAttachmentKind(u.Path)
		}
		if !constants.ValidAttachmentKinds[a.Type] {
			return nil, errors.NewValidationError(fmt.Sprintf("attachments[%d].type", i), a.Type, "unsupported attachment type")
		}
		if a.Name == "" {
			a.Name = path.Base(u.Path)
		}
		out = append(out, a)
	}
	return out, nil
}

// InferAttachmentKind maps a file path to an attachment kind
func InferAttachmentKind(p string) string {
	if kind, ok := constants.AttachmentKinds[strings.ToLower(path.Ext(p))]; ok {
		return kind
	}
	return constants.AttachmentFile
}

// ValidateLocation validates coordinates
func ValidateLocation(loc models.Location) error {
	if math.IsNaN(loc.Latitude) || loc.Latitude < -90 || loc.Latitude > 90 {
		return errors.NewValidationError("latitude", fmt.Sprint(loc.Latitude), "must be between -90 and 90")
	}
	if math.IsNaN(loc.Longitude) || loc.Longitude < -180 || loc.Longitude > 180 {
		return errors.NewValidationError("longitude", fmt.Sprint(loc.Longitude), "must be between -180 and 180")
	}
	if loc.Accuracy < 0 {
		return errors.NewValidationError("accuracy", fmt.Sprint(loc.Accuracy), "cannot be negative")
	}
	return nil
}

// ValidateCallType validates a requested call type
func ValidateCallType(callType models.CallType) error {
	switch callType {
	case models.CallAudio, models.CallVideo:
		return nil
	}
	return errors.NewValidationError("call_type", string(callType), "must be audio or video")
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "invalid content length")
	}

	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength))
	}

	if len(value) > maxLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > 3600 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max 3600 seconds)", fieldName))
	}

	return nil
}
