package privacy

import (
	"fmt"
	"strings"
)

// MaskUserID masks a user identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	return maskString(userID, 4)
}

// MaskRoomID masks both participants of a room id
// Example: "room_1234_98765" -> "room_****_*8765"
func MaskRoomID(roomID string) string {
	if roomID == "" {
		return ""
	}
	parts := strings.Split(roomID, "_")
	if len(parts) != 3 || parts[0] != "room" {
		return maskString(roomID, 4)
	}
	return fmt.Sprintf("room_%s_%s", MaskUserID(parts[1]), MaskUserID(parts[2]))
}

// MaskText keeps only the length of free text such as message bodies
// Example: "see you in Lisbon" -> "[17 chars]"
func MaskText(text string) string {
	if text == "" {
		return ""
	}
	return fmt.Sprintf("[%d chars]", len([]rune(text)))
}

// MaskCoordinate rounds a coordinate to roughly 11 km
func MaskCoordinate(v float64) string {
	return fmt.Sprintf("%.1f", v)
}

// MaskToken shows only the first characters of a bearer token
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", 8)
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, isString := v.(string)
		if !isString {
			masked[k] = v
			continue
		}
		switch k {
		case "user_id", "userId", "peer_id", "peerId", "from", "to", "from_user_id", "to_user_id":
			masked[k] = MaskUserID(s)
		case "room_id", "roomId", "room":
			masked[k] = MaskRoomID(s)
		case "text", "message", "body":
			masked[k] = MaskText(s)
		case "token", "authorization":
			masked[k] = MaskToken(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
