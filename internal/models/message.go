package models

import (
	"time"
)

// Attachment is a file reference carried by a chat message
type Attachment struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	SizeBytes int64  `json:"size,omitempty"`
}

// Message is one chat message inside a room
type Message struct {
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	SenderID    string       `json:"senderId"`
	SenderName  string       `json:"senderName,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	RoomID      string       `json:"roomId"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// CallType distinguishes audio from video calls
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// CallState is the signaling state of a call. No media is carried.
type CallState string

const (
	CallRinging  CallState = "ringing"
	CallIncoming CallState = "incoming"
	CallActive   CallState = "active"
	CallRejected CallState = "rejected"
	CallEnded    CallState = "ended"
)

// Call tracks one call placeholder between two travelers
type Call struct {
	CallID     string    `json:"callId"`
	CallType   CallType  `json:"callType"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	RoomID     string    `json:"roomId"`
	State      CallState `json:"state"`
	StartedAt  time.Time `json:"startedAt"`
}

// PeerOf returns the other participant from the point of view of userID
func (c Call) PeerOf(userID string) string {
	if c.FromUserID == userID {
		return c.ToUserID
	}
	return c.FromUserID
}
