package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags the payload carried by an Envelope
type EventType string

const (
	EventRegister           EventType = "register"
	EventConnectionRequest  EventType = "send-connection-request"
	EventConnectionAccepted EventType = "accept-connection-request"
	EventConnectionRejected EventType = "reject-connection-request"
	EventDisconnectUser     EventType = "disconnect-user"
	EventRoomReady          EventType = "room-ready"
	EventJoinRoom           EventType = "join_room"
	EventLeaveRoom          EventType = "leave_room"
	EventSendMessage        EventType = "send_message"
	EventMessageAck         EventType = "message_ack"
	EventTypingStart        EventType = "typing"
	EventTypingStop         EventType = "stop_typing"
	EventPresenceUpdate     EventType = "presence"
	EventCallUser           EventType = "call-user"
	EventCallAccepted       EventType = "call-accepted"
	EventCallRejected       EventType = "call-rejected"
	EventCallEnded          EventType = "call-ended"
	EventShareLocation      EventType = "share-location"
)

var knownEvents = map[EventType]struct{}{
	EventRegister: {}, EventConnectionRequest: {}, EventConnectionAccepted: {},
	EventConnectionRejected: {}, EventDisconnectUser: {}, EventRoomReady: {},
	EventJoinRoom: {}, EventLeaveRoom: {}, EventSendMessage: {}, EventMessageAck: {},
	EventTypingStart: {}, EventTypingStop: {}, EventPresenceUpdate: {},
	EventCallUser: {}, EventCallAccepted: {}, EventCallRejected: {}, EventCallEnded: {},
	EventShareLocation: {},
}

// Known reports whether t is an event this client understands
func (t EventType) Known() bool {
	_, ok := knownEvents[t]
	return ok
}

const (
	PresenceTopic = "presence"
	userPrefix    = "user:"
	roomPrefix    = "room:"
)

// UserTopic is the inbox of a single user
func UserTopic(userID string) string {
	return userPrefix + userID
}

// RoomTopic carries the traffic of one chat room
func RoomTopic(roomID string) string {
	return roomPrefix + roomID
}

// Envelope is the single wire frame exchanged over every transport
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id. A nil payload is omitted.
func NewEnvelope(eventType EventType, from, to, roomID string, payload interface{}) (Envelope, error) {
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		From:      from,
		To:        to,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into dst
func (e Envelope) Decode(dst interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Validate checks the envelope header
func (e Envelope) Validate() error {
	if !e.Type.Known() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.From == "" {
		return fmt.Errorf("%s envelope has no sender", e.Type)
	}
	return nil
}

// RegisterPayload announces a user on connect
type RegisterPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

// DecisionPayload answers a connection request or ends a connection
type DecisionPayload struct {
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	RoomID     string `json:"roomId"`
	Reason     string `json:"reason,omitempty"`
}

// TypingPayload carries typing indicators
type TypingPayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// PresencePayload is a presence heartbeat
type PresencePayload struct {
	UserID     string    `json:"userId"`
	Online     bool      `json:"online"`
	LastActive time.Time `json:"lastActive"`
}

// AckPayload acknowledges a published envelope
type AckPayload struct {
	EnvelopeID string `json:"envelopeId"`
}

// Payloads that reuse the domain types directly.
type (
	RequestPayload  = ConnectionRequest
	MessagePayload  = Message
	CallPayload     = Call
	LocationPayload = Location
)
