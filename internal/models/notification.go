package models

type NotificationLevel string

const (
	NotificationInfo    NotificationLevel = "info"
	NotificationSuccess NotificationLevel = "success"
	NotificationWarning NotificationLevel = "warning"
	NotificationError   NotificationLevel = "error"
)

// Notification is a toast shown to the user
type Notification struct {
	Level   NotificationLevel `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
}

// SessionEventKind names what changed in a session
type SessionEventKind string

const (
	EventStatusChanged   SessionEventKind = "status_changed"
	EventRequestReceived SessionEventKind = "request_received"
	EventKindRoomReady   SessionEventKind = "room_ready"
	EventMessage         SessionEventKind = "message"
	EventTyping          SessionEventKind = "typing"
	EventPresence        SessionEventKind = "presence"
	EventCall            SessionEventKind = "call"
	EventLocation        SessionEventKind = "location"
	EventNotification    SessionEventKind = "notification"
	EventConnection      SessionEventKind = "connection"
)

// SessionEvent is delivered to session listeners
type SessionEvent struct {
	Kind         SessionEventKind   `json:"kind"`
	PeerID       string             `json:"peerId,omitempty"`
	RoomID       string             `json:"roomId,omitempty"`
	Status       ConnectionStatus   `json:"status,omitempty"`
	Typing       bool               `json:"typing,omitempty"`
	Connected    bool               `json:"connected,omitempty"`
	Message      *Message           `json:"message,omitempty"`
	Call         *Call              `json:"call,omitempty"`
	Presence     *Presence          `json:"presence,omitempty"`
	Location     *Location          `json:"location,omitempty"`
	Request      *ConnectionRequest `json:"request,omitempty"`
	Notification *Notification      `json:"notification,omitempty"`
}
