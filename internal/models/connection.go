package models

import (
	"fmt"
	"strconv"
	"time"
)

// ConnectionStatus is the lifecycle state of a connection with one peer
type ConnectionStatus string

const (
	StatusNone          ConnectionStatus = "none"
	StatusPending       ConnectionStatus = "pending"
	StatusConnecting    ConnectionStatus = "connecting"
	StatusConnected     ConnectionStatus = "connected"
	StatusDeclined      ConnectionStatus = "declined"
	StatusExpired       ConnectionStatus = "expired"
	StatusDisconnecting ConnectionStatus = "disconnecting"
)

func (s ConnectionStatus) String() string {
	return string(s)
}

// Valid reports whether s is a known status
func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusNone, StatusPending, StatusConnecting, StatusConnected,
		StatusDeclined, StatusExpired, StatusDisconnecting:
		return true
	}
	return false
}

// IsTerminal reports whether a new request must reset the status first
func (s ConnectionStatus) IsTerminal() bool {
	return s == StatusDeclined || s == StatusExpired
}

// ConnectionRequest is an invitation from one traveler to another
type ConnectionRequest struct {
	ID         string    `json:"id"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	RoomID     string    `json:"roomId"`
	TripID     string    `json:"tripId,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DedupKey is the idempotency key of a request
func (r ConnectionRequest) DedupKey() string {
	return RequestKey(r.FromUserID, r.ToUserID, r.RoomID)
}

// RequestKey builds the fromUserId_toUserId_roomId idempotency key
func RequestKey(from, to, room string) string {
	return fmt.Sprintf("%s_%s_%s", from, to, room)
}

// Connection is the cached view of one peer relationship
type Connection struct {
	PeerID    string             `json:"peerId"`
	RoomID    string             `json:"roomId"`
	Status    ConnectionStatus   `json:"status"`
	Request   *ConnectionRequest `json:"request,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`
	NeedsSync bool               `json:"needsSync,omitempty"`
}

// RoomID derives the deterministic two-party room id room_{min}_{max}.
// Numeric ids are ordered numerically, anything else lexically. Distinct ids
// with the same numeric value ("7" and "07") fall back to lexical order so
// the result never depends on argument order.
func RoomID(a, b string) string {
	lo, hi := a, b
	if less(b, a) {
		lo, hi = b, a
	}
	return fmt.Sprintf("room_%s_%s", lo, hi)
}

func less(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil && na != nb {
		return na < nb
	}
	return a < b
}
