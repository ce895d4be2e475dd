package models

import "time"

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is the derived availability of a user.
// TransportOnline is nil when no transport signal has been seen.
type Presence struct {
	UserID          string         `json:"userId"`
	Status          PresenceStatus `json:"status"`
	LastActive      time.Time      `json:"lastActive"`
	TransportOnline *bool          `json:"transportOnline,omitempty"`
}

// Location is a traveler's last reported position
type Location struct {
	UserID    string    `json:"userId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Traveler is a nearby user as returned by the backend
type Traveler struct {
	UserID     string   `json:"userId"`
	Name       string   `json:"name"`
	Location   Location `json:"location"`
	DistanceKm float64  `json:"distanceKm,omitempty"`
}
