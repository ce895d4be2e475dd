package service

import (
	"sort"
	"sync"
	"time"

	"wanderlink/internal/constants"
	"wanderlink/internal/models"
)

// DerivePresence applies the default thresholds: active within 5 minutes is
// online, within 30 minutes away, anything older or unknown offline.
func DerivePresence(lastActive, now time.Time) models.PresenceStatus {
	return derivePresence(lastActive, now,
		constants.DefaultPresenceOnlineSec*time.Second,
		constants.DefaultPresenceAwaySec*time.Second)
}

func derivePresence(lastActive, now time.Time, online, away time.Duration) models.PresenceStatus {
	if lastActive.IsZero() {
		return models.PresenceOffline
	}
	idle := now.Sub(lastActive)
	switch {
	case idle <= online:
		return models.PresenceOnline
	case idle <= away:
		return models.PresenceAway
	default:
		return models.PresenceOffline
	}
}

// ReconcilePresence combines the activity timestamp with the transport
// signal. An explicit transport offline wins. A transport online user is
// online while the timestamp is fresh (or unknown) and away once it goes
// stale. Without a transport signal the timestamp decides alone.
func ReconcilePresence(lastActive time.Time, transportOnline *bool, now time.Time, online, away time.Duration) models.PresenceStatus {
	if transportOnline == nil {
		return derivePresence(lastActive, now, online, away)
	}
	if !*transportOnline {
		return models.PresenceOffline
	}
	if lastActive.IsZero() || derivePresence(lastActive, now, online, away) == models.PresenceOnline {
		return models.PresenceOnline
	}
	return models.PresenceAway
}

type presenceEntry struct {
	lastActive time.Time
	transport  *bool
}

// PresenceBook records both presence signals per user
type PresenceBook struct {
	clock Clock

	mu      sync.RWMutex
	online  time.Duration
	away    time.Duration
	entries map[string]*presenceEntry
}

// NewPresenceBook creates a book using the given thresholds
func NewPresenceBook(clock Clock, online, away time.Duration) *PresenceBook {
	if clock == nil {
		clock = SystemClock
	}
	return &PresenceBook{
		clock:   clock,
		online:  online,
		away:    away,
		entries: make(map[string]*presenceEntry),
	}
}

// SetThresholds replaces the online and away windows
func (b *PresenceBook) SetThresholds(online, away time.Duration) {
	b.mu.Lock()
	b.online, b.away = online, away
	b.mu.Unlock()
}

func (b *PresenceBook) entry(userID string) *presenceEntry {
	e, ok := b.entries[userID]
	if !ok {
		e = &presenceEntry{}
		b.entries[userID] = e
	}
	return e
}

// Touch records activity from userID at at. Older timestamps are ignored.
func (b *PresenceBook) Touch(userID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(userID)
	if at.After(e.lastActive) {
		e.lastActive = at
	}
}

// Observe records a presence announcement carrying both signals
func (b *PresenceBook) Observe(p models.PresencePayload) models.Presence {
	b.mu.Lock()
	e := b.entry(p.UserID)
	online := p.Online
	e.transport = &online
	if p.LastActive.After(e.lastActive) {
		e.lastActive = p.LastActive
	}
	b.mu.Unlock()
	return b.Get(p.UserID)
}

// Forget drops everything known about userID
func (b *PresenceBook) Forget(userID string) {
	b.mu.Lock()
	delete(b.entries, userID)
	b.mu.Unlock()
}

// Get returns the reconciled presence of userID
func (b *PresenceBook) Get(userID string) models.Presence {
	now := b.clock.Now()

	b.mu.RLock()
	defer b.mu.RUnlock()

	p := models.Presence{UserID: userID, Status: models.PresenceOffline}
	e, ok := b.entries[userID]
	if !ok {
		return p
	}
	p.LastActive = e.lastActive
	if e.transport != nil {
		v := *e.transport
		p.TransportOnline = &v
	}
	p.Status = ReconcilePresence(e.lastActive, e.transport, now, b.online, b.away)
	return p
}

// All returns the presence of every known user ordered by id
func (b *PresenceBook) All() []models.Presence {
	b.mu.RLock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	sort.Strings(ids)
	out := make([]models.Presence, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.Get(id))
	}
	return out
}
