package service

import (
	"sort"
	"sync"
	"time"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
)

// allowedTransitions lists every status change except the reset to none,
// which is always permitted.
var allowedTransitions = map[models.ConnectionStatus][]models.ConnectionStatus{
	models.StatusNone:       {models.StatusPending},
	models.StatusPending:    {models.StatusConnecting, models.StatusConnected, models.StatusDeclined, models.StatusExpired},
	models.StatusConnecting: {models.StatusConnected, models.StatusPending},
	models.StatusConnected:  {models.StatusDisconnecting},
}

// CanTransition reports whether from may move to to
func CanTransition(from, to models.ConnectionStatus) bool {
	if to == models.StatusNone {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type trackedConnection struct {
	conn  models.Connection
	timer Timer
	gen   uint64
	// pendingSince starts the expiry window. A rollback from connecting
	// keeps it.
	pendingSince time.Time
}

// lapsedExpiryDelay arms the timer of a pending connection whose window ran
// out while it was connecting.
const lapsedExpiryDelay = time.Millisecond

// ConnectionTracker holds the single active status of every peer.
// Pending connections expire on their own after the expiry window.
type ConnectionTracker struct {
	selfID string
	clock  Clock

	mu       sync.Mutex
	expiry   time.Duration
	entries  map[string]*trackedConnection
	gen      uint64
	onExpire func(models.Connection)
}

// NewConnectionTracker creates a tracker for the session owned by selfID
func NewConnectionTracker(selfID string, clock Clock, expiry time.Duration) *ConnectionTracker {
	if clock == nil {
		clock = SystemClock
	}
	return &ConnectionTracker{
		selfID:  selfID,
		clock:   clock,
		expiry:  expiry,
		entries: make(map[string]*trackedConnection),
	}
}

// OnExpire registers the callback run after a pending connection expires.
// It is called without the tracker lock held.
func (t *ConnectionTracker) OnExpire(fn func(models.Connection)) {
	t.mu.Lock()
	t.onExpire = fn
	t.mu.Unlock()
}

// SetExpiry changes the window applied to requests that become pending later
func (t *ConnectionTracker) SetExpiry(d time.Duration) {
	t.mu.Lock()
	t.expiry = d
	t.mu.Unlock()
}

// Get returns the connection with peerID. Unknown peers are reported with
// status none.
func (t *ConnectionTracker) Get(peerID string) models.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[peerID]; ok {
		return e.conn
	}
	return models.Connection{PeerID: peerID, RoomID: models.RoomID(t.selfID, peerID), Status: models.StatusNone}
}

// Status returns the status of peerID
func (t *ConnectionTracker) Status(peerID string) models.ConnectionStatus {
	return t.Get(peerID).Status
}

// Transition moves peerID to status to and returns the previous status.
// req replaces the stored request when non-nil. An illegal change leaves
// the state untouched and returns an INVALID_TRANSITION error.
func (t *ConnectionTracker) Transition(peerID string, to models.ConnectionStatus, req *models.ConnectionRequest) (models.ConnectionStatus, models.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	from := models.StatusNone
	e, ok := t.entries[peerID]
	if ok {
		from = e.conn.Status
	}

	if !CanTransition(from, to) {
		return from, models.Connection{}, apperrors.NewTransitionError(peerID, from.String(), to.String())
	}

	if ok && e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	if to == models.StatusNone {
		delete(t.entries, peerID)
		return from, models.Connection{PeerID: peerID, RoomID: models.RoomID(t.selfID, peerID), Status: models.StatusNone}, nil
	}

	if !ok {
		e = &trackedConnection{conn: models.Connection{PeerID: peerID, RoomID: models.RoomID(t.selfID, peerID)}}
		t.entries[peerID] = e
	}
	e.conn.Status = to
	e.conn.UpdatedAt = t.clock.Now()
	if req != nil {
		reqCopy := *req
		e.conn.Request = &reqCopy
		if req.RoomID != "" {
			e.conn.RoomID = req.RoomID
		}
	}
	if to == models.StatusPending {
		if from != models.StatusConnecting || e.pendingSince.IsZero() {
			e.pendingSince = e.conn.UpdatedAt
		}
		if t.expiry > 0 {
			remaining := t.expiry - e.conn.UpdatedAt.Sub(e.pendingSince)
			t.armExpiry(peerID, e, max(remaining, lapsedExpiryDelay))
		}
	}
	return from, e.conn, nil
}

// armExpiry starts the pending timer. Caller holds mu.
func (t *ConnectionTracker) armExpiry(peerID string, e *trackedConnection, after time.Duration) {
	if after <= 0 {
		return
	}
	t.gen++
	gen := t.gen
	e.gen = gen
	e.timer = t.clock.AfterFunc(after, func() { t.expire(peerID, gen) })
}

func (t *ConnectionTracker) expire(peerID string, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[peerID]
	if !ok || e.gen != gen || e.conn.Status != models.StatusPending {
		t.mu.Unlock()
		return
	}
	e.timer = nil
	e.conn.Status = models.StatusExpired
	e.conn.UpdatedAt = t.clock.Now()
	conn := e.conn
	cb := t.onExpire
	t.mu.Unlock()

	if cb != nil {
		cb(conn)
	}
}

// SetNeedsSync flags a connection whose server-side copy is stale
func (t *ConnectionTracker) SetNeedsSync(peerID string, needsSync bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[peerID]; ok {
		e.conn.NeedsSync = needsSync
	}
}

// Restore loads a cached connection without transition checks. A pending
// connection keeps the remainder of its expiry window and one whose window
// has already passed comes back expired.
func (t *ConnectionTracker) Restore(conn models.Connection) models.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[conn.PeerID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	if conn.RoomID == "" {
		conn.RoomID = models.RoomID(t.selfID, conn.PeerID)
	}

	e := &trackedConnection{conn: conn}
	t.entries[conn.PeerID] = e

	if conn.Status == models.StatusPending {
		e.pendingSince = conn.UpdatedAt
		remaining := t.expiry - t.clock.Now().Sub(conn.UpdatedAt)
		if remaining <= 0 {
			e.conn.Status = models.StatusExpired
		} else {
			t.armExpiry(conn.PeerID, e, remaining)
		}
	}
	return e.conn
}

// Snapshot returns every tracked connection ordered by peer id
func (t *ConnectionTracker) Snapshot() []models.Connection {
	t.mu.Lock()
	out := make([]models.Connection, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.conn)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// WithStatus returns the connections currently in status s
func (t *ConnectionTracker) WithStatus(s models.ConnectionStatus) []models.Connection {
	var out []models.Connection
	for _, c := range t.Snapshot() {
		if c.Status == s {
			out = append(out, c)
		}
	}
	return out
}

// Counts returns the number of connected peers and of pending requests
func (t *ConnectionTracker) Counts() (connected, pending int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		switch e.conn.Status {
		case models.StatusConnected:
			connected++
		case models.StatusPending:
			pending++
		}
	}
	return connected, pending
}

// Stop cancels every expiry timer
func (t *ConnectionTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}
