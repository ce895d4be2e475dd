package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"wanderlink/internal/backend"
	"wanderlink/internal/models"
)

// Mock connection cache
type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveConnection(ctx context.Context, ownerID string, conn models.Connection, ttl time.Duration) error {
	args := m.Called(ctx, ownerID, conn, ttl)
	return args.Error(0)
}

func (m *mockStore) ListConnections(ctx context.Context, ownerID string) ([]models.Connection, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Connection), args.Error(1)
}

func (m *mockStore) DeleteConnection(ctx context.Context, ownerID, peerID string) error {
	args := m.Called(ctx, ownerID, peerID)
	return args.Error(0)
}

func (m *mockStore) MarkNeedsSync(ctx context.Context, ownerID, peerID string, needsSync bool) error {
	args := m.Called(ctx, ownerID, peerID, needsSync)
	return args.Error(0)
}

func (m *mockStore) PendingSync(ctx context.Context, ownerID string) ([]models.Connection, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Connection), args.Error(1)
}

func (m *mockStore) SaveLocation(ctx context.Context, loc models.Location, ttl time.Duration) error {
	args := m.Called(ctx, loc, ttl)
	return args.Error(0)
}

func (m *mockStore) GetLocation(ctx context.Context, userID string) (*models.Location, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Location), args.Error(1)
}

func (m *mockStore) PurgeExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// permissiveStore accepts every write so tests only assert what they care about
func permissiveStore() *mockStore {
	m := &mockStore{}
	m.On("SaveConnection", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("DeleteConnection", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("SaveLocation", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

// Mock REST backend
type mockBackend struct {
	mock.Mock
}

var _ backend.Client = (*mockBackend)(nil)

func (m *mockBackend) AcceptConnection(ctx context.Context, req backend.DecisionRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *mockBackend) RejectConnection(ctx context.Context, req backend.DecisionRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *mockBackend) Disconnect(ctx context.Context, userID, peerID string) error {
	args := m.Called(ctx, userID, peerID)
	return args.Error(0)
}

func (m *mockBackend) ListConnections(ctx context.Context, userID string) ([]backend.ConnectionRecord, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]backend.ConnectionRecord), args.Error(1)
}

func (m *mockBackend) UpdateLocation(ctx context.Context, loc models.Location) error {
	args := m.Called(ctx, loc)
	return args.Error(0)
}

func (m *mockBackend) NearbyTravelers(ctx context.Context, userID string) ([]models.Traveler, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Traveler), args.Error(1)
}

// Mock maintenance target for the scheduler
type mockMaintainer struct {
	mock.Mock
}

func (m *mockMaintainer) SweepDedup() int {
	args := m.Called()
	return args.Int(0)
}

func (m *mockMaintainer) PurgeExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockMaintainer) SyncPending(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockMaintainer) Reconcile(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// fakeClock only moves when Advance is called. Timers due at the new time
// fire on the caller's goroutine, earliest first.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, rest []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// pendingTimers counts the armed timers
func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// recorder collects session events and toasts
type recorder struct {
	mu            sync.Mutex
	events        []models.SessionEvent
	notifications []models.Notification
}

func (r *recorder) OnEvent(ev models.SessionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Notify(n models.Notification) {
	r.mu.Lock()
	r.notifications = append(r.notifications, n)
	r.mu.Unlock()
}

func (r *recorder) ofKind(kind models.SessionEventKind) []models.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SessionEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) toasts(level models.NotificationLevel) []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notification
	for _, n := range r.notifications {
		if n.Level == level {
			out = append(out, n)
		}
	}
	return out
}
