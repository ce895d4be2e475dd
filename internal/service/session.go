package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"wanderlink/internal/backend"
	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/metrics"
	"wanderlink/internal/models"
	"wanderlink/internal/retry"
	"wanderlink/internal/tracing"
	"wanderlink/pkg/realtime"
)

// SessionDeps wires a Session. Backend, Store, Listener, Notifier and Clock
// are optional.
type SessionDeps struct {
	Transport realtime.Transport
	Backend   backend.Client
	Store     Store
	Config    *models.Config
	Logger    *logrus.Logger
	Listener  Listener
	Notifier  Notifier
	Clock     Clock
	Verbose   bool
}

// Session is one traveler's real-time session: the connection lifecycle
// with every peer, the rooms that follow from accepted requests, presence,
// call signaling and location sharing.
//
// Session never holds its own lock while talking to the transport. The
// in-memory transport delivers on the publisher's goroutine, so a publish
// can re-enter another session's handlers synchronously.
type Session struct {
	selfID   string
	selfName string

	transport realtime.Transport
	backend   backend.Client
	store     Store
	cfg       models.Config
	logger    *logrus.Logger
	errLogger *apperrors.Logger
	listener  Listener
	notifier  Notifier
	clock     Clock
	logCtx    context.Context

	tracker  *ConnectionTracker
	requests *DedupCache
	messages *MessageLog
	presence *PresenceBook
	calls    *CallRegistry

	mu         sync.Mutex
	running    bool
	timing     models.TimingConfig
	subs       []realtime.Subscription
	rooms      map[string]realtime.Subscription
	typing     map[string]*rate.Limiter
	lastActive time.Time
	location   *models.Location
	stopCh     chan struct{}
	resetCh    chan time.Duration
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewSession builds a session for cfg.User
func NewSession(deps SessionDeps) *Session {
	cfg := models.Config{}
	if deps.Config != nil {
		cfg = *deps.Config
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock
	}
	be := deps.Backend
	if be == nil {
		be = backend.NoopClient{}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	listener := deps.Listener
	if listener == nil {
		listener = LogListener{Logger: logger, Verbose: deps.Verbose}
	}

	t := cfg.Timing
	s := &Session{
		selfID:    cfg.User.ID,
		selfName:  cfg.User.Name,
		transport: deps.Transport,
		backend:   be,
		store:     deps.Store,
		cfg:       cfg,
		logger:    logger,
		errLogger: apperrors.FromLogrus(logger),
		listener:  listener,
		notifier:  notifier,
		clock:     clock,
		logCtx:    WithVerbose(context.Background(), deps.Verbose),
		tracker:   NewConnectionTracker(cfg.User.ID, clock, t.RequestExpiry()),
		requests:  NewDedupCache(clock, t.RequestDedupWindow()),
		messages:  NewMessageLog(t.MaxMessagesPerRoom, t.MessageDedupWindow()),
		presence:  NewPresenceBook(clock, t.PresenceOnlineWindow(), t.PresenceAwayWindow()),
		calls:     NewCallRegistry(cfg.User.ID),
		timing:    t,
		rooms:     make(map[string]realtime.Subscription),
		typing:    make(map[string]*rate.Limiter),
	}
	s.tracker.OnExpire(s.requestExpired)
	return s
}

// SelfID returns the id of the traveler running the session
func (s *Session) SelfID() string {
	return s.selfID
}

// Running reports whether Start has completed and Stop has not been called
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start connects the transport, subscribes the inbox and presence topics,
// announces the user, restores cached connections and starts the heartbeat.
// Calling Start on a running session does nothing.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.resetCh = make(chan time.Duration, 1)
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.lastActive = s.clock.Now()
	s.mu.Unlock()

	if err := s.start(ctx, runCtx); err != nil {
		cancel()
		s.mu.Lock()
		s.running = false
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()
		for _, sub := range subs {
			_ = sub.Unsubscribe(ctx)
		}
		return s.fail(err, "start session")
	}
	return nil
}

func (s *Session) start(ctx, runCtx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "session.start",
		attribute.String("transport", s.transport.Name()))

	if err := s.connect(ctx); err != nil {
		tracing.EndSpan(span, err)
		return err
	}
	if notifier, ok := s.transport.(realtime.StateNotifier); ok {
		notifier.OnStateChange(func(connected bool, err error) {
			s.transportStateChanged(runCtx, connected, err)
		})
	}

	for _, topic := range []string{models.UserTopic(s.selfID), models.PresenceTopic} {
		sub, err := s.transport.Subscribe(ctx, topic, s.handle)
		if err != nil {
			tracing.EndSpan(span, err)
			return apperrors.Classify(err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}

	if err := s.announce(ctx); err != nil {
		s.errLogger.LogWarn(err, "Failed to announce session")
	}

	s.restore(ctx)
	if s.timing.ReconcileOnStartup {
		if err := s.Reconcile(ctx); err != nil {
			s.errLogger.LogWarn(err, "Startup reconciliation failed")
		}
	}

	interval := s.currentTiming().HeartbeatInterval()
	s.spawn(runCtx, func() { s.heartbeatLoop(interval) })

	s.logger.WithFields(logrus.Fields{
		LogFieldUserID:    SanitizeUserID(s.logCtx, s.selfID),
		LogFieldTransport: s.transport.Name(),
	}).Info("Session started")
	tracing.EndSpan(span, nil)
	return nil
}

// connect dials the transport with exponential backoff. Critical errors,
// such as a rejected token, stop the retries at once.
func (s *Session) connect(ctx context.Context) error {
	backoff := retry.NewBackoff(retry.FromConfig(s.cfg.Retry)).OnRetry(func(attempt int, delay time.Duration, err error) {
		s.logger.WithFields(logrus.Fields{
			LogFieldTransport: s.transport.Name(),
			LogFieldAttempt:   attempt,
			"delay_ms":        delay.Milliseconds(),
			"error":           err.Error(),
		}).Warn("Retrying transport connect")
	})

	err := backoff.RetryWithPredicate(ctx, func(ctx context.Context) error {
		if err := s.transport.Connect(ctx); err != nil {
			return apperrors.Classify(err)
		}
		return nil
	}, func(err error) bool {
		return !apperrors.IsCritical(err)
	})
	if err != nil {
		metrics.TransportState(s.transport.Name(), false)
		return err
	}
	metrics.TransportState(s.transport.Name(), true)
	return nil
}

func (s *Session) transportStateChanged(runCtx context.Context, connected bool, err error) {
	metrics.TransportState(s.transport.Name(), connected)
	if connected || !s.Running() {
		return
	}

	fields := logrus.Fields{LogFieldTransport: s.transport.Name()}
	if err == nil {
		s.logger.WithFields(fields).Warn("Transport disconnected")
		err = apperrors.NewTransportNotConnectedError(s.transport.Name())
	} else {
		s.errLogger.LogWarn(err, "Transport connection lost", fields)
	}
	s.notify(err)

	if apperrors.IsCritical(err) {
		return
	}

	s.spawn(runCtx, func() {
		if err := s.connect(runCtx); err != nil {
			if runCtx.Err() == nil {
				_ = s.fail(err, "reconnect transport")
			}
			return
		}
		if err := s.announce(runCtx); err != nil {
			s.errLogger.LogWarn(err, "Failed to announce session after reconnect")
		}
		s.logger.WithFields(fields).Info("Transport reconnected")
	})
}

// spawn runs fn on a goroutine tracked by wg. The running check and the Add
// happen under mu, so once Stop has flipped running no new goroutine can
// join the group it waits on. Goroutines of a previous run are refused too.
func (s *Session) spawn(runCtx context.Context, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || runCtx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop publishes offline presence, leaves every room, cancels timers and
// disconnects the transport. Calling Stop on a stopped session does nothing.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.cancel()
	subs := s.subs
	s.subs = nil
	rooms := s.rooms
	s.rooms = make(map[string]realtime.Subscription)
	s.mu.Unlock()

	if err := s.publishPresence(ctx, false); err != nil {
		s.errLogger.LogWarn(err, "Failed to publish offline presence")
	}

	for roomID, sub := range rooms {
		if err := sub.Unsubscribe(ctx); err != nil {
			s.errLogger.LogWarn(err, "Failed to unsubscribe room", logrus.Fields{LogFieldRoomID: SanitizeRoomID(s.logCtx, roomID)})
		}
		s.publishRoomEvent(ctx, models.EventLeaveRoom, roomID)
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(ctx); err != nil {
			s.errLogger.LogWarn(err, "Failed to unsubscribe", logrus.Fields{LogFieldTopic: sub.Topic()})
		}
	}

	s.tracker.Stop()

	var err error
	if derr := s.transport.Disconnect(ctx); derr != nil {
		err = apperrors.Classify(derr)
		s.errLogger.LogWarn(err, "Failed to disconnect transport")
	}
	s.wg.Wait()
	metrics.TransportState(s.transport.Name(), false)

	s.logger.WithField(LogFieldUserID, SanitizeUserID(s.logCtx, s.selfID)).Info("Session stopped")
	return err
}

// ApplyTiming swaps in reloaded timing values. Windows already running,
// such as an armed expiry timer, keep their original length.
func (s *Session) ApplyTiming(t models.TimingConfig) {
	s.mu.Lock()
	old := s.timing
	s.timing = t
	if t.TypingInterval() != old.TypingInterval() {
		s.typing = make(map[string]*rate.Limiter)
	}
	resetCh := s.resetCh
	s.mu.Unlock()

	s.requests.SetTTL(t.RequestDedupWindow())
	s.messages.SetWindow(t.MessageDedupWindow())
	s.tracker.SetExpiry(t.RequestExpiry())
	s.presence.SetThresholds(t.PresenceOnlineWindow(), t.PresenceAwayWindow())

	if resetCh != nil && t.HeartbeatInterval() != old.HeartbeatInterval() {
		select {
		case resetCh <- t.HeartbeatInterval():
		default:
		}
	}
}

func (s *Session) currentTiming() models.TimingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timing
}

func (s *Session) heartbeatLoop(interval time.Duration) {
	s.mu.Lock()
	stopCh, resetCh := s.stopCh, s.resetCh
	s.mu.Unlock()

	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case d := <-resetCh:
			if d > 0 {
				ticker.Reset(d)
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.currentTiming().AckTimeout())
			if err := s.publishPresence(ctx, true); err != nil {
				s.logger.WithError(err).Debug("Heartbeat publish failed")
			}
			cancel()
			s.updateGauges()
		}
	}
}

// touch records local user activity for the heartbeat
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.clock.Now()
	s.mu.Unlock()
}

func (s *Session) announce(ctx context.Context) error {
	env, err := models.NewEnvelope(models.EventRegister, s.selfID, "", "", models.RegisterPayload{
		UserID: s.selfID,
		Name:   s.selfName,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode register")
	}
	return s.publish(ctx, models.PresenceTopic, env, false)
}

func (s *Session) publishPresence(ctx context.Context, online bool) error {
	s.mu.Lock()
	lastActive := s.lastActive
	s.mu.Unlock()

	env, err := models.NewEnvelope(models.EventPresenceUpdate, s.selfID, "", "", models.PresencePayload{
		UserID:     s.selfID,
		Online:     online,
		LastActive: lastActive,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode presence")
	}
	return s.publish(ctx, models.PresenceTopic, env, false)
}

// publish sends env on topic. With withAck set and an ack-capable
// transport it waits for the relay's ack, bounded by the ack timeout.
func (s *Session) publish(ctx context.Context, topic string, env models.Envelope, withAck bool) error {
	start := time.Now()

	var err error
	if ap, ok := s.transport.(realtime.AckPublisher); ok && withAck {
		timeout := s.currentTiming().AckTimeout()
		ackCtx, cancel := context.WithTimeout(ctx, timeout)
		err = ap.PublishWithAck(ackCtx, topic, env)
		timedOut := ackCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()
		if err != nil && timedOut {
			err = apperrors.NewTimeoutError("publish "+string(env.Type), timeout)
		}
	} else {
		err = s.transport.Publish(ctx, topic, env)
	}

	if err != nil {
		metrics.PublishFailed(string(env.Type))
		return apperrors.Classify(err)
	}
	metrics.EventOut(string(env.Type), time.Since(start))
	return nil
}

// send builds and publishes an envelope addressed to peerID's inbox
func (s *Session) send(ctx context.Context, eventType models.EventType, peerID, roomID string, payload interface{}) error {
	env, err := models.NewEnvelope(eventType, s.selfID, peerID, roomID, payload)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode event")
	}
	return s.publish(ctx, models.UserTopic(peerID), env, false)
}

func (s *Session) publishRoomEvent(ctx context.Context, eventType models.EventType, roomID string) {
	env, err := models.NewEnvelope(eventType, s.selfID, "", roomID, nil)
	if err != nil {
		return
	}
	if err := s.publish(ctx, models.RoomTopic(roomID), env, false); err != nil {
		s.logger.WithFields(logrus.Fields{
			LogFieldEvent:  eventType,
			LogFieldRoomID: SanitizeRoomID(s.logCtx, roomID),
		}).WithError(err).Debug("Failed to publish room event")
	}
}

// joinRoom subscribes the room topic once and announces the join
func (s *Session) joinRoom(ctx context.Context, peerID, roomID string) error {
	s.mu.Lock()
	_, joined := s.rooms[roomID]
	s.mu.Unlock()
	if joined {
		return nil
	}

	sub, err := s.transport.Subscribe(ctx, models.RoomTopic(roomID), s.handle)
	if err != nil {
		return apperrors.Classify(err)
	}

	s.mu.Lock()
	if _, raced := s.rooms[roomID]; raced || !s.running {
		s.mu.Unlock()
		_ = sub.Unsubscribe(ctx)
		return nil
	}
	s.rooms[roomID] = sub
	s.mu.Unlock()

	s.publishRoomEvent(ctx, models.EventJoinRoom, roomID)
	s.emit(models.SessionEvent{Kind: models.EventKindRoomReady, PeerID: peerID, RoomID: roomID})

	s.logger.WithFields(logrus.Fields{
		LogFieldPeerID: SanitizeUserID(s.logCtx, peerID),
		LogFieldRoomID: SanitizeRoomID(s.logCtx, roomID),
	}).Info("Joined room")
	return nil
}

func (s *Session) leaveRoom(ctx context.Context, roomID string) {
	s.mu.Lock()
	sub, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	delete(s.typing, roomID)
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := sub.Unsubscribe(ctx); err != nil {
		s.errLogger.LogWarn(err, "Failed to unsubscribe room", logrus.Fields{LogFieldRoomID: SanitizeRoomID(s.logCtx, roomID)})
	}
	s.publishRoomEvent(ctx, models.EventLeaveRoom, roomID)
}

// Joined reports whether the session is subscribed to roomID
func (s *Session) Joined(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Session) typingLimiter(roomID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.typing[roomID]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.timing.TypingInterval()), 1)
		s.typing[roomID] = l
	}
	return l
}

func (s *Session) cacheTTL() time.Duration {
	return s.currentTiming().CacheTTL(s.cfg.Transport)
}

// persist writes conn to the cache. Cache failures are logged only.
func (s *Session) persist(ctx context.Context, conn models.Connection) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveConnection(ctx, s.selfID, conn, s.cacheTTL()); err != nil {
		s.errLogger.LogWarn(err, "Failed to cache connection", logrus.Fields{LogFieldPeerID: SanitizeUserID(s.logCtx, conn.PeerID)})
	}
}

func (s *Session) forget(ctx context.Context, peerID string) {
	if s.store == nil {
		return
	}
	if err := s.store.DeleteConnection(ctx, s.selfID, peerID); err != nil {
		s.errLogger.LogWarn(err, "Failed to drop cached connection", logrus.Fields{LogFieldPeerID: SanitizeUserID(s.logCtx, peerID)})
	}
}

// restore loads cached connections. Connected peers rejoin their rooms;
// entries past their TTL never come back from the store.
func (s *Session) restore(ctx context.Context) {
	if s.store == nil {
		return
	}
	conns, err := s.store.ListConnections(ctx, s.selfID)
	if err != nil {
		s.errLogger.LogWarn(err, "Failed to restore cached connections")
		return
	}

	for _, conn := range conns {
		restored := s.tracker.Restore(conn)
		if restored.Status != conn.Status {
			s.persist(ctx, restored)
		}
		if restored.Status == models.StatusConnected {
			if err := s.joinRoom(ctx, restored.PeerID, restored.RoomID); err != nil {
				s.errLogger.LogWarn(err, "Failed to rejoin room", logrus.Fields{LogFieldRoomID: SanitizeRoomID(s.logCtx, restored.RoomID)})
			}
		}
		s.emit(models.SessionEvent{Kind: models.EventConnection, PeerID: restored.PeerID, RoomID: restored.RoomID, Status: restored.Status})
	}

	if len(conns) > 0 {
		s.logger.WithField(LogFieldCount, len(conns)).Info("Restored cached connections")
	}
	s.updateGauges()
}

// statusChanged reports a transition to listeners and metrics
func (s *Session) statusChanged(from models.ConnectionStatus, conn models.Connection) {
	metrics.Transition(from.String(), conn.Status.String())
	s.logger.WithFields(logrus.Fields{
		LogFieldPeerID:     SanitizeUserID(s.logCtx, conn.PeerID),
		LogFieldFromStatus: from,
		LogFieldStatus:     conn.Status,
	}).Info("Connection status changed")
	s.emit(models.SessionEvent{
		Kind:   models.EventStatusChanged,
		PeerID: conn.PeerID,
		RoomID: conn.RoomID,
		Status: conn.Status,
	})
	s.updateGauges()
}

func (s *Session) requestExpired(conn models.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), s.currentTiming().AckTimeout())
	defer cancel()
	s.persist(ctx, conn)
	s.statusChanged(models.StatusPending, conn)
}

func (s *Session) updateGauges() {
	connected, pending := s.tracker.Counts()
	metrics.SessionGauges(connected, pending, s.calls.Len())
}

func (s *Session) emit(ev models.SessionEvent) {
	s.listener.OnEvent(ev)
}

// notify shows the toast for err
func (s *Session) notify(err error) {
	n := apperrors.Notification(err)
	s.notifier.Notify(n)
	s.emit(models.SessionEvent{Kind: models.EventNotification, Notification: &n})
}

// fail logs err, shows its toast and returns it
func (s *Session) fail(err error, operation string) error {
	if err == nil {
		return nil
	}
	s.errLogger.LogError(err, "Failed to "+operation)
	s.notify(err)
	return err
}

func (s *Session) info(title, message string) {
	n := models.Notification{Level: models.NotificationInfo, Title: title, Message: message}
	s.notifier.Notify(n)
	s.emit(models.SessionEvent{Kind: models.EventNotification, Notification: &n})
}

// Queries

// Status returns the connection status with peerID
func (s *Session) Status(peerID string) models.ConnectionStatus {
	return s.tracker.Status(peerID)
}

// Connection returns the tracked connection with peerID
func (s *Session) Connection(peerID string) models.Connection {
	return s.tracker.Get(peerID)
}

// Connections returns every tracked connection
func (s *Session) Connections() []models.Connection {
	return s.tracker.Snapshot()
}

// PendingRequests returns the requests from other travelers awaiting a decision
func (s *Session) PendingRequests() []models.ConnectionRequest {
	var out []models.ConnectionRequest
	for _, c := range s.tracker.WithStatus(models.StatusPending) {
		if c.Request != nil && c.Request.FromUserID != s.selfID {
			out = append(out, *c.Request)
		}
	}
	return out
}

// History returns the newest limit messages exchanged with peerID
func (s *Session) History(peerID string, limit int) []models.Message {
	return s.messages.History(models.RoomID(s.selfID, peerID), limit)
}

// Presence returns the reconciled presence of userID
func (s *Session) Presence(userID string) models.Presence {
	return s.presence.Get(userID)
}

// ActiveCalls returns the calls not yet ended
func (s *Session) ActiveCalls() []models.Call {
	return s.calls.Active()
}
