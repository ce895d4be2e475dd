package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/metrics"
	"wanderlink/internal/models"
)

// route picks the handler for an event type
func (s *Session) route(t models.EventType) func(context.Context, models.Envelope) error {
	switch t {
	case models.EventRegister:
		return s.onRegister
	case models.EventConnectionRequest:
		return s.onRequest
	case models.EventConnectionAccepted:
		return s.onAccepted
	case models.EventConnectionRejected:
		return s.onRejected
	case models.EventDisconnectUser:
		return s.onDisconnect
	case models.EventRoomReady:
		return s.onRoomReady
	case models.EventJoinRoom, models.EventLeaveRoom, models.EventMessageAck:
		return s.onRoomMembership
	case models.EventSendMessage:
		return s.onMessage
	case models.EventTypingStart, models.EventTypingStop:
		return s.onTyping
	case models.EventPresenceUpdate:
		return s.onPresence
	case models.EventCallUser:
		return s.onCallUser
	case models.EventCallAccepted, models.EventCallRejected, models.EventCallEnded:
		return s.onCallAnswer
	case models.EventShareLocation:
		return s.onLocation
	}
	return nil
}

// errIgnored marks an event that is valid but not meant for this session
var errIgnored = apperrors.New(apperrors.ErrCodeValidationFailed, "event ignored")

// handle is the realtime.Handler for every topic the session subscribes
func (s *Session) handle(ctx context.Context, env models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventDropped("panic")
			s.logger.WithFields(logrus.Fields{
				LogFieldEvent:      env.Type,
				LogFieldEnvelopeID: env.ID,
				"panic":            r,
			}).Error("Session handler panicked")
		}
	}()

	if err := env.Validate(); err != nil {
		metrics.EventDropped("invalid")
		s.logger.WithError(err).WithField(LogFieldEnvelopeID, env.ID).Debug("Dropping invalid envelope")
		return
	}
	if env.From == s.selfID {
		return
	}
	metrics.EventIn(string(env.Type))

	h := s.route(env.Type)
	if h == nil {
		metrics.EventDropped("unhandled")
		return
	}
	if err := h(ctx, env); err != nil {
		reason := "rejected"
		if err == errIgnored {
			reason = "ignored"
		}
		metrics.EventDropped(reason)
		s.logger.WithFields(logrus.Fields{
			LogFieldEvent:      env.Type,
			LogFieldEnvelopeID: env.ID,
			LogFieldPeerID:     SanitizeUserID(s.logCtx, env.From),
		}).WithError(err).Debug("Inbound event not applied")
	}
}

// senderMismatch rejects payloads claiming to come from someone else
func senderMismatch(env models.Envelope, claimed string) error {
	if claimed != env.From {
		return apperrors.NewValidationError("from", env.From, fmt.Sprintf("%s payload names sender %q", env.Type, claimed))
	}
	return nil
}

// decisionFor checks that a decision payload is between env.From and us
func (s *Session) decisionFor(env models.Envelope) (models.DecisionPayload, error) {
	var p models.DecisionPayload
	if err := env.Decode(&p); err != nil {
		return p, err
	}
	pair := map[string]bool{p.FromUserID: true, p.ToUserID: true}
	if len(pair) != 2 || !pair[env.From] || !pair[s.selfID] {
		return p, errIgnored
	}
	return p, nil
}

func (s *Session) onRegister(ctx context.Context, env models.Envelope) error {
	var p models.RegisterPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if err := senderMismatch(env, p.UserID); err != nil {
		return err
	}
	presence := s.presence.Observe(models.PresencePayload{UserID: p.UserID, Online: true, LastActive: env.Timestamp})
	s.emit(models.SessionEvent{Kind: models.EventPresence, PeerID: p.UserID, Presence: &presence})
	return nil
}

func (s *Session) onRequest(ctx context.Context, env models.Envelope) error {
	var req models.RequestPayload
	if err := env.Decode(&req); err != nil {
		return err
	}
	if err := senderMismatch(env, req.FromUserID); err != nil {
		return err
	}
	if req.ToUserID != s.selfID {
		return errIgnored
	}
	req.RoomID = models.RoomID(req.FromUserID, req.ToUserID)
	req.ID = req.DedupKey()

	if s.requests.Seen(req.ID) {
		metrics.Duplicate("request")
		s.logger.WithField(LogFieldPeerID, SanitizeUserID(s.logCtx, req.FromUserID)).Debug("Suppressed duplicate connection request")
		return nil
	}

	peerID := req.FromUserID
	switch status := s.tracker.Status(peerID); {
	case status.IsTerminal():
		from, conn, _ := s.tracker.Transition(peerID, models.StatusNone, nil)
		s.statusChanged(from, conn)
	case status != models.StatusNone:
		return apperrors.NewTransitionError(peerID, status.String(), models.StatusPending.String())
	}

	from, conn, err := s.tracker.Transition(peerID, models.StatusPending, &req)
	if err != nil {
		return err
	}
	s.presence.Touch(peerID, env.Timestamp)
	s.persist(ctx, conn)
	s.statusChanged(from, conn)
	s.emit(models.SessionEvent{Kind: models.EventRequestReceived, PeerID: peerID, RoomID: conn.RoomID, Status: conn.Status, Request: &req})
	s.info("Connection request", "A traveler wants to connect with you")
	return nil
}

func (s *Session) onAccepted(ctx context.Context, env models.Envelope) error {
	p, err := s.decisionFor(env)
	if err != nil {
		return err
	}
	peerID := env.From
	conn := s.tracker.Get(peerID)
	if conn.Request == nil || conn.Request.FromUserID != s.selfID {
		return errIgnored
	}

	from, conn, err := s.tracker.Transition(peerID, models.StatusConnected, nil)
	if err != nil {
		return err
	}
	s.presence.Touch(peerID, env.Timestamp)
	s.persist(ctx, conn)
	s.statusChanged(from, conn)
	s.info("Connected", "Your connection request was accepted")

	roomID := conn.RoomID
	if p.RoomID != "" {
		roomID = p.RoomID
	}
	return s.joinRoom(ctx, peerID, roomID)
}

func (s *Session) onRejected(ctx context.Context, env models.Envelope) error {
	if _, err := s.decisionFor(env); err != nil {
		return err
	}
	peerID := env.From
	conn := s.tracker.Get(peerID)
	if conn.Request == nil || conn.Request.FromUserID != s.selfID {
		return errIgnored
	}

	from, conn, err := s.tracker.Transition(peerID, models.StatusDeclined, nil)
	if err != nil {
		return err
	}
	s.persist(ctx, conn)
	s.statusChanged(from, conn)
	return nil
}

func (s *Session) onDisconnect(ctx context.Context, env models.Envelope) error {
	if _, err := s.decisionFor(env); err != nil {
		return err
	}
	conn := s.tracker.Get(env.From)
	if conn.Status == models.StatusNone {
		return errIgnored
	}
	s.teardown(ctx, env.From, conn.RoomID)
	s.info("Disconnected", "A traveler ended your connection")
	return nil
}

func (s *Session) onRoomReady(ctx context.Context, env models.Envelope) error {
	conn := s.tracker.Get(env.From)
	if conn.Status != models.StatusConnected {
		return errIgnored
	}
	return s.joinRoom(ctx, env.From, conn.RoomID)
}

// roomPeer returns the connected peer that sent env on its room topic
func (s *Session) roomPeer(env models.Envelope) (models.Connection, error) {
	conn := s.tracker.Get(env.From)
	if conn.Status != models.StatusConnected || (env.RoomID != "" && env.RoomID != conn.RoomID) {
		return conn, errIgnored
	}
	return conn, nil
}

func (s *Session) onRoomMembership(ctx context.Context, env models.Envelope) error {
	if _, err := s.roomPeer(env); err != nil {
		return err
	}
	s.presence.Touch(env.From, env.Timestamp)
	s.logger.WithFields(logrus.Fields{
		LogFieldEvent:  env.Type,
		LogFieldPeerID: SanitizeUserID(s.logCtx, env.From),
	}).Debug("Received room event")
	return nil
}

func (s *Session) onMessage(ctx context.Context, env models.Envelope) error {
	conn, err := s.roomPeer(env)
	if err != nil {
		return err
	}
	var msg models.MessagePayload
	if err := env.Decode(&msg); err != nil {
		return err
	}
	if err := senderMismatch(env, msg.SenderID); err != nil {
		return err
	}
	msg.RoomID = conn.RoomID

	if !s.messages.Append(msg) {
		metrics.Duplicate("message")
		return nil
	}
	s.presence.Touch(env.From, msg.Timestamp)
	s.emit(models.SessionEvent{Kind: models.EventMessage, PeerID: env.From, RoomID: conn.RoomID, Message: &msg})
	return nil
}

func (s *Session) onTyping(ctx context.Context, env models.Envelope) error {
	conn, err := s.roomPeer(env)
	if err != nil {
		return err
	}
	var p models.TypingPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if err := senderMismatch(env, p.UserID); err != nil {
		return err
	}
	s.presence.Touch(env.From, env.Timestamp)
	s.emit(models.SessionEvent{
		Kind:   models.EventTyping,
		PeerID: env.From,
		RoomID: conn.RoomID,
		Typing: env.Type == models.EventTypingStart,
	})
	return nil
}

func (s *Session) onPresence(ctx context.Context, env models.Envelope) error {
	var p models.PresencePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if err := senderMismatch(env, p.UserID); err != nil {
		return err
	}
	presence := s.presence.Observe(p)
	s.emit(models.SessionEvent{Kind: models.EventPresence, PeerID: p.UserID, Presence: &presence})
	return nil
}

func (s *Session) onCallUser(ctx context.Context, env models.Envelope) error {
	conn, err := s.roomPeer(env)
	if err != nil {
		return err
	}
	var call models.CallPayload
	if err := env.Decode(&call); err != nil {
		return err
	}
	if err := senderMismatch(env, call.FromUserID); err != nil {
		return err
	}
	if call.ToUserID != s.selfID {
		return errIgnored
	}
	call.State = models.CallIncoming
	call.RoomID = conn.RoomID
	if err := s.calls.Add(call); err != nil {
		return err
	}
	s.callChanged(call)
	return nil
}

// onCallAnswer applies the peer's accept, reject or hang-up
func (s *Session) onCallAnswer(ctx context.Context, env models.Envelope) error {
	var p models.CallPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	current, ok := s.calls.Get(p.CallID)
	if !ok || current.PeerOf(s.selfID) != env.From {
		return errIgnored
	}

	to := models.CallEnded
	switch env.Type {
	case models.EventCallAccepted:
		if current.State != models.CallRinging {
			return errIgnored
		}
		to = models.CallActive
	case models.EventCallRejected:
		to = models.CallRejected
	}

	call, err := s.calls.Transition(p.CallID, to)
	if err != nil {
		return err
	}
	s.callChanged(call)
	return nil
}

func (s *Session) onLocation(ctx context.Context, env models.Envelope) error {
	conn, err := s.roomPeer(env)
	if err != nil {
		return err
	}
	var loc models.LocationPayload
	if err := env.Decode(&loc); err != nil {
		return err
	}
	if err := senderMismatch(env, loc.UserID); err != nil {
		return err
	}
	s.presence.Touch(env.From, env.Timestamp)
	s.emit(models.SessionEvent{Kind: models.EventLocation, PeerID: env.From, RoomID: conn.RoomID, Location: &loc})
	return nil
}
