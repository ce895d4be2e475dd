package service

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"wanderlink/internal/backend"
	"wanderlink/internal/constants"
	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
	"wanderlink/internal/tracing"
	"wanderlink/internal/validation"
)

// SendConnectionRequest invites toUserID to connect. A previous declined or
// expired request with the same peer is reset first.
func (s *Session) SendConnectionRequest(ctx context.Context, toUserID, tripID, message string) (req models.ConnectionRequest, err error) {
	ctx, span := tracing.StartSpan(ctx, "session.send_request", attribute.String("event", string(models.EventConnectionRequest)))
	defer func() { tracing.EndSpan(span, err) }()

	if err := validation.ValidateRoomParticipants(s.selfID, toUserID); err != nil {
		return req, s.fail(err, "send connection request")
	}
	if message != "" {
		if err := validation.ValidateStringLength(message, "message", 1, constants.DefaultMessageTextLimit); err != nil {
			return req, s.fail(err, "send connection request")
		}
	}

	if s.tracker.Status(toUserID).IsTerminal() {
		from, conn, _ := s.tracker.Transition(toUserID, models.StatusNone, nil)
		s.statusChanged(from, conn)
	}

	roomID := models.RoomID(s.selfID, toUserID)
	req = models.ConnectionRequest{
		ID:         models.RequestKey(s.selfID, toUserID, roomID),
		FromUserID: s.selfID,
		ToUserID:   toUserID,
		RoomID:     roomID,
		TripID:     tripID,
		Message:    message,
		Timestamp:  s.clock.Now().UTC(),
	}

	from, conn, err := s.tracker.Transition(toUserID, models.StatusPending, &req)
	if err != nil {
		return req, s.fail(err, "send connection request")
	}

	if err := s.send(ctx, models.EventConnectionRequest, toUserID, roomID, req); err != nil {
		_, _, _ = s.tracker.Transition(toUserID, models.StatusNone, nil)
		return req, s.fail(err, "send connection request")
	}

	s.touch()
	s.persist(ctx, conn)
	s.statusChanged(from, conn)
	return req, nil
}

// inboundPending returns the pending request fromUserID sent to us
func (s *Session) inboundPending(fromUserID string) (models.Connection, error) {
	conn := s.tracker.Get(fromUserID)
	if conn.Status != models.StatusPending || conn.Request == nil || conn.Request.FromUserID != fromUserID {
		return conn, apperrors.New(apperrors.ErrCodeInvalidTransition, "no pending request from this traveler").
			WithContext("peer_id", fromUserID).
			WithContext("status", conn.Status.String()).
			WithUserMessage("This request is no longer available")
	}
	return conn, nil
}

func (s *Session) decision(conn models.Connection) backend.DecisionRequest {
	d := backend.DecisionRequest{
		FromUserID: conn.PeerID,
		ToUserID:   s.selfID,
		RoomID:     conn.RoomID,
	}
	if conn.Request != nil {
		d.TripID = conn.Request.TripID
	}
	return d
}

// AcceptConnection accepts the pending request from fromUserID. The
// acceptance is published and persisted on the backend in parallel. A
// failed publish rolls the status back to pending and is returned. A
// failed backend call only flags the connection for reconciliation.
func (s *Session) AcceptConnection(ctx context.Context, fromUserID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "session.accept", attribute.String("event", string(models.EventConnectionAccepted)))
	defer func() { tracing.EndSpan(span, err) }()

	conn, err := s.inboundPending(fromUserID)
	if err != nil {
		return s.fail(err, "accept connection")
	}
	if _, _, err := s.tracker.Transition(fromUserID, models.StatusConnecting, nil); err != nil {
		return s.fail(err, "accept connection")
	}

	payload := models.DecisionPayload{FromUserID: fromUserID, ToUserID: s.selfID, RoomID: conn.RoomID}
	decision := s.decision(conn)

	var (
		wg         sync.WaitGroup
		publishErr error
		backendErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		publishErr = s.send(ctx, models.EventConnectionAccepted, fromUserID, conn.RoomID, payload)
	}()
	go func() {
		defer wg.Done()
		backendErr = s.backend.AcceptConnection(ctx, decision)
	}()
	wg.Wait()

	if publishErr != nil {
		if _, _, rbErr := s.tracker.Transition(fromUserID, models.StatusPending, nil); rbErr != nil {
			s.errLogger.LogWarn(rbErr, "Failed to roll back accepted connection")
		}
		return s.fail(publishErr, "accept connection")
	}

	from, conn, err := s.tracker.Transition(fromUserID, models.StatusConnected, nil)
	if err != nil {
		return s.fail(err, "accept connection")
	}
	if backendErr != nil {
		s.errLogger.LogWarn(backendErr, "Backend did not record accepted connection, will retry",
			logrus.Fields{LogFieldPeerID: SanitizeUserID(s.logCtx, fromUserID), LogFieldEndpoint: backend.EndpointAccept})
		s.tracker.SetNeedsSync(fromUserID, true)
		conn.NeedsSync = true
	}

	s.touch()
	s.persist(ctx, conn)
	s.statusChanged(from, conn)

	if err := s.joinRoom(ctx, fromUserID, conn.RoomID); err != nil {
		s.errLogger.LogWarn(err, "Failed to join room after accept")
	}
	if err := s.send(ctx, models.EventRoomReady, fromUserID, conn.RoomID, payload); err != nil {
		s.logger.WithError(err).Debug("Failed to publish room-ready")
	}
	return nil
}

// RejectConnection declines the pending request from fromUserID. The
// status only changes once the rejection has been published.
func (s *Session) RejectConnection(ctx context.Context, fromUserID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "session.reject", attribute.String("event", string(models.EventConnectionRejected)))
	defer func() { tracing.EndSpan(span, err) }()

	conn, err := s.inboundPending(fromUserID)
	if err != nil {
		return s.fail(err, "reject connection")
	}

	payload := models.DecisionPayload{FromUserID: fromUserID, ToUserID: s.selfID, RoomID: conn.RoomID}
	if err := s.send(ctx, models.EventConnectionRejected, fromUserID, conn.RoomID, payload); err != nil {
		return s.fail(err, "reject connection")
	}

	from, declined, err := s.tracker.Transition(fromUserID, models.StatusDeclined, nil)
	if err != nil {
		return s.fail(err, "reject connection")
	}
	if err := s.backend.RejectConnection(ctx, s.decision(conn)); err != nil {
		s.errLogger.LogWarn(err, "Backend did not record rejected connection",
			logrus.Fields{LogFieldPeerID: SanitizeUserID(s.logCtx, fromUserID), LogFieldEndpoint: backend.EndpointReject})
	}

	s.touch()
	s.persist(ctx, declined)
	s.statusChanged(from, declined)
	return nil
}

// DisconnectPeer ends the connection with peerID. Local teardown always
// completes; publish and backend failures are logged and shown as a toast.
func (s *Session) DisconnectPeer(ctx context.Context, peerID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "session.disconnect", attribute.String("event", string(models.EventDisconnectUser)))
	defer func() { tracing.EndSpan(span, err) }()

	conn := s.tracker.Get(peerID)
	if conn.Status != models.StatusConnected {
		return s.fail(apperrors.NewNotConnectedError(peerID), "disconnect")
	}
	from, conn, err := s.tracker.Transition(peerID, models.StatusDisconnecting, nil)
	if err != nil {
		return s.fail(err, "disconnect")
	}
	s.statusChanged(from, conn)

	payload := models.DecisionPayload{FromUserID: s.selfID, ToUserID: peerID, RoomID: conn.RoomID}
	if err := s.send(ctx, models.EventDisconnectUser, peerID, conn.RoomID, payload); err != nil {
		s.errLogger.LogWarn(err, "Failed to notify peer of disconnect")
		s.notify(err)
	}
	if err := s.backend.Disconnect(ctx, s.selfID, peerID); err != nil {
		s.errLogger.LogWarn(err, "Backend did not record disconnect",
			logrus.Fields{LogFieldPeerID: SanitizeUserID(s.logCtx, peerID), LogFieldEndpoint: backend.EndpointDisconnect})
	}

	s.touch()
	s.teardown(ctx, peerID, conn.RoomID)
	return nil
}

// teardown drops every local trace of the connection with peerID
func (s *Session) teardown(ctx context.Context, peerID, roomID string) {
	s.leaveRoom(ctx, roomID)
	for _, call := range s.calls.EndWith(peerID) {
		c := call
		s.emit(models.SessionEvent{Kind: models.EventCall, PeerID: peerID, RoomID: roomID, Call: &c})
	}
	s.messages.Clear(roomID)
	s.requests.Forget(models.RequestKey(peerID, s.selfID, roomID))

	from, conn, _ := s.tracker.Transition(peerID, models.StatusNone, nil)
	s.forget(ctx, peerID)
	s.statusChanged(from, conn)
}
