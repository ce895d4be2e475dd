package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"wanderlink/internal/backend"
	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/geo"
	"wanderlink/internal/models"
	"wanderlink/internal/tracing"
	"wanderlink/internal/validation"
)

// connectedRoom returns the room shared with peerID, or NOT_CONNECTED
func (s *Session) connectedRoom(peerID string) (string, error) {
	conn := s.tracker.Get(peerID)
	if conn.Status != models.StatusConnected {
		return "", apperrors.NewNotConnectedError(peerID)
	}
	return conn.RoomID, nil
}

// SendMessage posts text to the room shared with peerID. On transports
// that acknowledge publishes the call waits for the ack, bounded by the
// ack timeout. The message is added to the local history once sent.
func (s *Session) SendMessage(ctx context.Context, peerID, text string, attachments []models.Attachment) (msg models.Message, err error) {
	ctx, span := tracing.StartSpan(ctx, "session.send_message", attribute.String("event", string(models.EventSendMessage)))
	defer func() { tracing.EndSpan(span, err) }()

	roomID, err := s.connectedRoom(peerID)
	if err != nil {
		return msg, s.fail(err, "send message")
	}
	if err := validation.ValidateMessageText(text, len(attachments) > 0); err != nil {
		return msg, s.fail(err, "send message")
	}
	cleaned, err := validation.ValidateAttachments(attachments)
	if err != nil {
		return msg, s.fail(err, "send message")
	}
	if len(cleaned) == 0 {
		cleaned = nil
	}
	if err := s.joinRoom(ctx, peerID, roomID); err != nil {
		return msg, s.fail(err, "send message")
	}

	msg = models.Message{
		ID:          uuid.NewString(),
		Text:        text,
		SenderID:    s.selfID,
		SenderName:  s.selfName,
		Timestamp:   s.clock.Now().UTC(),
		RoomID:      roomID,
		Attachments: cleaned,
	}
	env, err := models.NewEnvelope(models.EventSendMessage, s.selfID, peerID, roomID, msg)
	if err != nil {
		return msg, s.fail(apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode message"), "send message")
	}
	if err := s.publish(ctx, models.RoomTopic(roomID), env, true); err != nil {
		return msg, s.fail(err, "send message")
	}

	s.touch()
	s.messages.Append(msg)
	s.emit(models.SessionEvent{Kind: models.EventMessage, PeerID: peerID, RoomID: roomID, Message: &msg})

	s.logger.WithFields(logrus.Fields{
		LogFieldMessageID: msg.ID,
		LogFieldRoomID:    SanitizeRoomID(s.logCtx, roomID),
		LogFieldSize:      len(text),
		LogFieldDirection: "outgoing",
	}).Debug("Message sent")
	return msg, nil
}

// SetTyping publishes a typing indicator to the room shared with peerID.
// Start events beyond one per typing interval per room are dropped
// silently. Stop events always go out.
func (s *Session) SetTyping(ctx context.Context, peerID string, typing bool) error {
	roomID, err := s.connectedRoom(peerID)
	if err != nil {
		return s.fail(err, "send typing indicator")
	}

	eventType := models.EventTypingStop
	if typing {
		if !s.typingLimiter(roomID).AllowN(s.clock.Now(), 1) {
			return nil
		}
		eventType = models.EventTypingStart
	}

	env, err := models.NewEnvelope(eventType, s.selfID, peerID, roomID, models.TypingPayload{UserID: s.selfID, RoomID: roomID})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode typing")
	}
	if err := s.publish(ctx, models.RoomTopic(roomID), env, false); err != nil {
		s.logger.WithError(err).Debug("Failed to publish typing indicator")
		return err
	}
	s.touch()
	return nil
}

// ShareLocation publishes loc to every connected room, caches it encrypted
// and reports it to the backend. Only publish failures are returned.
func (s *Session) ShareLocation(ctx context.Context, loc models.Location) (err error) {
	ctx, span := tracing.StartSpan(ctx, "session.share_location", attribute.String("event", string(models.EventShareLocation)))
	defer func() { tracing.EndSpan(span, err) }()

	if err := validation.ValidateLocation(loc); err != nil {
		return s.fail(err, "share location")
	}
	loc.UserID = s.selfID
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = s.clock.Now().UTC()
	}

	var firstErr error
	for _, conn := range s.tracker.WithStatus(models.StatusConnected) {
		env, encErr := models.NewEnvelope(models.EventShareLocation, s.selfID, conn.PeerID, conn.RoomID, loc)
		if encErr != nil {
			return apperrors.Wrap(encErr, apperrors.ErrCodeInternalError, "failed to encode location")
		}
		if pubErr := s.publish(ctx, models.RoomTopic(conn.RoomID), env, false); pubErr != nil && firstErr == nil {
			firstErr = pubErr
		}
	}

	s.mu.Lock()
	cached := loc
	s.location = &cached
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveLocation(ctx, loc, s.cacheTTL()); err != nil {
			s.errLogger.LogWarn(err, "Failed to cache location")
		}
	}
	if err := s.backend.UpdateLocation(ctx, loc); err != nil {
		s.errLogger.LogWarn(err, "Backend did not record location", logrus.Fields{LogFieldEndpoint: backend.EndpointLocation})
	}

	s.touch()
	s.emit(models.SessionEvent{Kind: models.EventLocation, PeerID: s.selfID, Location: &loc})
	if firstErr != nil {
		return s.fail(firstErr, "share location")
	}
	return nil
}

// LastLocation returns the last location this session shared
func (s *Session) LastLocation(ctx context.Context) (*models.Location, error) {
	s.mu.Lock()
	loc := s.location
	s.mu.Unlock()
	if loc != nil {
		out := *loc
		return &out, nil
	}
	if s.store == nil {
		return nil, nil
	}
	return s.store.GetLocation(ctx, s.selfID)
}

// NearbyTravelers returns the backend's travelers sorted by distance from
// the last shared location. maxKm <= 0 means unbounded.
func (s *Session) NearbyTravelers(ctx context.Context, maxKm float64, limit int) ([]models.Traveler, error) {
	origin, err := s.LastLocation(ctx)
	if err != nil {
		return nil, s.fail(err, "find nearby travelers")
	}
	if origin == nil {
		return nil, s.fail(apperrors.NewNotFoundError("location", s.selfID).
			WithUserMessage("Share your location to see travelers nearby"), "find nearby travelers")
	}

	travelers, err := s.backend.NearbyTravelers(ctx, s.selfID)
	if err != nil {
		return nil, s.fail(err, "find nearby travelers")
	}
	return geo.Nearest(*origin, travelers, maxKm, limit), nil
}
