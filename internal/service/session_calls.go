package service

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
	"wanderlink/internal/tracing"
	"wanderlink/internal/validation"
)

// PlaceCall rings peerID. Only signaling state is kept; no media flows.
func (s *Session) PlaceCall(ctx context.Context, peerID string, callType models.CallType) (call models.Call, err error) {
	ctx, span := tracing.StartSpan(ctx, "session.place_call", attribute.String("call_type", string(callType)))
	defer func() { tracing.EndSpan(span, err) }()

	roomID, err := s.connectedRoom(peerID)
	if err != nil {
		return call, s.fail(err, "place call")
	}
	if err := validation.ValidateCallType(callType); err != nil {
		return call, s.fail(err, "place call")
	}

	call = models.Call{
		CallID:     uuid.NewString(),
		CallType:   callType,
		FromUserID: s.selfID,
		ToUserID:   peerID,
		RoomID:     roomID,
		State:      models.CallRinging,
		StartedAt:  s.clock.Now().UTC(),
	}
	if err := s.calls.Add(call); err != nil {
		return call, s.fail(err, "place call")
	}
	if err := s.send(ctx, models.EventCallUser, peerID, roomID, call); err != nil {
		_, _ = s.calls.Transition(call.CallID, models.CallEnded)
		return call, s.fail(err, "place call")
	}

	s.touch()
	s.callChanged(call)
	return call, nil
}

// incomingCall returns the live incoming call with callID
func (s *Session) incomingCall(callID string) (models.Call, error) {
	call, ok := s.calls.Get(callID)
	if !ok {
		return call, apperrors.NewNotFoundError("call", callID)
	}
	if call.State != models.CallIncoming {
		return call, apperrors.New(apperrors.ErrCodeInvalidTransition, "call is not waiting for an answer").
			WithContext("call_id", callID).
			WithContext("state", string(call.State)).
			WithUserMessage("That action is not available right now")
	}
	return call, nil
}

// AnswerCall accepts an incoming call
func (s *Session) AnswerCall(ctx context.Context, callID string) (models.Call, error) {
	return s.answer(ctx, callID, models.EventCallAccepted, models.CallActive, "answer call")
}

// RejectCall declines an incoming call
func (s *Session) RejectCall(ctx context.Context, callID string) (models.Call, error) {
	return s.answer(ctx, callID, models.EventCallRejected, models.CallRejected, "reject call")
}

func (s *Session) answer(ctx context.Context, callID string, eventType models.EventType, to models.CallState, operation string) (call models.Call, err error) {
	ctx, span := tracing.StartSpan(ctx, "session."+string(eventType))
	defer func() { tracing.EndSpan(span, err) }()

	call, err = s.incomingCall(callID)
	if err != nil {
		return call, s.fail(err, operation)
	}
	peerID := call.PeerOf(s.selfID)

	sent := call
	sent.State = to
	if err := s.send(ctx, eventType, peerID, call.RoomID, sent); err != nil {
		return call, s.fail(err, operation)
	}
	call, err = s.calls.Transition(callID, to)
	if err != nil {
		return call, s.fail(err, operation)
	}

	s.touch()
	s.callChanged(call)
	return call, nil
}

// EndCall hangs up. The call always ends locally; a failure to tell the
// peer is logged and shown as a toast.
func (s *Session) EndCall(ctx context.Context, callID string) (call models.Call, err error) {
	ctx, span := tracing.StartSpan(ctx, "session.end_call")
	defer func() { tracing.EndSpan(span, err) }()

	call, err = s.calls.Transition(callID, models.CallEnded)
	if err != nil {
		return call, s.fail(err, "end call")
	}
	if err := s.send(ctx, models.EventCallEnded, call.PeerOf(s.selfID), call.RoomID, call); err != nil {
		s.errLogger.LogWarn(err, "Failed to notify peer of ended call")
		s.notify(err)
	}

	s.touch()
	s.callChanged(call)
	return call, nil
}

func (s *Session) callChanged(call models.Call) {
	c := call
	s.emit(models.SessionEvent{Kind: models.EventCall, PeerID: call.PeerOf(s.selfID), RoomID: call.RoomID, Call: &c})
	s.updateGauges()
}
