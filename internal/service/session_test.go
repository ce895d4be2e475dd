package service

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wanderlink/internal/backend"
	"wanderlink/internal/database"
	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
	"wanderlink/pkg/realtime/memory"
)

func testConfig(id string) *models.Config {
	return &models.Config{
		User:      models.UserConfig{ID: id, Name: "Traveler " + id},
		Transport: models.TransportConfig{Kind: models.TransportMemory},
		Timing: models.TimingConfig{
			RequestExpirySec:   60,
			RequestDedupSec:    30,
			MessageDedupMs:     1000,
			AckTimeoutSec:      2,
			HeartbeatSec:       30,
			PresenceOnlineSec:  300,
			PresenceAwaySec:    1800,
			CacheTTLHours:      24,
			ChatCacheTTLHours:  1,
			SweepIntervalSec:   60,
			TypingIntervalMs:   1000,
			MaxMessagesPerRoom: 100,
		},
		Retry: models.RetryConfig{InitialBackoffMs: 1, MaxBackoffMs: 5, MaxAttempts: 3},
	}
}

type testPeer struct {
	*Session
	transport *memory.Transport
	events    *recorder
}

func newPeer(t *testing.T, broker *memory.Broker, clock Clock, id string, mutate func(*SessionDeps)) *testPeer {
	t.Helper()
	tr := memory.NewTransport(broker)
	rec := &recorder{}
	deps := SessionDeps{
		Transport: tr,
		Config:    testConfig(id),
		Logger:    quietLogger(),
		Listener:  rec,
		Notifier:  rec,
		Clock:     clock,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testPeer{Session: NewSession(deps), transport: tr, events: rec}
}

func startPeer(t *testing.T, broker *memory.Broker, clock Clock, id string, mutate func(*SessionDeps)) *testPeer {
	t.Helper()
	p := newPeer(t, broker, clock, id, mutate)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func connectPeers(t *testing.T, a, b *testPeer) {
	t.Helper()
	ctx := context.Background()
	_, err := a.SendConnectionRequest(ctx, b.SelfID(), "", "")
	require.NoError(t, err)
	require.NoError(t, b.AcceptConnection(ctx, a.SelfID()))
	require.Equal(t, models.StatusConnected, a.Status(b.SelfID()))
	require.Equal(t, models.StatusConnected, b.Status(a.SelfID()))
}

func TestSession_RequestAcceptAndChat(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()

	req, err := alice.SendConnectionRequest(ctx, "2", "trip-7", "Same hostel next week?")
	require.NoError(t, err)
	assert.Equal(t, "room_1_2", req.RoomID)
	assert.Equal(t, "1_2_room_1_2", req.ID)
	assert.Equal(t, models.StatusPending, alice.Status("2"))
	assert.Empty(t, alice.PendingRequests(), "outbound requests are not awaiting our decision")

	pending := bob.PendingRequests()
	require.Len(t, pending, 1)
	assert.Equal(t, "trip-7", pending[0].TripID)
	assert.Equal(t, "Same hostel next week?", pending[0].Message)
	assert.Len(t, bob.events.ofKind(models.EventRequestReceived), 1)
	assert.NotEmpty(t, bob.events.toasts(models.NotificationInfo))

	require.NoError(t, bob.AcceptConnection(ctx, "1"))
	assert.Equal(t, models.StatusConnected, alice.Status("2"))
	assert.Equal(t, models.StatusConnected, bob.Status("1"))
	assert.True(t, alice.Joined("room_1_2"))
	assert.True(t, bob.Joined("room_1_2"))
	assert.Len(t, broker.PublishedOfType(models.EventConnectionAccepted), 1)
	assert.Len(t, broker.PublishedOfType(models.EventRoomReady), 1)
	for _, p := range []*testPeer{alice, bob} {
		ready := p.events.ofKind(models.EventKindRoomReady)
		if assert.Len(t, ready, 1, p.SelfID()) {
			assert.Equal(t, "room_1_2", ready[0].RoomID)
		}
	}
	assert.Equal(t, "2", alice.events.ofKind(models.EventKindRoomReady)[0].PeerID)

	msg, err := alice.SendMessage(ctx, "2", "hola!", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", msg.SenderID)
	assert.Equal(t, "Traveler 1", msg.SenderName)

	history := bob.History("1", 0)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
	assert.Equal(t, "hola!", history[0].Text)
	assert.Len(t, alice.History("2", 0), 1)
	assert.Len(t, bob.events.ofKind(models.EventMessage), 1)
}

func TestSession_DuplicateRequestSuppressed(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()

	req, err := alice.SendConnectionRequest(ctx, "2", "", "")
	require.NoError(t, err)

	env, err := models.NewEnvelope(models.EventConnectionRequest, "1", "2", req.RoomID, req)
	require.NoError(t, err)
	require.NoError(t, alice.transport.Publish(ctx, models.UserTopic("2"), env))

	assert.Len(t, bob.PendingRequests(), 1)
	assert.Len(t, bob.events.ofKind(models.EventRequestReceived), 1)
}

func TestSession_SendRequestValidation(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	alice := startPeer(t, broker, newFakeClock(), "1", nil)
	ctx := context.Background()

	_, err := alice.SendConnectionRequest(ctx, "1", "", "")
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(err))

	_, err = alice.SendConnectionRequest(ctx, "bad/id", "", "")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))

	_, err = alice.SendConnectionRequest(ctx, "2", "", "")
	require.NoError(t, err)
	_, err = alice.SendConnectionRequest(ctx, "2", "", "")
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, apperrors.GetCode(err), "one active status per peer")
}

func TestSession_RejectThenRequestAgain(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()

	_, err := alice.SendConnectionRequest(ctx, "2", "", "")
	require.NoError(t, err)
	require.NoError(t, bob.RejectConnection(ctx, "1"))

	assert.Equal(t, models.StatusDeclined, alice.Status("2"))
	assert.Equal(t, models.StatusDeclined, bob.Status("1"))
	assert.Empty(t, bob.PendingRequests())

	clock.Advance(31 * time.Second)

	_, err = alice.SendConnectionRequest(ctx, "2", "", "second try")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, alice.Status("2"))
	assert.Equal(t, models.StatusPending, bob.Status("1"))
}

func TestSession_RejectPublishFailureKeepsPending(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()

	_, err := alice.SendConnectionRequest(ctx, "2", "", "")
	require.NoError(t, err)

	broker.FailNextPublish(stderrors.New("relay unavailable"))
	err = bob.RejectConnection(ctx, "1")
	assert.Equal(t, apperrors.ErrCodeTransportPublish, apperrors.GetCode(err))
	assert.Equal(t, models.StatusPending, bob.Status("1"))
	assert.NotEmpty(t, bob.events.toasts(models.NotificationError))
}

func TestSession_RequestExpires(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()

	_, err := alice.SendConnectionRequest(ctx, "2", "", "")
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	assert.Equal(t, models.StatusPending, bob.Status("1"))

	clock.Advance(time.Second)
	assert.Equal(t, models.StatusExpired, alice.Status("2"))
	assert.Equal(t, models.StatusExpired, bob.Status("1"))

	err = bob.AcceptConnection(ctx, "1")
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, apperrors.GetCode(err))
}

func TestSession_AcceptPublishFailureRollsBack(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()

	_, err := alice.SendConnectionRequest(ctx, "2", "", "")
	require.NoError(t, err)

	broker.FailNextPublish(stderrors.New("relay unavailable"))
	err = bob.AcceptConnection(ctx, "1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTransportPublish, apperrors.GetCode(err))
	assert.Equal(t, models.StatusPending, bob.Status("1"))
	assert.Equal(t, models.StatusPending, alice.Status("2"))
	assert.False(t, bob.Joined("room_1_2"))

	require.NoError(t, bob.AcceptConnection(ctx, "1"))
	assert.Equal(t, models.StatusConnected, alice.Status("2"))
}

func TestSession_AcceptRollbackKeepsExpiryDeadline(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()

	_, err := alice.SendConnectionRequest(ctx, "2", "", "")
	require.NoError(t, err)

	clock.Advance(45 * time.Second)
	broker.FailNextPublish(stderrors.New("relay unavailable"))
	require.Error(t, bob.AcceptConnection(ctx, "1"))
	require.Equal(t, models.StatusPending, bob.Status("1"))

	clock.Advance(15 * time.Second)
	assert.Equal(t, models.StatusExpired, bob.Status("1"))
	assert.Empty(t, bob.PendingRequests())
}

func TestSession_AcceptBackendFailureNeedsSync(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	ctx := context.Background()

	be := &mockBackend{}
	decision := backend.DecisionRequest{FromUserID: "1", ToUserID: "2", RoomID: "room_1_2"}
	be.On("AcceptConnection", mock.Anything, decision).
		Return(apperrors.NewAPIError("backend", backend.EndpointAccept, 503, stderrors.New("unavailable"))).Once()
	be.On("AcceptConnection", mock.Anything, decision).Return(nil).Once()

	store := permissiveStore()
	store.On("ListConnections", mock.Anything, "2").Return([]models.Connection{}, nil)

	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", func(d *SessionDeps) {
		d.Backend = be
		d.Store = store
	})
	connectPeers(t, alice, bob)

	assert.True(t, bob.Connection("1").NeedsSync)
	store.AssertCalled(t, "SaveConnection", mock.Anything, "2", mock.MatchedBy(func(c models.Connection) bool {
		return c.PeerID == "1" && c.Status == models.StatusConnected && c.NeedsSync
	}), 24*time.Hour)

	store.On("PendingSync", mock.Anything, "2").Return([]models.Connection{bob.Connection("1")}, nil).Once()
	store.On("MarkNeedsSync", mock.Anything, "2", "1", false).Return(nil).Once()

	synced, err := bob.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
	assert.False(t, bob.Connection("1").NeedsSync)
	be.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestSession_SyncPendingClearsStaleFlags(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	ctx := context.Background()

	be := &mockBackend{}
	store := permissiveStore()
	store.On("ListConnections", mock.Anything, "2").Return([]models.Connection{}, nil)
	store.On("PendingSync", mock.Anything, "2").
		Return([]models.Connection{{PeerID: "9", RoomID: "room_2_9", Status: models.StatusConnected, NeedsSync: true}}, nil)
	store.On("MarkNeedsSync", mock.Anything, "2", "9", false).Return(nil).Once()

	bob := startPeer(t, broker, newFakeClock(), "2", func(d *SessionDeps) {
		d.Backend = be
		d.Store = store
	})

	synced, err := bob.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, synced)
	be.AssertNotCalled(t, "AcceptConnection", mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestSession_DisconnectPeer(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()
	connectPeers(t, alice, bob)

	_, err := alice.SendMessage(ctx, "2", "bye soon", nil)
	require.NoError(t, err)

	require.NoError(t, alice.DisconnectPeer(ctx, "2"))
	assert.Equal(t, models.StatusNone, alice.Status("2"))
	assert.Equal(t, models.StatusNone, bob.Status("1"))
	assert.False(t, alice.Joined("room_1_2"))
	assert.False(t, bob.Joined("room_1_2"))
	assert.Empty(t, alice.History("2", 0))
	assert.Empty(t, bob.History("1", 0))

	err = alice.DisconnectPeer(ctx, "2")
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.GetCode(err))

	_, err = alice.SendConnectionRequest(ctx, "2", "", "")
	require.NoError(t, err, "a fresh request is possible after disconnecting")
	assert.Equal(t, models.StatusPending, bob.Status("1"))
}

func TestSession_DisconnectCompletesWhenPublishFails(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	connectPeers(t, alice, bob)

	broker.FailNextPublish(stderrors.New("relay unavailable"))
	require.NoError(t, alice.DisconnectPeer(context.Background(), "2"))
	assert.Equal(t, models.StatusNone, alice.Status("2"))
	assert.Equal(t, models.StatusConnected, bob.Status("1"))
	assert.NotEmpty(t, alice.events.toasts(models.NotificationError))
}

func TestSession_MessagingRules(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()

	_, err := alice.SendMessage(ctx, "2", "hi", nil)
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.GetCode(err))

	connectPeers(t, alice, bob)

	_, err = alice.SendMessage(ctx, "2", "   ", nil)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(err))

	msg, err := alice.SendMessage(ctx, "2", "", []models.Attachment{{URL: "https://cdn.example.com/p/beach.jpg"}})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "image", msg.Attachments[0].Type)
	assert.Equal(t, "beach.jpg", msg.Attachments[0].Name)

	received := bob.History("1", 0)
	require.Len(t, received, 1)
	assert.Len(t, received[0].Attachments, 1)
}

func TestSession_InboundMessageDedup(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()
	connectPeers(t, alice, bob)

	msg, err := alice.SendMessage(ctx, "2", "same", nil)
	require.NoError(t, err)

	replay, err := models.NewEnvelope(models.EventSendMessage, "1", "2", "room_1_2", msg)
	require.NoError(t, err)
	require.NoError(t, alice.transport.Publish(ctx, models.RoomTopic("room_1_2"), replay))

	near := msg
	near.ID = "other-id"
	near.Timestamp = msg.Timestamp.Add(300 * time.Millisecond)
	echo, err := models.NewEnvelope(models.EventSendMessage, "1", "2", "room_1_2", near)
	require.NoError(t, err)
	require.NoError(t, alice.transport.Publish(ctx, models.RoomTopic("room_1_2"), echo))

	assert.Len(t, bob.History("1", 0), 1)
}

func TestSession_TypingIsRateLimited(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()
	connectPeers(t, alice, bob)

	require.NoError(t, alice.SetTyping(ctx, "2", true))
	require.NoError(t, alice.SetTyping(ctx, "2", true))
	assert.Len(t, broker.PublishedOfType(models.EventTypingStart), 1)

	require.NoError(t, alice.SetTyping(ctx, "2", false))
	assert.Len(t, broker.PublishedOfType(models.EventTypingStop), 1)

	clock.Advance(time.Second)
	require.NoError(t, alice.SetTyping(ctx, "2", true))
	assert.Len(t, broker.PublishedOfType(models.EventTypingStart), 2)

	typing := bob.events.ofKind(models.EventTyping)
	require.Len(t, typing, 3)
	assert.True(t, typing[0].Typing)
	assert.False(t, typing[1].Typing)
	assert.Equal(t, "room_1_2", typing[0].RoomID)
}

func TestSession_CallSignaling(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()

	_, err := alice.PlaceCall(ctx, "2", models.CallVideo)
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.GetCode(err))

	connectPeers(t, alice, bob)

	_, err = alice.PlaceCall(ctx, "2", "hologram")
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(err))

	call, err := alice.PlaceCall(ctx, "2", models.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, models.CallRinging, call.State)

	incoming := bob.ActiveCalls()
	require.Len(t, incoming, 1)
	assert.Equal(t, models.CallIncoming, incoming[0].State)
	assert.Equal(t, call.CallID, incoming[0].CallID)

	_, err = alice.PlaceCall(ctx, "2", models.CallAudio)
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, apperrors.GetCode(err))

	_, err = alice.AnswerCall(ctx, call.CallID)
	assert.Error(t, err, "the caller cannot answer its own call")

	answered, err := bob.AnswerCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.CallActive, answered.State)
	require.Len(t, alice.ActiveCalls(), 1)
	assert.Equal(t, models.CallActive, alice.ActiveCalls()[0].State)

	ended, err := alice.EndCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, ended.State)
	assert.Empty(t, alice.ActiveCalls())
	assert.Empty(t, bob.ActiveCalls())
}

func TestSession_RejectCall(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()
	connectPeers(t, alice, bob)

	call, err := alice.PlaceCall(ctx, "2", models.CallAudio)
	require.NoError(t, err)

	rejected, err := bob.RejectCall(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.CallRejected, rejected.State)
	assert.Empty(t, alice.ActiveCalls())
	assert.Empty(t, bob.ActiveCalls())

	_, err = bob.RejectCall(ctx, call.CallID)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestSession_DisconnectEndsCalls(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()
	connectPeers(t, alice, bob)

	_, err := alice.PlaceCall(ctx, "2", models.CallAudio)
	require.NoError(t, err)
	require.NoError(t, bob.DisconnectPeer(ctx, "1"))

	assert.Empty(t, alice.ActiveCalls())
	assert.Empty(t, bob.ActiveCalls())
}

func TestSession_ShareLocationAndNearby(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	ctx := context.Background()

	near := models.Traveler{UserID: "5", Name: "Near", Location: models.Location{Latitude: 38.73, Longitude: -9.15}}
	far := models.Traveler{UserID: "6", Name: "Far", Location: models.Location{Latitude: 41.15, Longitude: -8.61}}
	self := models.Traveler{UserID: "1", Location: models.Location{Latitude: 38.72, Longitude: -9.14}}

	be := &mockBackend{}
	be.On("UpdateLocation", mock.Anything, mock.MatchedBy(func(l models.Location) bool { return l.UserID == "1" })).Return(nil).Once()
	be.On("NearbyTravelers", mock.Anything, "1").Return([]models.Traveler{far, self, near}, nil)

	alice := startPeer(t, broker, clock, "1", func(d *SessionDeps) { d.Backend = be })
	bob := startPeer(t, broker, clock, "2", nil)
	connectPeers(t, alice, bob)

	_, err := alice.NearbyTravelers(ctx, 0, 0)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))

	err = alice.ShareLocation(ctx, models.Location{Latitude: 91, Longitude: 0})
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(err))

	require.NoError(t, alice.ShareLocation(ctx, models.Location{Latitude: 38.72, Longitude: -9.14}))

	locs := bob.events.ofKind(models.EventLocation)
	require.Len(t, locs, 1)
	assert.Equal(t, "1", locs[0].Location.UserID)
	assert.InDelta(t, 38.72, locs[0].Location.Latitude, 1e-9)

	last, err := alice.LastLocation(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, clock.Now().UTC(), last.UpdatedAt)

	all, err := alice.NearbyTravelers(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "5", all[0].UserID)
	assert.Equal(t, "6", all[1].UserID)
	assert.Less(t, all[0].DistanceKm, 5.0)

	nearby, err := alice.NearbyTravelers(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, nearby, 1)
	assert.Equal(t, "5", nearby[0].UserID)

	be.AssertExpectations(t)
}

func TestSession_PresenceAcrossSessions(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)

	p := alice.Presence("2")
	assert.Equal(t, models.PresenceOnline, p.Status, "register announcement marks the user online")

	require.NoError(t, bob.Stop(context.Background()))
	assert.Equal(t, models.PresenceOffline, alice.Presence("2").Status)
	assert.Equal(t, models.PresenceOffline, alice.Presence("3").Status)
}

func TestSession_IgnoresForgedEvents(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()

	intruder := memory.NewTransport(broker)
	require.NoError(t, intruder.Connect(ctx))

	forged, err := models.NewEnvelope(models.EventConnectionRequest, "3", "2", "", models.ConnectionRequest{FromUserID: "4", ToUserID: "2"})
	require.NoError(t, err)
	require.NoError(t, intruder.Publish(ctx, models.UserTopic("2"), forged))

	accepted, err := models.NewEnvelope(models.EventConnectionAccepted, "3", "2", "", models.DecisionPayload{FromUserID: "2", ToUserID: "3"})
	require.NoError(t, err)
	require.NoError(t, intruder.Publish(ctx, models.UserTopic("2"), accepted))

	unknown := models.Envelope{ID: "x", Type: "teleport", From: "3"}
	require.NoError(t, intruder.Publish(ctx, models.UserTopic("2"), unknown))

	assert.Equal(t, models.StatusNone, bob.Status("3"))
	assert.Equal(t, models.StatusNone, bob.Status("4"))
	assert.Empty(t, bob.PendingRequests())
}

func TestSession_RestoreFromCache(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	ctx := context.Background()

	db, err := database.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	alice := startPeer(t, broker, clock, "1", func(d *SessionDeps) { d.Store = db })
	bob := startPeer(t, broker, clock, "2", nil)
	connectPeers(t, alice, bob)
	require.NoError(t, alice.Stop(ctx))

	cached, err := db.ListConnections(ctx, "1")
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, models.StatusConnected, cached[0].Status)

	again := startPeer(t, broker, clock, "1", func(d *SessionDeps) { d.Store = db })
	assert.Equal(t, models.StatusConnected, again.Status("2"))
	assert.True(t, again.Joined("room_1_2"))
	assert.Len(t, again.events.ofKind(models.EventConnection), 1)

	_, err = bob.SendMessage(ctx, "1", "welcome back", nil)
	require.NoError(t, err)
	require.Len(t, again.History("2", 0), 1)
}

func TestSession_ForgetsCacheOnDisconnect(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	ctx := context.Background()

	store := permissiveStore()
	store.On("ListConnections", mock.Anything, "1").Return([]models.Connection{}, nil)

	alice := startPeer(t, broker, clock, "1", func(d *SessionDeps) { d.Store = store })
	bob := startPeer(t, broker, clock, "2", nil)
	connectPeers(t, alice, bob)
	require.NoError(t, bob.DisconnectPeer(ctx, "1"))

	store.AssertCalled(t, "DeleteConnection", mock.Anything, "1", "2")
}

func TestSession_Reconcile(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	ctx := context.Background()

	be := &mockBackend{}
	be.On("ListConnections", mock.Anything, "1").Return([]backend.ConnectionRecord{
		{PeerID: "3", RoomID: "room_1_3", Status: models.StatusConnected},
		{PeerID: "4", RoomID: "room_1_4", Status: models.StatusDeclined},
	}, nil)

	alice := startPeer(t, broker, clock, "1", func(d *SessionDeps) { d.Backend = be })
	bob := startPeer(t, broker, clock, "2", nil)
	connectPeers(t, alice, bob)

	require.NoError(t, alice.Reconcile(ctx))
	assert.Equal(t, models.StatusNone, alice.Status("2"), "dropped by the backend")
	assert.Equal(t, models.StatusConnected, alice.Status("3"))
	assert.Equal(t, models.StatusNone, alice.Status("4"))
	assert.True(t, alice.Joined("room_1_3"))
	assert.False(t, alice.Joined("room_1_2"))
}

func TestSession_ReconcileKeepsUnsyncedConnections(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	ctx := context.Background()

	be := &mockBackend{}
	be.On("AcceptConnection", mock.Anything, mock.Anything).Return(apperrors.NewAPIError("backend", backend.EndpointAccept, 500, stderrors.New("boom")))
	be.On("ListConnections", mock.Anything, "2").Return([]backend.ConnectionRecord{}, nil)

	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", func(d *SessionDeps) { d.Backend = be })
	connectPeers(t, alice, bob)

	require.NoError(t, bob.Reconcile(ctx))
	assert.Equal(t, models.StatusConnected, bob.Status("1"))
}

func TestSession_StartStopIdempotent(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	p := newPeer(t, broker, newFakeClock(), "1", nil)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx))
	assert.True(t, p.Running())
	assert.Equal(t, 2, p.transport.Subscriptions())

	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.Running())
	assert.Equal(t, 0, p.transport.Subscriptions())
	assert.False(t, p.transport.Connected())
	assert.NotEmpty(t, broker.PublishedOfType(models.EventPresenceUpdate), "offline presence goes out on stop")
}

func TestSession_StartRetriesTransientConnectErrors(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	p := newPeer(t, broker, newFakeClock(), "1", nil)

	var attempts atomic.Int32
	p.transport.ConnectErr = func() error {
		if attempts.Add(1) < 3 {
			return stderrors.New("dial tcp: connection refused")
		}
		return nil
	}

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSession_StartStopsOnCriticalError(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	p := newPeer(t, broker, newFakeClock(), "1", nil)

	var attempts atomic.Int32
	p.transport.ConnectErr = func() error {
		attempts.Add(1)
		return apperrors.NewAuthError("token rejected")
	}

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCritical(err))
	assert.Equal(t, int32(1), attempts.Load())
	assert.False(t, p.Running())
	assert.NotEmpty(t, p.events.toasts(models.NotificationError))
}

func TestSession_ReconnectsAfterDrop(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	p := startPeer(t, broker, newFakeClock(), "1", nil)

	p.transport.Drop(stderrors.New("connection reset by peer"))

	assert.Eventually(t, p.transport.Connected, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, p.events.toasts(models.NotificationWarning))
}

func TestSession_CriticalDropDoesNotReconnect(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	p := startPeer(t, broker, newFakeClock(), "1", nil)

	p.transport.Drop(stderrors.New("invalid token"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, p.transport.Connected())
}

func TestSession_DropAfterStopDoesNotReconnect(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	p := newPeer(t, broker, newFakeClock(), "1", nil)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Stop(ctx))

	p.transport.Drop(stderrors.New("connection reset by peer"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, p.transport.Connected())
	assert.False(t, p.Running())
}

func TestSession_SpawnRefusedOnceStopped(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	p := newPeer(t, broker, newFakeClock(), "1", nil)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Stop(ctx))

	ran := make(chan struct{}, 1)
	p.spawn(context.Background(), func() { ran <- struct{}{} })
	p.wg.Wait()

	select {
	case <-ran:
		t.Fatal("goroutine started after Stop")
	default:
	}
}

func TestSession_DropRacingStop(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		p := newPeer(t, broker, newFakeClock(), "1", nil)
		require.NoError(t, p.Start(ctx))

		dropped := make(chan struct{})
		go func() {
			defer close(dropped)
			p.transport.Drop(stderrors.New("connection reset by peer"))
		}()
		require.NoError(t, p.Stop(ctx))
		<-dropped
		p.wg.Wait()
		assert.False(t, p.Running())
	}
}

func TestSession_ApplyTiming(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	ctx := context.Background()

	timing := testConfig("1").Timing
	timing.RequestExpirySec = 10
	alice.ApplyTiming(timing)

	_, err := alice.SendConnectionRequest(ctx, "2", "", "")
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	assert.Equal(t, models.StatusExpired, alice.Status("2"))
}

func TestSession_Maintenance(t *testing.T) {
	broker := memory.NewBroker(quietLogger())
	clock := newFakeClock()
	alice := startPeer(t, broker, clock, "1", nil)
	bob := startPeer(t, broker, clock, "2", nil)
	ctx := context.Background()

	_, err := alice.SendConnectionRequest(ctx, "2", "", "")
	require.NoError(t, err)

	assert.Equal(t, 0, bob.SweepDedup())
	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, bob.SweepDedup())

	purged, err := bob.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)
	synced, err := bob.SyncPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, synced)
	assert.NoError(t, bob.Reconcile(ctx))

	var _ Maintainer = bob.Session
}
