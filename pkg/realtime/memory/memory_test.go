package memory

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
	"wanderlink/pkg/realtime"
)

var (
	_ realtime.Transport     = (*Transport)(nil)
	_ realtime.StateNotifier = (*Transport)(nil)
)

func newBroker() *Broker {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewBroker(l)
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	broker := newBroker()
	alice, bob := NewTransport(broker), NewTransport(broker)
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, bob.Connect(ctx))

	var got []models.Envelope
	_, err := bob.Subscribe(ctx, models.UserTopic("2"), func(_ context.Context, env models.Envelope) {
		got = append(got, env)
	})
	require.NoError(t, err)

	env, err := models.NewEnvelope(models.EventTypingStart, "1", "2", "room_1_2", models.TypingPayload{UserID: "1", RoomID: "room_1_2"})
	require.NoError(t, err)
	require.NoError(t, alice.Publish(ctx, models.UserTopic("2"), env))

	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].ID)
	assert.Len(t, broker.PublishedOfType(models.EventTypingStart), 1)
}

func TestUnsubscribeAndDisconnect(t *testing.T) {
	ctx := context.Background()
	broker := newBroker()
	tr, other := NewTransport(broker), NewTransport(broker)
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, other.Connect(ctx))

	count := 0
	sub, err := tr.Subscribe(ctx, "presence", func(context.Context, models.Envelope) { count++ })
	require.NoError(t, err)
	_, err = tr.Subscribe(ctx, "room:x", func(context.Context, models.Envelope) { count++ })
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe(ctx))
	require.NoError(t, other.Publish(ctx, "presence", models.Envelope{ID: "1"}))
	assert.Zero(t, count)
	assert.Equal(t, 1, tr.Subscriptions())

	require.NoError(t, tr.Disconnect(ctx))
	assert.False(t, tr.Connected())
	require.NoError(t, other.Publish(ctx, "room:x", models.Envelope{ID: "2"}))
	assert.Zero(t, count)

	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, other.Publish(ctx, "room:x", models.Envelope{ID: "3"}))
	assert.Equal(t, 1, count)

	require.NoError(t, tr.Close())
	assert.False(t, broker.dispatcher.Has("room:x"))
}

func TestDropNotifiesState(t *testing.T) {
	tr := NewTransport(newBroker())
	require.NoError(t, tr.Connect(context.Background()))

	var gotConnected = true
	var gotErr error
	tr.OnStateChange(func(connected bool, err error) {
		gotConnected, gotErr = connected, err
	})
	tr.Drop(errors.New("connection reset by peer"))

	assert.False(t, gotConnected)
	assert.Equal(t, apperrors.ErrCodeNetwork, apperrors.GetCode(gotErr))
	assert.False(t, tr.Connected())
}

func TestNotConnected(t *testing.T) {
	tr := NewTransport(newBroker())

	err := tr.Publish(context.Background(), "presence", models.Envelope{})
	assert.Equal(t, apperrors.ErrCodeTransportNotConnected, apperrors.GetCode(err))

	_, err = tr.Subscribe(context.Background(), "presence", func(context.Context, models.Envelope) {})
	assert.Error(t, err)
}

func TestFailures(t *testing.T) {
	ctx := context.Background()
	broker := newBroker()
	tr := NewTransport(broker)

	tr.ConnectErr = func() error { return errors.New("401 unauthorized") }
	err := tr.Connect(ctx)
	assert.True(t, apperrors.IsCritical(err))

	tr.ConnectErr = nil
	require.NoError(t, tr.Connect(ctx))

	broker.FailNextPublish(errors.New("connection reset"))
	err = tr.Publish(ctx, "presence", models.Envelope{})
	assert.Equal(t, apperrors.ErrCodeTransportPublish, apperrors.GetCode(err))
	assert.NoError(t, tr.Publish(ctx, "presence", models.Envelope{}))
}
