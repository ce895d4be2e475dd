package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
	"wanderlink/pkg/realtime"
)

var _ realtime.Transport = (*Transport)(nil)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	return redis.NewStatusResult(args.String(0), args.Error(1))
}

func (m *mockClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	args := m.Called(ctx, channel, message)
	return redis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

func (m *mockClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	args := m.Called(ctx, channels)
	return args.Get(0).(*redis.PubSub)
}

func (m *mockClient) Close() error {
	return m.Called().Error(0)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestConnectAndPublish(t *testing.T) {
	client := new(mockClient)
	client.On("Ping", mock.Anything).Return("PONG", nil)
	client.On("Publish", mock.Anything, "wl:user:2", mock.MatchedBy(func(payload []byte) bool {
		return json.Valid(payload)
	})).Return(1, nil)

	tr := NewWithClient(client, Config{Prefix: "wl:", Logger: quietLogger()})
	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.Connected())

	env, err := models.NewEnvelope(models.EventConnectionRequest, "1", "2", "room_1_2", models.RequestPayload{FromUserID: "1", ToUserID: "2"})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), models.UserTopic("2"), env))

	client.AssertExpectations(t)
}

func TestConnectFailureIsClassified(t *testing.T) {
	client := new(mockClient)
	client.On("Ping", mock.Anything).Return("", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"))

	tr := NewWithClient(client, Config{Logger: quietLogger()})
	err := tr.Connect(context.Background())

	assert.Equal(t, apperrors.ErrCodeNetwork, apperrors.GetCode(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.False(t, tr.Connected())
}

func TestAuthFailureIsCritical(t *testing.T) {
	client := new(mockClient)
	client.On("Ping", mock.Anything).Return("", errors.New("WRONGPASS invalid username-password pair or user is disabled; unauthorized"))

	tr := NewWithClient(client, Config{Logger: quietLogger()})
	assert.True(t, apperrors.IsCritical(tr.Connect(context.Background())))
}

func TestPublishFailure(t *testing.T) {
	client := new(mockClient)
	client.On("Ping", mock.Anything).Return("PONG", nil)
	client.On("Publish", mock.Anything, "presence", mock.Anything).Return(0, errors.New("i/o timeout"))

	tr := NewWithClient(client, Config{Logger: quietLogger()})
	require.NoError(t, tr.Connect(context.Background()))

	err := tr.Publish(context.Background(), models.PresenceTopic, models.Envelope{ID: "e1", Type: models.EventPresenceUpdate, From: "1"})
	assert.Equal(t, apperrors.ErrCodeTransportPublish, apperrors.GetCode(err))
}

func TestNotConnected(t *testing.T) {
	tr := NewWithClient(new(mockClient), Config{Logger: quietLogger()})

	err := tr.Publish(context.Background(), "presence", models.Envelope{})
	assert.Equal(t, apperrors.ErrCodeTransportNotConnected, apperrors.GetCode(err))

	_, err = tr.Subscribe(context.Background(), "presence", func(context.Context, models.Envelope) {})
	assert.Error(t, err)
}

func TestDecodeMessage(t *testing.T) {
	env, err := decodeMessage(&redis.Message{Channel: "presence", Payload: `{"id":"e1","type":"presence","from":"1"}`})
	require.NoError(t, err)
	assert.Equal(t, "e1", env.ID)
	assert.Equal(t, models.EventPresenceUpdate, env.Type)

	_, err = decodeMessage(&redis.Message{Payload: "nope"})
	assert.Error(t, err)
}

func TestTopicPrefix(t *testing.T) {
	tr := NewWithClient(new(mockClient), Config{Prefix: "wl:"})
	assert.Equal(t, "wl:room:room_1_2", tr.channel("room:room_1_2"))
	assert.Equal(t, "room:room_1_2", tr.topic("wl:room:room_1_2"))
}
