package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	args := m.Called(ctx, topic, key, value, headers)
	return args.Error(0)
}

func TestKafkaSenderKeysByRecipient(t *testing.T) {
	pub := &mockPublisher{}
	var payload []byte
	pub.On("Publish", mock.Anything, "outbound", []byte("guardian@example.com"), mock.Anything,
		map[string]string{"kind": "consent_request"}).
		Run(func(args mock.Arguments) { payload = args.Get(3).([]byte) }).
		Return(nil)

	sender := NewKafkaSender(pub, "outbound", "noreply@example.com")
	err := sender.Send(context.Background(), Message{
		To:      "guardian@example.com",
		Subject: "Approve",
		Body:    "link",
		Kind:    KindConsentRequest,
	})
	require.NoError(t, err)
	pub.AssertExpectations(t)

	var decoded Message
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "noreply@example.com", decoded.From)
	assert.Equal(t, "link", decoded.Body)
}

func TestKafkaSenderErrors(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("broker down"))

	sender := NewKafkaSender(pub, "outbound", "")
	err := sender.Send(context.Background(), Message{To: "a@example.com", Kind: KindAdminCode})
	assert.ErrorContains(t, err, "broker down")

	err = sender.Send(context.Background(), Message{Kind: KindAdminCode})
	assert.Error(t, err)
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestLogSenderAndRecorder(t *testing.T) {
	require.NoError(t, NewLogSender(zaptest.NewLogger(t)).Send(context.Background(), Message{To: "x@example.com"}))

	rec := NewRecorder()
	require.NoError(t, rec.Send(context.Background(), Message{To: "a"}))
	require.NoError(t, rec.Send(context.Background(), Message{To: "b"}))
	last, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.To)

	rec.FailWith(errors.New("down"))
	assert.Error(t, rec.Send(context.Background(), Message{To: "c"}))
	assert.Len(t, rec.Sent(), 2)
}
