package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/DukeRupert/stockpile/internal/requestid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.exchange = exchange
	c.key = key
	c.msg = msg
	return c.err
}

func TestRabbitMQPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	pub := NewRabbitMQPublisher(ch, newTestLogger())

	ctx := requestid.WithID(context.Background(), "req-123")
	event := New(PasswordResetRequested, "jane@example.com", "")

	require.NoError(t, pub.Publish(ctx, event))

	assert.Equal(t, Exchange, ch.exchange)
	assert.Equal(t, PasswordResetRequested, ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, "req-123", ch.msg.Headers[requestid.Header])

	var got Event
	require.NoError(t, json.Unmarshal(ch.msg.Body, &got))
	assert.Equal(t, PasswordResetRequested, got.Type)
	assert.Equal(t, "jane@example.com", got.Email)
}

func TestRabbitMQPublisher_NoRequestID(t *testing.T) {
	ch := &fakeChannel{}
	pub := NewRabbitMQPublisher(ch, newTestLogger())

	require.NoError(t, pub.Publish(context.Background(), New(UserSignedOut, "", "u1")))
	_, ok := ch.msg.Headers[requestid.Header]
	assert.False(t, ok)
}

func TestRabbitMQPublisher_ChannelError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	pub := NewRabbitMQPublisher(ch, newTestLogger())

	err := pub.Publish(context.Background(), New(UserSignedIn, "jane@example.com", "u1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user.signed_in")
}

func TestLogPublisher(t *testing.T) {
	pub := NewLogPublisher(newTestLogger())
	assert.NoError(t, pub.Publish(context.Background(), New(UserSignedUp, "jane@example.com", "u1")))
}
