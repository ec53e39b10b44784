package messaging

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorel/errors"
	"gorel/logging"
)

type mockTransport struct {
	published    []IMessage
	batch        [][]IMessage
	subscribed   map[string]int
	unsubscribed map[string]int
	err          error
	order        *[]string
}

func newMockTransport() *mockTransport {
	return &mockTransport{subscribed: make(map[string]int), unsubscribed: make(map[string]int)}
}

func (m *mockTransport) Publish(_ context.Context, message IMessage) error {
	if m.order != nil {
		*m.order = append(*m.order, "transport")
	}
	m.published = append(m.published, message)
	return m.err
}

func (m *mockTransport) PublishAll(_ context.Context, messages []IMessage) error {
	m.batch = append(m.batch, messages)
	return m.err
}

func (m *mockTransport) Subscribe(messageType string, _ IMessageHandler) error {
	m.subscribed[messageType]++
	return nil
}

func (m *mockTransport) Unsubscribe(messageType string, _ IMessageHandler) error {
	m.unsubscribed[messageType]++
	return nil
}

func (m *mockTransport) Start(context.Context) error { return nil }
func (m *mockTransport) Close() error                { return nil }
func (m *mockTransport) Stats() TransportStats       { return TransportStats{} }

type recordingMiddleware struct {
	name  string
	order *[]string
	err   error
}

func (mw recordingMiddleware) Handle(ctx context.Context, message IMessage, next HandlerFunc) error {
	*mw.order = append(*mw.order, mw.name)
	if mw.err != nil {
		return mw.err
	}
	return next(ctx, message)
}

func (mw recordingMiddleware) Name() string { return mw.name }

func TestMessageBus_MiddlewareOrder(t *testing.T) {
	var order []string
	transport := newMockTransport()
	transport.order = &order

	bus := NewMessageBus(transport)
	bus.Use(recordingMiddleware{name: "mw1", order: &order})
	bus.Use(recordingMiddleware{name: "mw2", order: &order})

	msg := NewMessage("gorel.entity.changed", "payload")
	require.NoError(t, bus.Publish(context.Background(), msg))
	assert.Equal(t, []string{"mw1", "mw2", "transport"}, order)
	require.Len(t, transport.published, 1)
	assert.Same(t, msg, transport.published[0])
}

func TestMessageBus_PublishAllRejectedByMiddleware(t *testing.T) {
	var order []string
	transport := newMockTransport()
	rejected := stderrors.New("rejected")

	bus := NewMessageBus(transport)
	bus.Use(recordingMiddleware{name: "deny", order: &order, err: rejected})

	msg := NewMessage("t", nil)
	err := bus.PublishAll(context.Background(), []IMessage{msg})
	require.Error(t, err)
	assert.ErrorIs(t, err, rejected)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeExecution))
	assert.Empty(t, transport.batch, "整批都不投递")
	assert.Equal(t, []string{"deny"}, order)
}

func TestMessageBus_PublishAllBatches(t *testing.T) {
	transport := newMockTransport()
	bus := NewMessageBus(transport)
	m1, m2 := NewMessage("t", 1), NewMessage("t", 2)

	require.NoError(t, bus.PublishAll(context.Background(), []IMessage{m1, m2}))
	require.Len(t, transport.batch, 1)
	assert.Equal(t, []IMessage{m1, m2}, transport.batch[0])
	assert.NotEqual(t, m1.GetID(), m2.GetID())

	require.NoError(t, bus.PublishAll(context.Background(), nil))
	assert.Len(t, transport.batch, 1)
}

func TestMessageBus_TransportErrorIsWrapped(t *testing.T) {
	transport := newMockTransport()
	transport.err = stderrors.New("down")
	bus := NewMessageBus(transport)

	err := bus.PublishAll(context.Background(), []IMessage{NewMessage("t", nil)})
	assert.ErrorIs(t, err, transport.err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeExecution))
}

func TestMessageBus_SubscribeDelegation(t *testing.T) {
	transport := newMockTransport()
	bus := NewMessageBus(transport)
	h := NewHandler("noop", func(context.Context, IMessage) error { return nil })

	require.NoError(t, bus.Subscribe(context.Background(), "t", h))
	require.NoError(t, bus.Unsubscribe(context.Background(), "t", h))
	assert.Equal(t, 1, transport.subscribed["t"])
	assert.Equal(t, 1, transport.unsubscribed["t"])
	assert.Equal(t, "noop", h.Type())
}

func TestLoggingMiddleware(t *testing.T) {
	transport := newMockTransport()
	bus := NewMessageBus(transport)
	bus.Use(Logging(logging.NewNoopLogger()))
	assert.Equal(t, "logging", Logging(nil).Name())

	require.NoError(t, bus.Publish(context.Background(), NewMessage("t", nil)))
	transport.err = stderrors.New("down")
	assert.ErrorIs(t, bus.Publish(context.Background(), NewMessage("t", nil)), transport.err)
	assert.Len(t, transport.published, 2)
}

func TestMessage_Metadata(t *testing.T) {
	m := &Message{ID: "1", Type: "t"}
	m.SetMetadata("entity", "Book")
	assert.Equal(t, map[string]interface{}{"entity": "Book"}, m.GetMetadata())
}
