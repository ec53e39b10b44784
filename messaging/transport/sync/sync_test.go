package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorel/messaging"
)

func counter(name string, n *int) messaging.IMessageHandler {
	return messaging.NewHandler(name, func(context.Context, messaging.IMessage) error {
		*n++
		return nil
	})
}

func TestSyncTransport_RoutesByTypeAndWildcard(t *testing.T) {
	tpt := NewSyncTransport()
	require.NoError(t, tpt.Start(context.Background()))
	defer tpt.Close()

	var typed, all, other int
	require.NoError(t, tpt.Subscribe("entity", counter("typed", &typed)))
	require.NoError(t, tpt.Subscribe(messaging.MessageTypeAll, counter("all", &all)))
	require.NoError(t, tpt.Subscribe("association", counter("other", &other)))

	require.NoError(t, tpt.PublishAll(context.Background(), []messaging.IMessage{
		messaging.NewMessage("entity", nil),
		messaging.NewMessage("entity", nil),
	}))
	assert.Equal(t, 2, typed)
	assert.Equal(t, 2, all)
	assert.Equal(t, 0, other)

	stats := tpt.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 3, stats.HandlerCount)
	assert.Equal(t, []string{messaging.MessageTypeAll, "association", "entity"}, stats.MessageTypes)
	assert.Equal(t, int64(2), stats.Published)
}

func TestSyncTransport_HandlerErrorsAreJoined(t *testing.T) {
	tpt := NewSyncTransport()
	require.NoError(t, tpt.Start(context.Background()))

	boom := errors.New("boom")
	var after int
	require.NoError(t, tpt.Subscribe("entity", messaging.NewHandler("failing", func(context.Context, messaging.IMessage) error {
		return boom
	})))
	require.NoError(t, tpt.Subscribe("entity", counter("after", &after)))

	err := tpt.Publish(context.Background(), messaging.NewMessage("entity", nil))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")
	assert.Equal(t, 1, after, "后续处理器仍然执行")
	assert.Equal(t, int64(1), tpt.Stats().Failed)
}

func TestSyncTransport_Unsubscribe(t *testing.T) {
	tpt := NewSyncTransport()
	require.NoError(t, tpt.Start(context.Background()))

	var n int
	h := counter("h", &n)
	require.NoError(t, tpt.Subscribe("entity", h))
	require.NoError(t, tpt.Unsubscribe("entity", h))
	require.NoError(t, tpt.Publish(context.Background(), messaging.NewMessage("entity", nil)))
	assert.Zero(t, n)
	assert.Error(t, tpt.Unsubscribe("entity", h))
}

func TestSyncTransport_NotRunning(t *testing.T) {
	tpt := NewSyncTransport()
	assert.Error(t, tpt.Publish(context.Background(), messaging.NewMessage("entity", nil)))

	require.NoError(t, tpt.Start(context.Background()))
	require.NoError(t, tpt.Close())
	assert.Error(t, tpt.Publish(context.Background(), messaging.NewMessage("entity", nil)))
}
