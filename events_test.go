package offlinecache

import (
	"context"
	"errors"
	"testing"

	"github.com/bau-structura/offline-cache/pkg/clients"
	"github.com/bau-structura/offline-cache/pkg/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncInvokesQueueProcessor(t *testing.T) {
	var processed int
	s := newTestController(t, appServer(nil), func(c *Config) {
		c.Queue = QueueProcessorFunc(func(ctx context.Context) error {
			processed++
			return nil
		})
	})

	require.NoError(t, s.ctrl.Sync(context.Background(), SyncTag))
	require.NoError(t, s.ctrl.Sync(context.Background(), "other-tag"))
	assert.Equal(t, 1, processed)
}

func TestSyncReturnsQueueError(t *testing.T) {
	failure := errors.New("upload failed")
	s := newTestController(t, appServer(nil), func(c *Config) {
		c.Queue = QueueProcessorFunc(func(ctx context.Context) error { return failure })
	})
	assert.ErrorIs(t, s.ctrl.Sync(context.Background(), SyncTag), failure)
}

func TestSyncDefaultQueue(t *testing.T) {
	s := newTestController(t, appServer(nil))
	assert.NoError(t, s.ctrl.Sync(context.Background(), SyncTag))
}

func TestPushShowsNotification(t *testing.T) {
	tray := notify.NewTray()
	s := newTestController(t, appServer(nil), func(c *Config) { c.Notifications = tray })

	n, err := s.ctrl.Push(context.Background(), []byte("Neuer Kommentar im Projekt"))
	require.NoError(t, err)
	assert.Equal(t, "Neuer Kommentar im Projekt", n.Body)
	assert.Equal(t, notify.Tag, n.Tag)

	_, err = s.ctrl.Push(context.Background(), nil)
	require.NoError(t, err)
	visible := tray.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, notify.DefaultBody, visible[0].Body)
}

func TestNotificationClickOpen(t *testing.T) {
	tray := notify.NewTray()
	registry := clients.NewRegistry()
	s := newTestController(t, appServer(nil), func(c *Config) {
		c.Notifications = tray
		c.Clients = registry
	})
	n, err := s.ctrl.Push(context.Background(), nil)
	require.NoError(t, err)

	client, err := s.ctrl.NotificationClick(context.Background(), n.ID, notify.ActionOpen)
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "/", client.URL)
	assert.True(t, client.Focused)
	assert.Empty(t, tray.Visible())

	// a second click focuses the same window
	again, err := s.ctrl.NotificationClick(context.Background(), n.ID, notify.ActionOpen)
	require.NoError(t, err)
	assert.Equal(t, client.ID, again.ID)
	assert.Len(t, registry.MatchAll(), 1)
}

func TestNotificationClickClose(t *testing.T) {
	tray := notify.NewTray()
	registry := clients.NewRegistry()
	s := newTestController(t, appServer(nil), func(c *Config) {
		c.Notifications = tray
		c.Clients = registry
	})
	n, err := s.ctrl.Push(context.Background(), []byte("x"))
	require.NoError(t, err)

	client, err := s.ctrl.NotificationClick(context.Background(), n.ID, notify.ActionClose)
	require.NoError(t, err)
	assert.Nil(t, client)
	assert.Empty(t, tray.Visible())
	assert.Empty(t, registry.MatchAll())
}
