package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bau-structura/offline-cache/pkg/clients"
	"github.com/bau-structura/offline-cache/pkg/notify"

	"github.com/rs/zerolog"
)

// SyncTag is the tag of the background sync registered for deferred user actions.
const SyncTag = "background-sync"

// QueueProcessor replays actions recorded while offline (form submissions, uploads).
// How actions are persisted and replayed is up to the implementation.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context) error
}

// QueueProcessorFunc adapts a function to QueueProcessor.
type QueueProcessorFunc func(ctx context.Context) error

func (f QueueProcessorFunc) ProcessQueue(ctx context.Context) error {
	return f(ctx)
}

// logQueue is the default queue processor. There is no offline queue yet.
type logQueue struct {
	log zerolog.Logger
}

func (q logQueue) ProcessQueue(ctx context.Context) error {
	q.log.Info().Msg("Background sync: no offline queue configured")
	return nil
}

// Sync handles a background sync event. Only SyncTag is handled, other tags are ignored.
// The error is returned so the caller can schedule a retry.
func (c *Controller) Sync(ctx context.Context, tag string) error {
	if tag != SyncTag {
		c.log.Trace().Str("tag", tag).Msg("Ignoring sync event")
		return nil
	}
	c.log.Debug().Str("tag", tag).Msg("Processing offline queue")
	if err := c.queue.ProcessQueue(ctx); err != nil {
		return fmt.Errorf("sync %s: %w", tag, err)
	}
	return nil
}

// Push shows the notification for a push message with an optional plaintext payload.
func (c *Controller) Push(ctx context.Context, payload []byte) (notify.Notification, error) {
	n := notify.FromPush(payload, time.Now())
	shown, err := c.notifications.Show(ctx, n)
	if err != nil {
		return shown, err
	}
	c.log.Debug().Str("notification", shown.ID).Str("body", shown.Body).Msg("Showing push notification")
	return shown, nil
}

// NotificationClick closes the clicked notification. For the open action it focuses
// or opens a client at the application root and returns it.
func (c *Controller) NotificationClick(ctx context.Context, notificationID, action string) (*clients.Client, error) {
	err := c.notifications.Close(ctx, notificationID)
	if err != nil && !errors.Is(err, notify.ErrNotificationNotFound) {
		return nil, err
	}
	if action != notify.ActionOpen {
		return nil, nil
	}
	client, err := c.clients.OpenWindow("/")
	if err != nil {
		return nil, fmt.Errorf("open window: %w", err)
	}
	c.log.Debug().Str("client", client.ID).Msg("Opened application from notification")
	return &client, nil
}
