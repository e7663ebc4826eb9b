package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	cacheupdate "github.com/bau-structura/offline-cache/pkg/cache-update"

	"github.com/rs/zerolog"
)

// lifetime keeps track of detached background work.
// Each task gets its own context and error boundary, so it can never affect the
// request that started it. Close waits for the tracked tasks.
type lifetime struct {
	wg      sync.WaitGroup
	log     zerolog.Logger
	timeout time.Duration
}

func newLifetime(log zerolog.Logger, timeout time.Duration) *lifetime {
	return &lifetime{log: log, timeout: timeout}
}

// waitUntil runs fn in a detached goroutine. Errors and panics are logged and discarded.
func (l *lifetime) waitUntil(name string, fn func(ctx context.Context) error) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if err := recover(); err != nil {
				l.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("task", name).Msg("Panic in background task")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			l.log.Warn().Err(err).Str("task", name).Msg("Background task failed")
		}
	}()
}

// wait blocks until all tasks are done or the context ends.
func (l *lifetime) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// revalidate refreshes the stored data for the request in the background.
// The client already got the stored value; nothing here can change that.
// Concurrent revalidations of one key share a single network request.
func (c *Controller) revalidate(r *http.Request, key string) {
	req := r.Clone(context.WithoutCancel(r.Context()))
	c.tasks.waitUntil("revalidate "+key, func(ctx context.Context) error {
		_, err, shared := c.inflight.Do(key, func() (any, error) {
			return nil, c.refresh(ctx, req, key)
		})
		if shared {
			c.log.Trace().Str("key", key).Msg("Revalidation shared between requests")
		}
		return err
	})
}

// refresh fetches the request and overwrites the dynamic entry with a successful response.
// A retired generation does not refresh.
func (c *Controller) refresh(ctx context.Context, req *http.Request, key string) error {
	if !c.writable() {
		return nil
	}
	res, err := c.fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("revalidate: %w", err)
	}
	if !res.OK() {
		c.log.Trace().Str("key", key).Int("status", res.StatusCode).Msg("Not updating stored data with unsuccessful response")
		return nil
	}
	if !c.store(c.dynamicName, key, res) {
		if !c.writable() {
			return nil
		}
		return fmt.Errorf("revalidate: could not store %s", key)
	}
	c.log.Trace().Str("key", key).Msg("Revalidated stored data")
	return nil
}

// refreshUpdated revalidates the stored data named by the Cache-Update headers of a write response.
// Only data already in the dynamic partition is refreshed.
func (c *Controller) refreshUpdated(r *http.Request, status int, resHeader, reqHeader http.Header) {
	for _, update := range cacheupdate.GetCacheUpdates(r, status, resHeader) {
		key := c.keyer.PathKey(update.Path)
		if !c.cache.Has(c.dynamicName, key) {
			continue
		}
		req, err := http.NewRequest(http.MethodGet, update.Path, nil)
		if err != nil {
			c.log.Error().Err(err).Str("path", update.Path).Msg("Could not create request for update")
			continue
		}
		req.Header = reqHeader.Clone()
		req.Header.Del("Content-Type")
		req.Header.Del("Content-Length")
		delay := update.Delay
		c.log.Trace().Str("update", update.Path).Dur("delay", delay).Msg("Updating stored data based on header")
		c.tasks.waitUntil("update "+key, func(ctx context.Context) error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return c.refresh(ctx, req, key)
		})
	}
}

// Close waits for the background work of this generation to finish.
func (c *Controller) Close(ctx context.Context) error {
	return c.tasks.wait(ctx)
}
