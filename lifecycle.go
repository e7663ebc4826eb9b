package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bau-structura/offline-cache/cache"

	"golang.org/x/sync/errgroup"
)

var (
	ErrInstallFailed = errors.New("install failed")
	ErrNotInstalled  = errors.New("controller not installed")
	ErrRedundant     = errors.New("controller was replaced")
)

// Install precaches the application shell into the static partition.
// Either every manifest entry is fetched successfully and the whole group is committed,
// or nothing is written and ErrInstallFailed is returned.
// A successful install skips waiting: the controller may be activated right away.
func (c *Controller) Install(ctx context.Context) error {
	if state(c.state.Load()) == stateRedundant {
		return ErrRedundant
	}
	c.log.Info().Strs("precache", c.precache).Msg("Installing")

	entries := make([]cache.CacheEntry, len(c.precache))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range c.precache {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, path, nil)
			if err != nil {
				return fmt.Errorf("precache %s: %w", path, err)
			}
			res, err := c.fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", path, err)
			}
			if !res.OK() {
				return fmt.Errorf("precache %s: status %d", path, res.StatusCode)
			}
			b, err := res.Bytes()
			if err != nil {
				return fmt.Errorf("precache %s: %w", path, err)
			}
			entries[i] = cache.CacheEntry{
				Key:      c.keyer.PathKey(path),
				StoredAt: res.StoredAt,
				Bytes:    b,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Error().Err(err).Msg("Install failed, nothing stored")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if err := c.cache.PutAll(c.staticName, entries); err != nil {
		c.log.Error().Err(err).Msg("Install failed, could not store precached entries")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	// skip waiting
	c.state.CompareAndSwap(int32(stateParsed), int32(stateInstalled))
	c.log.Info().Int("entries", len(entries)).Msg("Installed")
	return nil
}

// Activate deletes every partition not belonging to this generation and claims all clients.
// It returns the names of the deleted partitions. Activating again deletes nothing.
func (c *Controller) Activate(ctx context.Context) ([]string, error) {
	switch state(c.state.Load()) {
	case stateParsed:
		return nil, ErrNotInstalled
	case stateRedundant:
		return nil, ErrRedundant
	}
	names, err := c.cache.Partitions()
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	deleted := make([]string, 0)
	for _, name := range names {
		if name == c.staticName || name == c.dynamicName {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		ok, err := c.cache.DeletePartition(name)
		if err != nil {
			return deleted, fmt.Errorf("delete partition %s: %w", name, err)
		}
		if ok {
			c.log.Info().Str("partition", name).Msg("Deleted old cache partition")
			deleted = append(deleted, name)
		}
	}
	c.state.Store(int32(stateActivated))
	claimed := c.clients.Claim()
	c.log.Info().Int("claimed", claimed).Strs("deleted", deleted).Msg("Activated")
	return deleted, nil
}

// retire marks the controller as replaced by a newer generation.
func (c *Controller) retire() {
	c.setReadOnly(true)
	c.state.Store(int32(stateRedundant))
}

// setReadOnly stops or resumes cache writes. Stopping waits for writes in progress.
func (c *Controller) setReadOnly(readOnly bool) {
	c.writes.Lock()
	defer c.writes.Unlock()
	c.readOnly = readOnly
}

func (c *Controller) writable() bool {
	c.writes.RLock()
	defer c.writes.RUnlock()
	return !c.readOnly
}
