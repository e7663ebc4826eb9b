package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Registration holds the active controller generation and replaces it on update.
// A failed install of a new generation leaves the previous one in charge.
type Registration struct {
	active  atomic.Pointer[Controller]
	network http.Handler
	log     zerolog.Logger
	// serializes updates
	mutex sync.Mutex
}

// NewRegistration creates a registration with no active controller.
// Until one is activated, requests go to the network handler.
func NewRegistration(network http.Handler, logger zerolog.Logger) *Registration {
	return &Registration{
		network: network,
		log:     logger,
	}
}

// Update installs and activates the next controller generation.
// The previous generation is retired and its background work awaited.
func (reg *Registration) Update(ctx context.Context, next *Controller) error {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	if err := next.Install(ctx); err != nil {
		if prev := reg.active.Load(); prev != nil {
			reg.log.Warn().Err(err).Str("static", prev.StaticCache()).Msg("Keeping previous controller generation")
		}
		return err
	}
	// the previous generation keeps serving but must not recreate partitions activation deletes
	prev := reg.active.Load()
	if prev != nil && prev != next {
		prev.setReadOnly(true)
	}
	if _, err := next.Activate(ctx); err != nil {
		if prev != nil && prev != next {
			prev.setReadOnly(false)
		}
		return fmt.Errorf("activate: %w", err)
	}
	reg.active.Store(next)
	if prev != nil && prev != next {
		prev.retire()
		if err := prev.Close(ctx); err != nil {
			reg.log.Warn().Err(err).Msg("Previous controller generation did not finish in time")
		}
	}
	return nil
}

// Active returns the active controller, or nil.
func (reg *Registration) Active() *Controller {
	return reg.active.Load()
}

// ServeHTTP implements the http.Handler interface.
func (reg *Registration) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c := reg.active.Load(); c != nil {
		c.ServeHTTP(w, r)
		return
	}
	reg.network.ServeHTTP(w, r)
}

// Close waits for the background work of the active generation.
func (reg *Registration) Close(ctx context.Context) error {
	if c := reg.active.Load(); c != nil {
		return c.Close(ctx)
	}
	return nil
}
