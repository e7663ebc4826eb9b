package offlinecache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	cachestatus "github.com/bau-structura/offline-cache/pkg/cache-status"
	tee "github.com/bau-structura/offline-cache/pkg/response-writer-tee"
	serializer "github.com/bau-structura/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OfflineMessage is the error text of the offline payload for data endpoints.
const OfflineMessage = "Offline - Daten nicht verfügbar"

// OfflinePayload is the body sent for a data endpoint read when neither network nor cache can serve it.
type OfflinePayload struct {
	Error  string `json:"error"`
	Cached bool   `json:"cached"`
}

// ServeHTTP implements the http.Handler interface.
// It is the fetch dispatch of the controller.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer c.recover(w, r)
	c.handle(w, r)
}

// recover recovers from panics and answers with the offline fallback.
func (c *Controller) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		c.logger(r).WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		if c.routes.Match(r.URL.Path) {
			c.sendOfflinePayload(w, r)
		} else {
			c.sendOffline(w, r)
		}
	}
}

func (c *Controller) handle(w http.ResponseWriter, r *http.Request) {
	// a controller that has not claimed its clients does not intercept
	if !c.Active() {
		c.bypass(w, r, cachestatus.FwdBypass)
		return
	}
	// cross-origin requests are left to the client, never fetched or cached here
	if !c.sameOrigin(r) {
		c.refuseCrossOrigin(w, r)
		return
	}
	if c.routes.Match(r.URL.Path) {
		if r.Method == http.MethodGet {
			c.serveAPI(w, r)
		} else {
			c.forwardWrite(w, r)
		}
		return
	}
	if r.Method != http.MethodGet {
		c.bypass(w, r, cachestatus.FwdMethod)
		return
	}
	c.serveStatic(w, r)
}

// serveAPI answers data endpoint reads: stale-while-revalidate, falling back to
// the offline payload. It never fails the request.
func (c *Controller) serveAPI(w http.ResponseWriter, r *http.Request) {
	log := c.logger(r)
	key, err := c.keyer.GetKey(r)
	if err != nil {
		log.Error().Err(err).Msg("Could not get cache key")
		c.bypass(w, r, cachestatus.FwdMethod)
		return
	}

	cs := cachestatus.CacheStatus{}
	if cached, ok := c.match(key); ok {
		log.Trace().Str("key", key).Msg("Serving stored data, revalidating in background")
		cs.Hit()
		c.send(w, r, cached, cs)
		c.revalidate(r, key)
		return
	}

	res, err := c.fetch(r.Context(), r)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Network unavailable for data request")
		// the entry might have been stored in the meantime
		if cached, ok := c.match(key); ok {
			cs.Hit()
			cs.Detail = "offline"
			c.send(w, r, cached, cs)
			return
		}
		c.sendOfflinePayload(w, r)
		return
	}

	cs.Forward(cachestatus.FwdUriMiss)
	if res.OK() {
		cs.Stored = c.store(c.dynamicName, key, res)
	}
	c.send(w, r, res, cs)
}

// serveStatic answers application shell and asset requests: cache first, network second.
func (c *Controller) serveStatic(w http.ResponseWriter, r *http.Request) {
	log := c.logger(r)
	key, err := c.keyer.GetKey(r)
	if err != nil {
		c.bypass(w, r, cachestatus.FwdMethod)
		return
	}

	cs := cachestatus.CacheStatus{}
	if cached, ok := c.match(key); ok {
		log.Trace().Str("key", key).Msg("Cache hit")
		cs.Hit()
		c.send(w, r, cached, cs)
		return
	}

	res, err := c.fetch(r.Context(), r)
	if err == nil {
		cs.Forward(cachestatus.FwdUriMiss)
		if res.OK() {
			cs.Stored = c.store(c.staticName, key, res)
		}
		c.send(w, r, res, cs)
		return
	}

	log.Warn().Err(err).Str("key", key).Msg("Network unavailable for static request")
	cs.Hit()
	cs.Detail = "offline"
	if cached, ok := c.match(key); ok {
		c.send(w, r, cached, cs)
		return
	}
	if isNavigation(r) {
		if shell, ok := c.match(c.keyer.PathKey("/")); ok {
			c.send(w, r, shell, cs)
			return
		}
	}
	c.sendOffline(w, r)
}

// forwardWrite passes writes to data endpoints through to the network without caching.
// Successful writes may name stored data to refresh through the Cache-Update header.
func (c *Controller) forwardWrite(w http.ResponseWriter, r *http.Request) {
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdMethod)
	w.Header().Set("Cache-Status", cs.String())

	// keep the credentials for the refresh requests
	header := r.Header.Clone()

	rwtee := tee.NewResponseSaver(w)
	c.reverseproxy.ServeHTTP(rwtee, r)
	c.logRequest(r, rwtee.StatusCode(), cs)

	c.refreshUpdated(r, rwtee.StatusCode(), rwtee.Header(), header)
}

// bypass sends the request to the network without looking at the cache.
func (c *Controller) bypass(w http.ResponseWriter, r *http.Request, reason cachestatus.FwdReason) {
	cs := cachestatus.CacheStatus{}
	cs.Forward(reason)
	w.Header().Set("Cache-Status", cs.String())
	rwtee := tee.NewResponseSaver(w)
	c.reverseproxy.ServeHTTP(rwtee, r)
	c.logRequest(r, rwtee.StatusCode(), cs)
}

// refuseCrossOrigin answers absolute-form requests for foreign origins without any network access.
func (c *Controller) refuseCrossOrigin(w http.ResponseWriter, r *http.Request) {
	c.logger(r).Warn().Str("url", r.URL.String()).Msg("Refusing cross-origin request")
	http.Error(w, "cross-origin request not served by this origin", http.StatusMisdirectedRequest)
}

// fetch gets the same-origin resource from the network and buffers the response.
// Any error means the network is unavailable.
func (c *Controller) fetch(ctx context.Context, r *http.Request) (serializer.StoredResponse, error) {
	ctx, span := c.tracer.Start(ctx, "offlinecache.fetch", trace.WithAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.target", r.URL.RequestURI()),
	))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, r.Method, c.upstream.Scheme+"://"+c.upstream.Host+r.URL.RequestURI(), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return serializer.StoredResponse{}, err
	}
	copyHeader(req.Header, r.Header)
	if c.upstreamHost != "" {
		req.Host = c.upstreamHost
	}
	res, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "network error")
		return serializer.StoredResponse{}, fmt.Errorf("fetch %s: %w", r.URL.RequestURI(), err)
	}
	sRes, err := serializer.FromResponse(res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "body error")
		return sRes, fmt.Errorf("fetch %s: %w", r.URL.RequestURI(), err)
	}
	span.SetAttributes(attribute.Int("http.status_code", sRes.StatusCode))
	return sRes, nil
}

// match looks the key up in all partitions.
// Lookup failures and corrupted entries count as misses.
func (c *Controller) match(key string) (serializer.StoredResponse, bool) {
	b, ok, err := c.cache.Match(key)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return serializer.StoredResponse{}, false
	}
	if !ok {
		return serializer.StoredResponse{}, false
	}
	sRes, err := serializer.FromBytes(b)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Corrupted cache entry")
		return serializer.StoredResponse{}, false
	}
	return sRes, true
}

// store writes a successful response to the partition. Only 2xx responses are ever stored.
// A retired generation stores nothing, so its partitions stay deleted.
func (c *Controller) store(partition, key string, sRes serializer.StoredResponse) bool {
	if !sRes.OK() {
		return false
	}
	c.writes.RLock()
	defer c.writes.RUnlock()
	if c.readOnly {
		c.log.Trace().Str("key", key).Str("partition", partition).Msg("Generation retired, not storing")
		return false
	}
	b, err := sRes.Bytes()
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		return false
	}
	if err := c.cache.Put(partition, key, b); err != nil {
		c.log.Error().Err(err).Str("key", key).Str("partition", partition).Msg("Could not write to cache")
		return false
	}
	c.log.Trace().Str("key", key).Str("partition", partition).Msg("Cache write")
	return true
}

func (c *Controller) send(w http.ResponseWriter, r *http.Request, sRes serializer.StoredResponse, cs cachestatus.CacheStatus) {
	copyHeader(w.Header(), sRes.Header)
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(sRes.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := w.Write(sRes.Body); err != nil {
			c.logger(r).Error().Err(err).Msg("Could not write response body to client")
		}
	}
	c.logRequest(r, sRes.StatusCode, cs)
}

func (c *Controller) sendOfflinePayload(w http.ResponseWriter, r *http.Request) {
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	cs.Detail = "offline"
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(http.StatusServiceUnavailable)
	if err := json.NewEncoder(w).Encode(OfflinePayload{Error: OfflineMessage, Cached: false}); err != nil {
		c.logger(r).Error().Err(err).Msg("Could not write offline payload")
	}
	c.logRequest(r, http.StatusServiceUnavailable, cs)
}

func (c *Controller) sendOffline(w http.ResponseWriter, r *http.Request) {
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	cs.Detail = "offline"
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := io.WriteString(w, "Offline"); err != nil {
		c.logger(r).Error().Err(err).Msg("Could not write offline response")
	}
	c.logRequest(r, http.StatusServiceUnavailable, cs)
}
