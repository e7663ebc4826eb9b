package offlinecache

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bau-structura/offline-cache/cache"
	apiroutes "github.com/bau-structura/offline-cache/pkg/api-routes"
	cachekey "github.com/bau-structura/offline-cache/pkg/cache-key"
	cachestatus "github.com/bau-structura/offline-cache/pkg/cache-status"
	"github.com/bau-structura/offline-cache/pkg/clients"
	"github.com/bau-structura/offline-cache/pkg/notify"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// Partition identifiers. Bump both together whenever the precache list
	// or the caching policy changes.
	StaticCacheName  = "bau-structura-static-v1"
	DynamicCacheName = "bau-structura-dynamic-v1"

	defaultRevalidateTimeout = 30 * time.Second
)

// DefaultPrecache is the application shell cached at install time.
var DefaultPrecache = []string{
	"/",
	"/manifest.json",
	"/icon-192x192.png",
	"/icon-512x512.png",
}

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

// ClientController is the part of the client registry the controller needs.
type ClientController interface {
	Claim() int
	OpenWindow(url string) (clients.Client, error)
}

type Config struct {
	// Storage for the cache partitions.
	Cache cache.CacheProvider
	// URL of the application server. Network requests for same-origin resources go here.
	// Upstreams with paths are not supported.
	UpstreamURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the upstream URL is just an IP address.
	UpstreamHost string
	// Public origin of the web app, e.g. https://app.bau-structura.de.
	// Absolute request URLs with another scheme or host are cross-origin.
	// Defaults to the upstream origin.
	AppOrigin string
	// Partition identifiers, defaulting to StaticCacheName and DynamicCacheName.
	StaticCache  string
	DynamicCache string
	// Root-relative paths cached at install. Defaults to DefaultPrecache.
	Precache []string
	// Data endpoints taking part in stale-while-revalidate. Defaults to apiroutes.Default().
	APIRoutes apiroutes.Routes
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Network client for cached paths. A client not following redirects is used if nil.
	Client Fetcher
	// Transport for requests forwarded to the upstream. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Upper bound for detached background work such as revalidation.
	RevalidateTimeout time.Duration
	Clients           ClientController
	Notifications     notify.Displayer
	// Extension point for replaying offline-recorded actions.
	Queue QueueProcessor
}

type state int32

const (
	stateParsed state = iota
	stateInstalled
	stateActivated
	stateRedundant
)

// Controller is one generation of the offline cache controller.
// It mediates all requests of the controlled clients between the cache partitions and the network.
type Controller struct {
	cache         cache.CacheProvider
	keyer         cachekey.CacheKeyer
	log           zerolog.Logger
	upstream      url.URL
	upstreamHost  string
	origin        *url.URL
	staticName    string
	dynamicName   string
	precache      []string
	routes        apiroutes.Routes
	client        Fetcher
	reverseproxy  *httputil.ReverseProxy
	tracer        trace.Tracer
	tasks         *lifetime
	clients       ClientController
	notifications notify.Displayer
	queue         QueueProcessor
	state         atomic.Int32
	// held for reading around cache writes, for writing when retiring
	writes        sync.RWMutex
	readOnly      bool
	// merges concurrent revalidations of the same key
	inflight      singleflight.Group
}

// New creates a controller generation. It does not touch the cache until Install is called.
func New(config Config) (*Controller, error) {
	if config.Cache == nil {
		return nil, errors.New("cache provider is required")
	}
	if config.UpstreamURL.Scheme == "" || config.UpstreamURL.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", config.UpstreamURL.String())
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	c := &Controller{
		cache:         config.Cache,
		upstream:      config.UpstreamURL,
		upstreamHost:  config.UpstreamHost,
		staticName:    config.StaticCache,
		dynamicName:   config.DynamicCache,
		precache:      config.Precache,
		routes:        config.APIRoutes,
		client:        config.Client,
		tracer:        otel.Tracer("github.com/bau-structura/offline-cache"),
		clients:       config.Clients,
		notifications: config.Notifications,
		queue:         config.Queue,
	}
	if c.staticName == "" {
		c.staticName = StaticCacheName
	}
	if c.dynamicName == "" {
		c.dynamicName = DynamicCacheName
	}
	if c.staticName == c.dynamicName {
		return nil, fmt.Errorf("static and dynamic partitions must differ, both are %q", c.staticName)
	}
	if c.precache == nil {
		c.precache = DefaultPrecache
	}
	if c.routes == nil {
		c.routes = apiroutes.Default()
	}

	appOrigin := config.AppOrigin
	if appOrigin == "" {
		appOrigin = config.UpstreamURL.Scheme + "://" + config.UpstreamURL.Host
	}
	origin, err := url.Parse(appOrigin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid app origin %q", appOrigin)
	}
	c.origin = origin
	c.keyer = cachekey.NewCacheKeyer(origin.Scheme + "://" + origin.Host)

	// create a child logger and add defaults
	c.log = logger.With().
		Str("upstream", config.UpstreamURL.String()).
		Str("static", c.staticName).
		Str("dynamic", c.dynamicName).
		Logger()

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.UpstreamHost != "" && config.Transport == nil {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: config.UpstreamHost,
			},
		}
	}
	if c.client == nil {
		c.client = &http.Client{
			Transport: transport,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	host := config.UpstreamURL.Host
	hostHeader := host
	if config.UpstreamHost != "" {
		hostHeader = config.UpstreamHost
	}
	c.reverseproxy = &httputil.ReverseProxy{
		Director:     createDirector(config.UpstreamURL.Scheme, host, hostHeader),
		Transport:    transport,
		ErrorHandler: c.proxyError,
	}

	if c.clients == nil {
		c.clients = clients.NewRegistry()
	}
	if c.notifications == nil {
		c.notifications = notify.NewTray()
	}
	if c.queue == nil {
		c.queue = logQueue{log: c.log}
	}

	timeout := config.RevalidateTimeout
	if timeout <= 0 {
		timeout = defaultRevalidateTimeout
	}
	c.tasks = newLifetime(c.log, timeout)

	return c, nil
}

// NetworkHandler returns a handler sending every request straight to the upstream.
// It stands in for the network while no controller generation is active.
func NetworkHandler(upstream url.URL, upstreamHost string, logger zerolog.Logger) http.Handler {
	hostHeader := upstream.Host
	var transport http.RoundTripper
	if upstreamHost != "" {
		hostHeader = upstreamHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{ServerName: upstreamHost},
		}
	}
	return &httputil.ReverseProxy{
		Director:  createDirector(upstream.Scheme, upstream.Host, hostHeader),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error().Err(err).Str("url", r.URL.String()).Msg("Could not reach upstream")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// Active reports whether the controller governs requests.
func (c *Controller) Active() bool {
	return state(c.state.Load()) == stateActivated
}

// StaticCache returns the identifier of the static partition.
func (c *Controller) StaticCache() string {
	return c.staticName
}

// DynamicCache returns the identifier of the dynamic partition.
func (c *Controller) DynamicCache() string {
	return c.dynamicName
}

// Keyer returns the cache key generator of this controller.
func (c *Controller) Keyer() cachekey.CacheKeyer {
	return c.keyer
}

// sameOrigin reports whether the request targets the app origin.
// Requests in origin form (relative URLs) always do.
func (c *Controller) sameOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return true
	}
	return strings.EqualFold(r.URL.Scheme, c.origin.Scheme) &&
		strings.EqualFold(r.URL.Host, c.origin.Host)
}

// isNavigation reports whether the request is a page navigation rather than a sub-resource.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func (c *Controller) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	c.logger(r).Error().Err(err).Str("url", r.URL.String()).Msg("Could not reach network")
	w.WriteHeader(http.StatusBadGateway)
}

// logger returns the request logger if the request carries one,
// falling back to the controller logger.
func (c *Controller) logger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return &c.log
	}
	return logger
}

func (c *Controller) logRequest(r *http.Request, status int, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.Status == cachestatus.Hit {
		isHit = 1
	}
	c.logger(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Str("cache", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Str("detail", cs.Detail).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
