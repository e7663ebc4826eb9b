package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/bau-structura/offline-cache"
	"github.com/bau-structura/offline-cache/cache"
	"github.com/bau-structura/offline-cache/pkg/clients"
	"github.com/bau-structura/offline-cache/pkg/notify"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// eventsPath is where the runtime events of the active controller are exposed.
const eventsPath = "/.well-known/bau-cache"

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	upstreamFlag       string
	addrFlag           string
	hostFlag           string
	appOriginFlag      string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&upstreamFlag, "upstream", "", "Application server URL (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Application server IP address")
	flag.StringVar(&hostFlag, "host", "", "Hostname of application server")
	flag.StringVar(&appOriginFlag, "app-origin", "", "Public origin of the web app (defaults to upstream)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory cache)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	config, err := loadConfig(configFilenameFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyFlags(&config)
	setupLogging(config)

	upstream, err := upstreamURL(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Please specify upstream")
	}

	provider, closeProvider, err := openCache(config.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache")
	}
	defer closeProvider()

	registry := clients.NewRegistry()
	tray := notify.NewTray()
	newController := func(config Config) (*offlinecache.Controller, error) {
		return offlinecache.New(offlinecache.Config{
			Cache:             provider,
			UpstreamURL:       *upstream,
			UpstreamHost:      config.UpstreamHost,
			AppOrigin:         config.AppOrigin,
			StaticCache:       config.StaticCache,
			DynamicCache:      config.DynamicCache,
			Precache:          config.Precache,
			APIRoutes:         config.APIPatterns,
			Logger:            &log.Logger,
			RevalidateTimeout: config.RevalidateTimeout,
			Clients:           registry,
			Notifications:     tray,
		})
	}

	reg := offlinecache.NewRegistration(
		offlinecache.NetworkHandler(*upstream, config.UpstreamHost, log.Logger),
		log.Logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	register := func(ctx context.Context, config Config) error {
		ctrl, err := newController(config)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("invalid controller configuration: %w", err))
		}
		installCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := reg.Update(installCtx, ctrl); err != nil {
			return err
		}
		log.Info().Str("static", ctrl.StaticCache()).Str("dynamic", ctrl.DynamicCache()).Msg("Controller active")
		return nil
	}
	// the upstream might not be up yet, requests go to the network until a generation installs
	go func() {
		err := retryRegister(ctx, time.Second, func(ctx context.Context) error {
			if reg.Active() != nil {
				// a reload got there first
				return nil
			}
			return register(ctx, config)
		})
		if err != nil {
			log.Error().Err(err).Msg("Could not register controller")
		}
	}()
	go reloadOnHangup(ctx, register)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(hlog.NewHandler(log.Logger))
	router.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	router.Mount(eventsPath, reg.EventRouter())
	router.Handle("/*", reg)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
		if err := reg.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Background work did not finish")
		}
	}()

	log.Info().Msgf("Serving port %v for %s (with hostname '%s')", config.Port, upstream.String(), config.UpstreamHost)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// retryRegister runs register until it succeeds, backing off exponentially between attempts.
// It gives up on permanent errors or when ctx ends.
func retryRegister(ctx context.Context, initial time.Duration, register func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = time.Minute
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, register(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retryIn", next).Msg("Controller install failed, retrying")
		}),
	)
	return err
}

// reloadOnHangup re-reads the configuration on SIGHUP and registers a new controller generation.
// A failed reload keeps the active generation.
func reloadOnHangup(ctx context.Context, register func(context.Context, Config) error) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			config, err := loadConfig(configFilenameFlag)
			if err != nil {
				log.Error().Err(err).Msg("Could not reload config")
				continue
			}
			applyFlags(&config)
			log.Info().Msg("Reloading controller")
			if err := register(ctx, config); err != nil {
				log.Error().Err(err).Msg("Could not reload controller")
			}
		}
	}
}

func applyFlags(config *Config) {
	if portFlag != 0 {
		config.Port = portFlag
	}
	if upstreamFlag != "" {
		config.Upstream = upstreamFlag
	} else if addrFlag != "" {
		config.Upstream = "https://" + addrFlag
		config.UpstreamHost = hostFlag
	}
	if appOriginFlag != "" {
		config.AppOrigin = appOriginFlag
	}
	if dbFilenameFlag != "" {
		config.DB = dbFilenameFlag
	}
	if logFilenameFlag != "" {
		config.LogFile = logFilenameFlag
	}
}

func setupLogging(config Config) {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFile != "" {
		if logFileOutput, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}

func upstreamURL(config Config) (*url.URL, error) {
	if config.Upstream == "" {
		return nil, errors.New("no upstream configured")
	}
	upstream, err := url.Parse(config.Upstream)
	if err != nil {
		return nil, fmt.Errorf("could not parse url: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream must be an absolute url: %s", config.Upstream)
	}
	return upstream, nil
}

// openCache opens the cache provider for the db file name.
func openCache(dbFilename string) (cache.CacheProvider, func(), error) {
	if dbFilename == "memory" {
		return cache.NewMemCache(), func() {}, nil
	}
	sqlite, err := cache.NewSQLiteCache(dbFilename)
	if err != nil {
		return nil, nil, err
	}
	return sqlite, func() { sqlite.Close() }, nil
}
