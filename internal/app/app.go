// Package app wires the engines into one running appliance.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/orrn/boothspool/internal/api"
	"github.com/orrn/boothspool/internal/api/handlers"
	"github.com/orrn/boothspool/internal/api/middleware"
	"github.com/orrn/boothspool/internal/config"
	"github.com/orrn/boothspool/internal/core"
	"github.com/orrn/boothspool/internal/cups"
	"github.com/orrn/boothspool/internal/db"
	"github.com/orrn/boothspool/internal/events"
	"github.com/orrn/boothspool/internal/ingest"
	"github.com/orrn/boothspool/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	cfg *config.Config
	log zerolog.Logger

	Store    *db.Store
	Bus      *events.Bus
	Webhooks *webhook.Sender
	Registry *core.Registry
	Queue    *core.Queue
	Health   *core.HealthMonitor
	// Poller is nil when no ingest base URL is configured.
	Poller *ingest.Poller
	Router *gin.Engine

	unsubscribe []func()
	closeOnce   sync.Once
}

type options struct {
	enumerator core.Enumerator
	driver     core.PrintDriver
	source     ingest.Source
	scheduler  core.Scheduler
}

type Option func(*options)

// WithEnumerator replaces the CUPS enumeration.
func WithEnumerator(e core.Enumerator) Option {
	return func(o *options) { o.enumerator = e }
}

// WithDriver replaces the CUPS print call.
func WithDriver(d core.PrintDriver) Option {
	return func(o *options) { o.driver = d }
}

// WithSource replaces the HTTP ingest source and enables ingestion without a base URL.
func WithSource(s ingest.Source) Option {
	return func(o *options) { o.source = s }
}

// WithScheduler drives the health monitor and the poller.
func WithScheduler(s core.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, Store: store}
	a.Bus = events.NewBus(events.WithLogger(log.With().Str("component", "events").Logger()))

	a.Webhooks = webhook.NewSender(webhookConfig(cfg.Webhooks), log)
	if a.Webhooks.Enabled() {
		a.Webhooks.Start()
		a.unsubscribe = append(a.unsubscribe, a.Bus.Subscribe(a.Webhooks.Handle))
	}

	if o.enumerator == nil || o.driver == nil {
		driver := cups.New(cups.WithLogger(log))
		if o.enumerator == nil {
			o.enumerator = driver
		}
		if o.driver == nil {
			o.driver = driver
		}
	}

	a.Registry = core.NewRegistry(o.enumerator,
		core.WithCache(store),
		core.WithCacheTTL(cfg.Registry.CacheTTL),
		core.WithProbeTimeout(cfg.Registry.ProbeTimeout),
		core.WithRegistryLogger(log),
	)

	a.Queue = core.NewQueue(o.driver, a.Registry,
		core.WithMaxRetries(cfg.Queue.MaxRetries),
		core.WithMaxFinished(cfg.Queue.MaxFinished),
		core.WithPrintTimeout(cfg.Queue.PrintTimeout),
		core.WithQueueNotifier(a.Bus),
		core.WithQueueLogger(log),
		core.WithOnComplete(logFinished(log)),
	)

	a.Health = core.NewHealthMonitor(a.Registry,
		core.WithScheduler(o.scheduler),
		core.WithHealthNotifier(a.Bus),
		core.WithHealthLogger(log),
	)

	if err := a.buildPoller(cfg.Ingest, o); err != nil {
		a.Close()
		return nil, err
	}

	jobDefaults := handlers.JobDefaults{Copies: cfg.Queue.Copies, PaperSize: cfg.Queue.PaperSize, Color: true}
	dispatcher := NewDispatcher(a.Queue, core.JobOptions{
		Copies:    jobDefaults.Copies,
		PaperSize: jobDefaults.PaperSize,
		Color:     jobDefaults.Color,
		Silent:    true,
	}, log)
	a.unsubscribe = append(a.unsubscribe, a.Bus.Subscribe(dispatcher.Handle))

	auth, err := middleware.NewAuthMiddleware(ctx, cfg.Server.AdminPasswordHash, cfg.Server.JWTSecret, store)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}

	a.Router = api.NewRouter(api.Deps{
		Auth:        auth,
		Registry:    a.Registry,
		Queue:       a.Queue,
		Health:      a.Health,
		Poller:      a.Poller,
		JobDefaults: jobDefaults,
		Logger:      log,
	})

	return a, nil
}

func (a *App) buildPoller(cfg config.IngestConfig, o options) error {
	source := o.source
	if source == nil {
		if cfg.BaseURL == "" {
			return nil
		}
		httpSource, err := ingest.NewHTTPSource(cfg.BaseURL, ingest.WithRequestTimeout(cfg.RequestTimeout))
		if err != nil {
			return err
		}
		source = httpSource
	}

	a.Poller = ingest.NewPoller(source,
		ingest.WithNotifier(a.Bus),
		ingest.WithLogger(a.log),
		ingest.WithScheduler(o.scheduler),
		ingest.WithPollInterval(cfg.PollInterval),
		ingest.WithHealthInterval(cfg.HealthInterval),
		ingest.WithBulkThreshold(cfg.BulkThreshold),
		ingest.WithBulkTimeout(cfg.BulkTimeout),
		ingest.WithAckRetry(cfg.AckAttempts, cfg.AckDelay),
		ingest.WithDestination(cfg.DestinationDir),
		ingest.WithGalleryDir(cfg.GalleryDir),
		ingest.WithSession(cfg.SessionID),
	)
	return nil
}

func webhookConfig(cfg config.WebhooksConfig) webhook.Config {
	endpoints := make([]webhook.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints = append(endpoints, webhook.Endpoint{URL: ep.URL, Secret: ep.Secret, Events: ep.Events})
	}
	return webhook.Config{
		Endpoints:  endpoints,
		RetryCount: cfg.RetryCount,
		RetryDelay: cfg.RetryDelay,
		Timeout:    cfg.Timeout,
		QueueSize:  cfg.QueueSize,
	}
}

// Start discovers printers, applies the configured pool and starts the
// background engines. Registration or discovery failures are logged and do
// not stop the appliance from serving.
func (a *App) Start(ctx context.Context) error {
	printers, err := a.Registry.Discover(ctx, false)
	if err != nil {
		a.log.Warn().Err(err).Msg("initial discovery failed")
	} else {
		a.log.Info().Int("printers", len(printers)).Msg("initial discovery complete")
	}

	if len(a.cfg.Registry.Pool) > 0 {
		pool := a.Registry.SetPool(a.cfg.Registry.Pool)
		if len(pool) < len(a.cfg.Registry.Pool) {
			a.log.Warn().Strs("configured", a.cfg.Registry.Pool).Strs("pool", pool).Msg("some pool printers were not discovered")
		}
	}

	a.Health.Start(a.cfg.Health.Interval)

	if a.Poller == nil {
		return nil
	}
	if key := a.cfg.Ingest.ActivationKey; key != "" {
		if err := a.Poller.Register(ctx, key); err != nil {
			a.log.Warn().Err(err).Msg("device registration failed")
			return nil
		}
	}
	if err := a.Poller.Ready(); err != nil {
		a.log.Info().Err(err).Msg("ingestion not started")
		return nil
	}
	return a.Poller.Start(ctx)
}

// Serve runs the control API until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("control api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control api: %w", err)
	}
	return nil
}

// Close stops every engine in reverse start order. Jobs still printing get
// a bounded grace period.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if a.Poller != nil {
			a.Poller.Stop()
			if err := a.Poller.Wait(ctx); err != nil {
				a.log.Warn().Err(err).Msg("poller did not stop in time")
			}
		}
		if a.Health != nil {
			a.Health.Stop()
		}
		if a.Queue != nil {
			if err := a.Queue.Wait(ctx); err != nil {
				a.log.Warn().Err(err).Msg("jobs still printing at shutdown")
			}
		}
		for _, unsub := range a.unsubscribe {
			unsub()
		}
		if a.Bus != nil {
			a.Bus.Close()
		}
		if a.Webhooks != nil {
			a.Webhooks.Stop()
		}
		if err := a.Store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close store")
		}
	})
}
