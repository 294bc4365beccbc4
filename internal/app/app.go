// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcache/internal/clock/system"
	"github.com/JakeFAU/fetchcache/internal/config"
	"github.com/JakeFAU/fetchcache/internal/consumer"
	collyfetcher "github.com/JakeFAU/fetchcache/internal/fetcher/colly"
	"github.com/JakeFAU/fetchcache/internal/hash/sha256"
	"github.com/JakeFAU/fetchcache/internal/id/uuid"
	"github.com/JakeFAU/fetchcache/internal/metrics"
	"github.com/JakeFAU/fetchcache/internal/pipeline"
	"github.com/JakeFAU/fetchcache/internal/storage"
	"github.com/JakeFAU/fetchcache/internal/storage/gcs"
	"github.com/JakeFAU/fetchcache/internal/storage/local"
	memorystorage "github.com/JakeFAU/fetchcache/internal/storage/memory"
	"github.com/JakeFAU/fetchcache/internal/storage/postgres"
)

// App holds the shared services built from one Config.
type App struct {
	Config config.Config
	Logger *zap.Logger
	Loader *pipeline.Loader
	Sink   *consumer.AssetSink
	Blobs  storage.BlobStore
	Log    storage.FetchLog
	IDs    *uuid.Generator

	closers []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	fetcher pipeline.Fetcher
}

// WithFetcher replaces the colly fetcher, mainly for tests.
func WithFetcher(f pipeline.Fetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// New creates and initializes an App. It fails fast if a configured backend
// cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		IDs:    uuid.New(),
	}

	blobs, err := a.openBlobStore(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("initialize storage: %w", err), a.closeAll())
	}
	a.Blobs = blobs

	fetchLog, err := a.openFetchLog(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("initialize fetch log: %w", err), a.closeAll())
	}
	a.Log = fetchLog

	policy, err := cfg.FailurePolicy()
	if err != nil {
		return nil, errors.Join(err, a.closeAll())
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:      cfg.Fetcher.UserAgent,
			ConnectTimeout: cfg.Fetcher.ConnectTimeout,
			RequestTimeout: cfg.Fetcher.RequestTimeout,
			MaxBodyBytes:   cfg.Fetcher.MaxBodyBytes,
		})
	}

	a.Loader = pipeline.New(fetcher,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithClock(system.New()),
		pipeline.WithObserver(metrics.NewObserver()),
		pipeline.WithFailurePolicy(policy),
	)

	a.Sink = consumer.NewAssetSink(
		a.Blobs,
		a.Log,
		sha256.New(),
		a.IDs,
		consumer.SinkConfig{
			Prefix:      cfg.Storage.Prefix,
			ContentType: cfg.Storage.ContentType,
		},
		logger.Named("sink"),
	)

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("fetch_log", cfg.DB.DSN != ""),
		zap.Stringer("failure_policy", policy),
	)
	return a, nil
}

func (a *App) openBlobStore(ctx context.Context) (storage.BlobStore, error) {
	switch a.Config.Storage.Backend {
	case config.BackendMemory, "":
		return memorystorage.NewBlobStore(), nil
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: a.Config.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		store, client, err := gcs.Open(ctx, gcs.Config{Bucket: a.Config.Storage.GCSBucket}, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", a.Config.Storage.Backend)
	}
}

func (a *App) openFetchLog(ctx context.Context) (storage.FetchLog, error) {
	if a.Config.DB.DSN == "" {
		return memorystorage.NewFetchLog(), nil
	}
	pg, err := postgres.NewFetchLog(ctx, postgres.Config{
		DSN:      a.Config.DB.DSN,
		Table:    a.Config.DB.Table,
		MaxConns: a.Config.DB.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return pg, nil
}

// Close stops the loader, waits for in-flight fetches until ctx ends and
// releases backend clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Loader != nil {
		if err := a.Loader.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close loader: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		a.Logger.Warn("application shutdown finished with errors", zap.Error(errors.Join(errs...)))
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
