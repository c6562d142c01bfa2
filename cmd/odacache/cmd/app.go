package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aweris/odacache"
	"github.com/aweris/odacache/internal/config"
	"github.com/aweris/odacache/internal/metrics"
	"github.com/aweris/odacache/internal/remote"
	"github.com/aweris/odacache/internal/store"
	"github.com/aweris/odacache/loader"
)

var errNoRemote = errors.New("remote.url is not configured")

// app holds the components shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
	medium  store.Store
	cache   *odacache.Cache

	// nil without a configured remote
	loader *loader.Loader
	subs   *loader.Subscriptions
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector("odacache"),
	}

	medium, err := openMedium(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	a.medium = medium

	a.cache, err = odacache.Open(ctx,
		odacache.WithStore(store.NewQuota(medium, cfg.Cache.MaxStorageSize)),
		odacache.WithPrefix(cfg.Cache.Prefix),
		odacache.WithVersion(cfg.Cache.Version),
		odacache.WithMaxStorageSize(cfg.Cache.MaxStorageSize),
		odacache.WithMaxEntryFraction(cfg.Cache.MaxEntryFraction),
		odacache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		odacache.WithLogger(logger),
		odacache.WithMetrics(a.metrics),
	)
	if err != nil {
		_ = medium.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}

	if cfg.Remote.URL == "" {
		return a, nil
	}

	source, err := remote.NewSupabase(cfg.Remote.URL, cfg.Remote.Key,
		remote.WithRetries(cfg.Remote.Retries),
		remote.WithLogger(logger),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.loader = loader.New(a.cache, source,
		loader.WithTTLs(loader.TTLs{
			Shops:       cfg.TTL.Shops,
			Products:    cfg.TTL.Products,
			Likes:       cfg.TTL.Likes,
			Subscribers: cfg.TTL.Subscribers,
			Compiled:    cfg.TTL.Compiled,
		}),
		loader.WithTopCount(cfg.Loader.TopCount),
		loader.WithRefreshDelay(cfg.Loader.RefreshDelay),
		loader.WithLogger(logger),
		loader.WithMetrics(a.metrics),
	)
	a.subs = loader.NewSubscriptions(source, logger)
	a.loader.Attach(a.subs)
	return a, nil
}

func openMedium(ctx context.Context, cfg config.Cache) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return store.NewSQLiteStore(ctx, cfg.SQLitePath)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewLocalStore(cfg.Dir, "kv", cfg.CompressionLevel, true)
	}
}

func (a *app) requireLoader() error {
	if a.loader == nil {
		return errNoRemote
	}
	return nil
}

func (a *app) Close() error {
	var errs []error
	if a.loader != nil {
		errs = append(errs, a.loader.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	errs = append(errs, a.medium.Close())
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// withApp runs fn with a fresh app and closes it afterwards.
func withApp(ctx context.Context, fn func(*app) error) (err error) {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
