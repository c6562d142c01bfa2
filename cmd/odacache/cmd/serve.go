package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aweris/odacache/internal/compression"
	"github.com/aweris/odacache/internal/config"
	"github.com/aweris/odacache/internal/store"
	"github.com/aweris/odacache/loader"
	"github.com/aweris/odacache/worker"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the site through the caching proxy",
	Long:  `Proxy requests to worker.upstream, answering them from the response caches
when the upstream is slow or unreachable. Also serves the compiled listing at
/_oda/shops, worker control messages at /_sw/message and metrics at /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default from worker.listen)")
	serveCmd.Flags().String("upstream", "", "upstream origin (default from worker.upstream)")

	viper.BindPFlag("worker.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("worker.upstream", serveCmd.Flags().Lookup("upstream"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(a *app) error {
		if a.cfg.Worker.Upstream == "" {
			return errors.New("worker.upstream is not configured")
		}
		upstream, err := url.Parse(a.cfg.Worker.Upstream)
		if err != nil {
			return fmt.Errorf("worker.upstream: %w", err)
		}

		medium, err := store.NewSQLiteStore(ctx, filepath.Join(a.cfg.Worker.StorageDir, "responses.db"))
		if err != nil {
			return fmt.Errorf("open response storage: %w", err)
		}
		defer medium.Close()

		codec, err := compression.NewCompressor(a.cfg.Cache.CompressionLevel, true)
		if err != nil {
			return err
		}
		defer codec.Close()

		storage := worker.NewCacheStorage(medium, codec)
		reg := worker.NewRegistration(storage, http.DefaultTransport, a.logger)

		w, err := newWorker(a, a.cfg.Worker, upstream, storage)
		if err != nil {
			return err
		}
		if err := reg.Register(ctx, w); err != nil {
			return err
		}
		watchWorkerVersion(ctx, a, reg, upstream, storage)

		if a.loader != nil {
			unsubscribe := a.loader.Subscribe(func(view loader.View) {
				a.logger.Info("shop listing refreshed", zap.Int("shops", len(view.AllShops)))
			})
			defer unsubscribe()
			a.loader.PrefetchAfter(a.cfg.Loader.PrefetchDelay)
		}

		srv := &http.Server{
			Addr:              a.cfg.Worker.Listen,
			Handler:           newRouter(a, reg, upstream),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			a.logger.Info("starting server",
				zap.String("address", srv.Addr),
				zap.String("upstream", upstream.String()),
				zap.String("cache", w.CacheName()))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		a.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if active := reg.Active(); active != nil {
			active.Wait()
		}
		return nil
	})
}

func newWorker(a *app, cfg config.Worker, upstream *url.URL, storage *worker.CacheStorage) (*worker.Worker, error) {
	return worker.New(worker.Config{
		Name:              cfg.Name,
		Version:           cfg.Version,
		Upstream:          upstream,
		NetworkTimeout:    cfg.NetworkTimeout,
		Precache:          cfg.Precache,
		Placeholder:       cfg.Placeholder,
		OfflinePage:       cfg.OfflinePage,
		BypassHosts:       cfg.BypassHosts,
		NetworkFirstHosts: cfg.NetworkFirstHosts,
		SWRDestinations:   cfg.SWRDestinations,
		SkipWaiting:       cfg.SkipWaiting,
	}, storage,
		worker.WithLogger(a.logger),
		worker.WithMetrics(a.metrics),
	)
}

// watchWorkerVersion registers a new worker version whenever the config
// file changes worker.version. The new version waits for SKIP_WAITING unless
// worker.skip_waiting is set.
func watchWorkerVersion(ctx context.Context, a *app, reg *worker.Registration, upstream *url.URL, storage *worker.CacheStorage) {
	if viper.ConfigFileUsed() == "" {
		return
	}

	var mu sync.Mutex
	viper.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			a.logger.Warn("ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		version := cfg.Worker.Version
		for _, known := range []*worker.Worker{reg.Active(), reg.Waiting()} {
			if known != nil && known.Version() == version {
				return
			}
		}

		w, err := newWorker(a, cfg.Worker, upstream, storage)
		if err != nil {
			a.logger.Warn("new worker version", zap.String("version", version), zap.Error(err))
			return
		}
		if err := reg.Register(ctx, w); err != nil {
			a.logger.Warn("register worker version", zap.String("version", version), zap.Error(err))
			return
		}
		a.logger.Info("worker version registered", zap.String("version", version), zap.String("file", e.Name))
	})
	viper.WatchConfig()
}

func newRouter(a *app, reg *worker.Registration, upstream *url.URL) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(a.logger))

	r.Handle("/metrics", a.metrics.Handler())
	r.Method(http.MethodPost, "/_sw/message", reg.MessageHandler())

	if a.loader != nil {
		r.Get("/_oda/shops", shopsHandler(a))
		r.Post("/_oda/refresh", refreshHandler(a))
	}

	r.Handle("/*", reg.Handler(upstream))
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("source", ww.Header().Get(worker.SourceHeader)),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestID", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}

func shopsHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := a.loader.LoadAll(r.Context(), nil)
		if err != nil {
			a.logger.Error("load shops", zap.Error(err))
			http.Error(w, "shop listing unavailable", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if res.FromCache {
			w.Header().Set(worker.SourceHeader, "cache")
		} else {
			w.Header().Set(worker.SourceHeader, "network")
		}
		if res.Stale {
			w.Header().Set("X-Odacache-Stale", "true")
		}
		_ = json.NewEncoder(w).Encode(res.View)
	}
}

func refreshHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := a.loader.Refresh(r.Context())
		if err != nil {
			a.logger.Error("refresh shops", zap.Error(err))
			http.Error(w, "refresh failed", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	}
}
