// Package loader builds the compiled shop listing from the remote data
// service and serves it cache-first, refreshing stale data in the background.
package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aweris/odacache"
	"github.com/aweris/odacache/internal/metrics"
	"github.com/aweris/odacache/internal/remote"
)

const tracerName = "github.com/aweris/odacache/loader"

// Defaults from the marketplace front-end.
const (
	DefaultTopCount      = 10
	DefaultRefreshDelay  = 2 * time.Second
	DefaultPrefetchDelay = 3 * time.Second
)

// TTLs is the lifetime of each cached source and of the compiled view.
type TTLs struct {
	Shops       time.Duration
	Products    time.Duration
	Likes       time.Duration
	Subscribers time.Duration
	Compiled    time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Shops:       6 * time.Hour,
		Products:    2 * time.Hour,
		Likes:       30 * time.Minute,
		Subscribers: 15 * time.Minute,
		Compiled:    30 * time.Minute,
	}
}

// ProgressFunc receives a completion percentage and a short label.
type ProgressFunc func(pct int, label string)

// Result is returned by LoadAll.
type Result struct {
	View      View
	FromCache bool
	Stale     bool
}

// Loader is safe for concurrent use. Close stops pending background work.
type Loader struct {
	cache  *odacache.Cache
	source remote.Source

	ttl          TTLs
	topCount     int
	refreshDelay time.Duration

	logger  *zap.Logger
	metrics metrics.Recorder
	tracer  trace.Tracer

	// background work runs on ctx and is tracked by wg
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshing atomic.Bool
	prefetched atomic.Bool

	mu        sync.Mutex
	observers map[int]func(View)
	nextID    int
	pending   *pendingRefresh
	closed    bool
}

type Option func(*Loader)

func WithTTLs(t TTLs) Option { return func(l *Loader) { l.ttl = t } }

func WithTopCount(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.topCount = n
		}
	}
}

// WithRefreshDelay sets how long a stale read waits before refreshing.
func WithRefreshDelay(d time.Duration) Option {
	return func(l *Loader) { l.refreshDelay = d }
}

func WithLogger(logger *zap.Logger) Option  { return func(l *Loader) { l.logger = logger } }
func WithMetrics(m metrics.Recorder) Option { return func(l *Loader) { l.metrics = m } }
func WithTracer(t trace.Tracer) Option      { return func(l *Loader) { l.tracer = t } }

func New(cache *odacache.Cache, source remote.Source, opts ...Option) *Loader {
	l := &Loader{
		cache:        cache,
		source:       source,
		ttl:          DefaultTTLs(),
		topCount:     DefaultTopCount,
		refreshDelay: DefaultRefreshDelay,
		observers:    make(map[int]func(View)),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.Named("loader")
	l.metrics = metrics.Or(l.metrics)
	if l.tracer == nil {
		l.tracer = otel.Tracer(tracerName)
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l
}

// LoadAll returns the compiled view. A cached view is returned immediately;
// a stale one also schedules a background refresh. Without a cached view the
// four sources are queried in parallel and the result is cached. Query
// errors are returned and nothing is cached for the compiled view.
func (l *Loader) LoadAll(ctx context.Context, onProgress ProgressFunc) (Result, error) {
	progress := onProgress
	if progress == nil {
		progress = func(int, string) {}
	}

	cached, err := odacache.Read[View](ctx, l.cache, odacache.KeyCompiled)
	if err == nil {
		if cached.Fresh {
			progress(95, "from cache")
			l.metrics.Load("fresh")
		} else {
			progress(95, "from cache, refreshing")
			l.metrics.Load("stale")
			l.scheduleRefresh()
		}
		l.logger.Debug("compiled view served from cache",
			zap.String("source", string(cached.Source)),
			zap.Bool("fresh", cached.Fresh),
			zap.Duration("age", cached.Age))
		return Result{View: cached.Value, FromCache: true, Stale: !cached.Fresh}, nil
	}

	progress(5, "connecting")
	view, err := l.fetchAll(ctx, progress)
	if err != nil {
		l.metrics.Load("error")
		return Result{}, fmt.Errorf("load shops: %w", err)
	}

	progress(95, "caching")
	l.cache.Write(ctx, odacache.KeyCompiled, view, l.ttl.Compiled)
	progress(100, "done")
	l.metrics.Load("network")

	return Result{View: view}, nil
}

// fetched carries a source value and whether it came from the network.
type fetched[T any] struct {
	value   T
	network bool
}

// fetchSource returns the cached value of key when fresh and queries the
// network otherwise. Concurrent calls for the same source share one query.
func fetchSource[T any](ctx context.Context, l *Loader, key string, query func(context.Context) (T, error)) (fetched[T], error) {
	return odacache.Dedup(ctx, l.cache, "fetch_"+key, func(ctx context.Context) (fetched[T], error) {
		if e, err := odacache.Read[T](ctx, l.cache, key); err == nil && e.Fresh {
			return fetched[T]{value: e.Value}, nil
		}
		v, err := query(ctx)
		if err != nil {
			return fetched[T]{}, err
		}
		return fetched[T]{value: v, network: true}, nil
	})
}

// fetchAll queries the four sources in parallel and compiles them. Sources
// fetched from the network are cached only when all four succeed.
func (l *Loader) fetchAll(ctx context.Context, progress ProgressFunc) (View, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	ctx, span := l.tracer.Start(ctx, "loader.fetchAll")
	defer span.End()

	start := time.Now()
	progress(10, "loading in parallel")

	var (
		shops       fetched[[]Shop]
		products    fetched[ProductData]
		likes       fetched[[]Like]
		subscribers fetched[map[string]int]
	)

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) (err error) {
		shops, err = fetchSource(ctx, l, odacache.KeyShops, func(ctx context.Context) ([]Shop, error) {
			rows, err := l.source.Shops(ctx)
			return shopsFromRows(rows), err
		})
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		products, err = fetchSource(ctx, l, odacache.KeyProducts, func(ctx context.Context) (ProductData, error) {
			rows, err := l.source.Products(ctx)
			return productDataFromRows(rows), err
		})
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		likes, err = fetchSource(ctx, l, odacache.KeyLikes, func(ctx context.Context) ([]Like, error) {
			rows, err := l.source.Likes(ctx)
			return likesFromRows(rows), err
		})
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		subscribers, err = fetchSource(ctx, l, odacache.KeySubscribers, func(ctx context.Context) (map[string]int, error) {
			rows, err := l.source.Follows(ctx)
			return subscriberCounts(rows), err
		})
		return err
	})

	if err := p.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return View{}, err
	}

	progress(75, "assembling")
	if shops.network {
		l.cache.Write(ctx, odacache.KeyShops, shops.value, l.ttl.Shops)
	}
	if products.network {
		l.cache.Write(ctx, odacache.KeyProducts, products.value, l.ttl.Products)
	}
	if likes.network {
		l.cache.Write(ctx, odacache.KeyLikes, likes.value, l.ttl.Likes)
	}
	if subscribers.network {
		l.cache.Write(ctx, odacache.KeySubscribers, subscribers.value, l.ttl.Subscribers)
	}

	progress(85, "ranking")
	view := Compile(shops.value, products.value, likes.value, subscribers.value, l.topCount)

	span.SetAttributes(
		attribute.Int("shops", len(view.AllShops)),
		attribute.Int("likes", len(likes.value)),
	)
	l.logger.Info("compiled shop listing",
		zap.Int("shops", len(view.AllShops)),
		zap.Int("top", len(view.Top)),
		zap.Duration("took", time.Since(start)))
	return view, nil
}

// Close cancels scheduled background work and waits for it to stop. No new
// background work starts once Close has been called.
func (l *Loader) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	return nil
}
