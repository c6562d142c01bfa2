package odacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aweris/odacache/internal/clock"
	"github.com/aweris/odacache/internal/memstore"
	"github.com/aweris/odacache/internal/metrics"
	"github.com/aweris/odacache/internal/persist"
	"github.com/aweris/odacache/internal/store"
)

// Source identifies the layer a read was served from.
type Source string

const (
	SourceEphemeral  Source = "ephemeral"
	SourcePersistent Source = "persistent"
)

// Entry is the result of Read. Fresh is false only for expired values served
// from the persistent layer; Age is set for persistent reads.
type Entry[T any] struct {
	Value  T
	Source Source
	Fresh  bool
	Age    time.Duration
}

// Stats reports both layers.
type Stats struct {
	Memory  memstore.Stats
	Storage persist.Info
}

// Cache composes the ephemeral and persistent layers. It is safe for
// concurrent use.
type Cache struct {
	mem     *memstore.Store
	persist *persist.Store
	medium  store.Store
	owned   bool
	group   singleflight.Group

	defaultTTL time.Duration
	clock      clock.Clock
	metrics    metrics.Recorder
	logger     *zap.Logger
	closed     atomic.Bool
}

// Open creates a Cache. Without WithStore, entries persist under StorageDir.
func Open(ctx context.Context, opts ...Option) (*Cache, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := clock.Or(options.Clock)
	rec := metrics.Or(options.Metrics)

	medium := options.Store
	owned := false
	if medium == nil {
		local, err := store.NewLocalStore(options.StorageDir, "kv", options.CompressionLevel, options.Compression)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		medium = local
		owned = true
	}

	ps, err := persist.New(ctx, medium, options.Prefix, options.Version,
		persist.WithClock(clk),
		persist.WithMetrics(rec),
		persist.WithLogger(logger),
		persist.WithMaxSize(options.MaxStorageSize),
		persist.WithEntryFraction(options.MaxEntryFraction),
	)
	if err != nil {
		if owned {
			_ = medium.Close()
		}
		return nil, err
	}

	return &Cache{
		mem:        memstore.New(clk, rec),
		persist:    ps,
		medium:     medium,
		owned:      owned,
		defaultTTL: options.DefaultTTL,
		clock:      clk,
		metrics:    rec,
		logger:     logger.Named("cache"),
	}, nil
}

// Write stores value in both layers. Persistent failures are logged, not
// returned.
func (c *Cache) Write(ctx context.Context, key string, value any, ttl time.Duration) {
	c.mem.Set(key, value, ttl)
	if err := c.persist.Set(ctx, key, value, ttl); err != nil {
		c.logger.Warn("persistent write skipped", zap.String("key", key), zap.Error(err))
	}
}

// Read looks key up in the ephemeral layer, then the persistent layer. An
// unexpired persistent value is promoted into the ephemeral layer for its
// remaining lifetime. Expired persistent values are returned with
// Fresh=false. ErrNotFound is returned when neither layer has the key.
func Read[T any](ctx context.Context, c *Cache, key string) (Entry[T], error) {
	if v, ok := c.mem.Get(key); ok {
		if t, ok := v.(T); ok {
			return Entry[T]{Value: t, Source: SourceEphemeral, Fresh: true}, nil
		}
	}

	st, ok := c.persist.GetStale(ctx, key)
	if !ok {
		return Entry[T]{}, ErrNotFound
	}

	var value T
	if err := json.Unmarshal(st.Value, &value); err != nil {
		c.logger.Debug("dropping undecodable entry", zap.String("key", key), zap.Error(err))
		_ = c.persist.Invalidate(ctx, key)
		return Entry[T]{}, ErrNotFound
	}

	if !st.Expired {
		ttl := st.ExpiresAt.Sub(c.clock.Now())
		if ttl <= 0 {
			ttl = c.defaultTTL
		}
		c.mem.Set(key, value, ttl)
	}

	return Entry[T]{
		Value:  value,
		Source: SourcePersistent,
		Fresh:  !st.Expired,
		Age:    st.Age,
	}, nil
}

// IsFresh reports whether either layer holds an unexpired entry for key.
func (c *Cache) IsFresh(ctx context.Context, key string) bool {
	if c.mem.Has(key) {
		return true
	}
	return c.persist.Has(ctx, key)
}

// Dedup runs fn for key unless a call for key is already in flight, in which
// case it waits for that call and returns its result. The registration is
// dropped when fn returns, whatever the outcome. fn runs detached from the
// first caller's cancellation since later callers share its result.
func Dedup[T any](ctx context.Context, c *Cache, key string, fn func(context.Context) (T, error)) (T, error) {
	v, err, shared := c.group.Do(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	if shared {
		c.metrics.DedupShared()
		c.logger.Debug("joined in-flight request", zap.String("key", key))
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate removes key from both layers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mem.Invalidate(key)
	if err := c.persist.Invalidate(ctx, key); err != nil {
		c.logger.Warn("invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateShop drops the compiled view and every entry scoped to shop id.
func (c *Cache) InvalidateShop(ctx context.Context, id string) {
	c.Invalidate(ctx, KeyCompiled)
	c.mem.InvalidateMatching(ShopKey(id))
	if _, err := c.persist.InvalidatePattern(ctx, ShopKey(id)); err != nil {
		c.logger.Warn("invalidate shop failed", zap.String("shop", id), zap.Error(err))
	}
	c.logger.Info("shop invalidated", zap.String("shop", id))
}

// InvalidateSubscribers drops subscriber counts and the compiled view that
// embeds them.
func (c *Cache) InvalidateSubscribers(ctx context.Context) {
	c.Invalidate(ctx, KeySubscribers)
	c.Invalidate(ctx, KeyCompiled)
}

// Flush empties both layers.
func (c *Cache) Flush(ctx context.Context) error {
	c.mem.InvalidateAll()
	n, err := c.persist.InvalidatePattern(ctx, "")
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	c.logger.Info("cache flushed", zap.Int("persistent", n))
	return nil
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	info, err := c.persist.StorageInfo(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Memory: c.mem.Stats(), Storage: info}, nil
}

// Close releases the medium when Open created it.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if c.owned {
		return c.medium.Close()
	}
	return nil
}

// IsNotFound reports whether err is a cache miss.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
