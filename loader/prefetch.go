package loader

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aweris/odacache"
)

// Prefetch loads and caches the compiled view unless a fresh one is cached.
func (l *Loader) Prefetch(ctx context.Context) error {
	if l.cache.IsFresh(ctx, odacache.KeyCompiled) {
		l.logger.Debug("prefetch skipped, view is fresh")
		return nil
	}

	view, err := l.fetchAll(ctx, nil)
	if err != nil {
		l.logger.Warn("prefetch failed", zap.Error(err))
		return err
	}
	l.cache.Write(ctx, odacache.KeyCompiled, view, l.ttl.Compiled)
	l.logger.Info("prefetch complete", zap.Int("shops", len(view.AllShops)))
	return nil
}

// PrefetchAfter runs Prefetch once after delay. Only the first call per
// Loader has any effect.
func (l *Loader) PrefetchAfter(delay time.Duration) {
	if !l.prefetched.CompareAndSwap(false, true) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
		}
		_ = l.Prefetch(l.ctx)
	}()
}
