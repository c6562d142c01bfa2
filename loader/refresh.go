package loader

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/aweris/odacache"
)

// Subscribe registers fn to receive every view produced by a refresh. The
// returned function removes the registration.
func (l *Loader) Subscribe(fn func(View)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.observers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.observers, id)
		l.mu.Unlock()
	}
}

func (l *Loader) notify(view View) {
	l.mu.Lock()
	fns := make([]func(View), 0, len(l.observers))
	for _, fn := range l.observers {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
}

// Refreshing reports whether a background refresh is running.
func (l *Loader) Refreshing() bool { return l.refreshing.Load() }

// pendingRefresh is a refresh waiting out its delay or running.
type pendingRefresh struct {
	kick chan struct{}
	done chan struct{}
	err  error
}

// scheduleRefresh starts a refresh after the refresh delay unless one is
// already running or scheduled, or the loader is closed.
func (l *Loader) scheduleRefresh() {
	if l.refreshing.Load() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.pending != nil {
		return
	}
	p := &pendingRefresh{kick: make(chan struct{}, 1), done: make(chan struct{})}
	l.pending = p
	l.logger.Debug("background refresh scheduled", zap.Duration("delay", l.refreshDelay))

	l.wg.Add(1)
	go l.runPending(p)
}

func (l *Loader) runPending(p *pendingRefresh) {
	defer l.wg.Done()
	// pending stays set until the refresh has finished
	defer func() {
		l.mu.Lock()
		l.pending = nil
		l.mu.Unlock()
		close(p.done)
	}()

	timer := time.NewTimer(l.refreshDelay)
	defer timer.Stop()

	select {
	case <-l.ctx.Done():
		p.err = l.ctx.Err()
		return
	case <-timer.C:
	case <-p.kick:
	}
	p.err = l.refresh(l.ctx)
}

// WaitRefresh runs the scheduled refresh, if any, without waiting out its
// delay and blocks until it has finished or ctx is done. Short-lived callers
// use it before Close so a stale read still updates the cached view.
func (l *Loader) WaitRefresh(ctx context.Context) error {
	l.mu.Lock()
	p := l.pending
	l.mu.Unlock()
	if p == nil {
		return nil
	}

	select {
	case p.kick <- struct{}{}:
	default:
	}

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refresh rebuilds the compiled view from the sources. On success the view
// is cached and observers are notified; on failure the cached view is left
// as it was.
func (l *Loader) refresh(ctx context.Context) error {
	if !l.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer l.refreshing.Store(false)

	ctx, span := l.tracer.Start(ctx, "loader.refresh")
	defer span.End()

	view, err := l.fetchAll(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.metrics.Refresh("error")
		l.logger.Warn("background refresh failed", zap.Error(err))
		return err
	}

	l.cache.Write(ctx, odacache.KeyCompiled, view, l.ttl.Compiled)
	l.metrics.Refresh("ok")
	l.logger.Info("background refresh complete", zap.Int("shops", len(view.AllShops)))
	l.notify(view)
	return nil
}

// Refresh drops the cached view and loads a new one now, notifying
// observers.
func (l *Loader) Refresh(ctx context.Context) (View, error) {
	l.cache.Invalidate(ctx, odacache.KeyCompiled)

	res, err := l.LoadAll(ctx, nil)
	if err != nil {
		return View{}, fmt.Errorf("refresh: %w", err)
	}
	l.notify(res.View)
	return res.View, nil
}
