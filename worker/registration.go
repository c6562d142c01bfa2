package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"go.uber.org/zap"
)

// Registration tracks the active worker version and at most one waiting
// version. Requests are routed to the active version, or straight to the
// transport while nothing is active.
type Registration struct {
	storage   *CacheStorage
	transport http.RoundTripper
	logger    *zap.Logger

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
}

func NewRegistration(storage *CacheStorage, transport http.RoundTripper, logger *zap.Logger) *Registration {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registration{
		storage:   storage,
		transport: transport,
		logger:    logger.Named("registration"),
	}
}

// Register installs w. It becomes active right away when nothing is active
// yet or w skips waiting; otherwise it waits for SkipWaiting and replaces any
// previously waiting version.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	if _, err := w.Install(ctx); err != nil {
		return fmt.Errorf("install %s: %w", w.Version(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && !w.cfg.SkipWaiting {
		r.waiting = w
		r.logger.Info("worker waiting",
			zap.String("version", w.Version()),
			zap.String("active", r.active.Version()))
		return nil
	}
	return r.activate(ctx, w)
}

// SkipWaiting activates the waiting version, if any, and reports whether one
// was activated.
func (r *Registration) SkipWaiting(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiting == nil {
		return false, nil
	}
	if err := r.activate(ctx, r.waiting); err != nil {
		return false, err
	}
	return true, nil
}

// activate must be called with mu held.
func (r *Registration) activate(ctx context.Context, w *Worker) error {
	if err := w.Activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", w.Version(), err)
	}
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	return nil
}

func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	if w := r.Active(); w != nil {
		return w.RoundTrip(req)
	}
	return r.transport.RoundTrip(req)
}

// Handler proxies requests to upstream through the registration. upstream
// should be an origin without a path so request URLs match the manifest.
func (r *Registration) Handler(upstream *url.URL) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport:    r,
		ErrorLog:     zap.NewStdLog(r.logger),
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			r.logger.Warn("proxy failed", zap.String("url", req.URL.String()), zap.Error(err))
			rw.WriteHeader(http.StatusBadGateway)
		},
	}
}
