// Package worker intercepts HTTP requests on their way to an upstream origin
// and answers them from named response caches. Each request is classified
// by destination and served cache-first, network-first or
// stale-while-revalidate. Cache contents are versioned: a new Worker
// version precaches its manifest on Install and drops every other version's
// caches on Activate. There is no per-entry expiry at this layer.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aweris/odacache/internal/metrics"
)

const tracerName = "github.com/aweris/odacache/worker"

// SourceHeader is set on every response the worker produces.
const SourceHeader = "X-Odacache-Source"

const (
	sourceCache    = "cache"
	sourceNetwork  = "network"
	sourceFallback = "fallback"
)

const (
	DefaultNetworkTimeout   = 4 * time.Second
	defaultPrecacheParallel = 4
	offlineBody             = "Application hors ligne"
	placeholderMissingBody  = "Image non disponible"
)

// Config describes one worker version.
type Config struct {
	// Name and Version form the cache names, e.g. oda-marketplace-v1.0.3.
	Name    string
	Version string

	// Upstream resolves relative manifest paths.
	Upstream *url.URL

	// NetworkTimeout bounds network-first fetches. Zero disables the bound.
	NetworkTimeout time.Duration

	Precache    []string
	Placeholder string
	OfflinePage string

	// BypassHosts are matched as substrings of the request host.
	BypassHosts       []string
	NetworkFirstHosts []string
	SWRDestinations   []string

	// SkipWaiting activates the version as soon as it is installed.
	SkipWaiting bool
}

type cacheNames struct {
	main    string
	runtime string
	images  string
}

func namesFor(name, version string) cacheNames {
	return cacheNames{
		main:    name + "-" + version,
		runtime: name + "-runtime-" + version,
		images:  name + "-images-" + version,
	}
}

func (n cacheNames) all() []string { return []string{n.main, n.runtime, n.images} }

// Worker is one installed version. It implements http.RoundTripper.
type Worker struct {
	cfg       Config
	names     cacheNames
	storage   *CacheStorage
	transport http.RoundTripper

	logger  *zap.Logger
	metrics metrics.Recorder
	tracer  trace.Tracer

	// background revalidations
	wg sync.WaitGroup
}

type Option func(*Worker)

func WithTransport(rt http.RoundTripper) Option { return func(w *Worker) { w.transport = rt } }
func WithLogger(logger *zap.Logger) Option      { return func(w *Worker) { w.logger = logger } }
func WithMetrics(m metrics.Recorder) Option     { return func(w *Worker) { w.metrics = m } }
func WithTracer(t trace.Tracer) Option          { return func(w *Worker) { w.tracer = t } }

func New(cfg Config, storage *CacheStorage, opts ...Option) (*Worker, error) {
	if cfg.Name == "" || cfg.Version == "" {
		return nil, fmt.Errorf("worker name and version are required")
	}

	w := &Worker{
		cfg:     cfg,
		names:   namesFor(cfg.Name, cfg.Version),
		storage: storage,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.transport == nil {
		w.transport = http.DefaultTransport
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.logger = w.logger.Named("worker").With(zap.String("version", cfg.Version))
	w.metrics = metrics.Or(w.metrics)
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	return w, nil
}

func (w *Worker) Version() string { return w.cfg.Version }

// CacheName is the main cache name, reported to GET_VERSION.
func (w *Worker) CacheName() string { return w.names.main }

func (w *Worker) CacheNames() []string { return w.names.all() }

// resolve turns a manifest entry into the URL responses are cached under.
func (w *Worker) resolve(ref string) string {
	if w.cfg.Upstream == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return w.cfg.Upstream.ResolveReference(u).String()
}

// Install precaches the manifest into the main cache. An asset that cannot
// be fetched is logged and skipped. It returns the number of cached assets.
func (w *Worker) Install(ctx context.Context) (int, error) {
	p := pool.NewWithResults[bool]().WithContext(ctx).WithMaxGoroutines(defaultPrecacheParallel)
	for _, ref := range w.cfg.Precache {
		target := w.resolve(ref)
		p.Go(func(ctx context.Context) (bool, error) {
			if err := w.precache(ctx, target); err != nil {
				w.logger.Warn("precache failed", zap.String("url", target), zap.Error(err))
				return false, nil
			}
			return true, nil
		})
	}

	results, err := p.Wait()
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("install: %w", err)
	}

	n := 0
	for _, cached := range results {
		if cached {
			n++
		}
	}
	w.logger.Info("installed", zap.Int("cached", n), zap.Int("manifest", len(w.cfg.Precache)))
	return n, nil
}

func (w *Worker) precache(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := w.fetch(ctx, req, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !ok(resp) {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return w.storage.Open(w.names.main).Put(ctx, target, resp)
}

// Activate deletes every cache that does not belong to this version.
func (w *Worker) Activate(ctx context.Context) error {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return err
	}

	current := w.names.all()
	for _, name := range names {
		if slices.Contains(current, name) {
			continue
		}
		n, err := w.storage.Delete(ctx, name)
		if err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
		w.logger.Info("deleted old cache", zap.String("cache", name), zap.Int("entries", n))
	}
	w.logger.Info("activated", zap.String("cache", w.names.main))
	return nil
}

// Wait blocks until background revalidations finish.
func (w *Worker) Wait() { w.wg.Wait() }

// RoundTrip answers req with the strategy its destination calls for.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := w.route(req)
	if rt.strategy == Passthrough {
		w.metrics.WorkerResponse(rt.strategy.String(), sourceNetwork)
		return w.transport.RoundTrip(req)
	}

	ctx, span := w.tracer.Start(req.Context(), "worker."+rt.strategy.String(),
		trace.WithAttributes(
			attribute.String("http.url", req.URL.String()),
			attribute.String("worker.destination", rt.destination),
			attribute.String("worker.cache", rt.cache),
		))
	defer span.End()
	req = req.WithContext(ctx)

	var (
		resp   *http.Response
		source string
		err    error
	)
	switch rt.strategy {
	case CacheFirst:
		resp, source = w.cacheFirst(req, rt)
	case StaleWhileRevalidate:
		resp, source, err = w.staleWhileRevalidate(req, rt)
	default:
		resp, source, err = w.networkFirst(req, rt)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no fallback")
		w.metrics.WorkerResponse(rt.strategy.String(), "error")
		return nil, err
	}

	span.SetAttributes(attribute.String("worker.source", source))
	w.metrics.WorkerResponse(rt.strategy.String(), source)
	resp.Header.Set(SourceHeader, source)
	return resp, nil
}

func (w *Worker) cacheFirst(req *http.Request, rt route) (*http.Response, string) {
	ctx := req.Context()
	key := req.URL.String()

	if resp, found := w.storage.Match(ctx, key, req, rt.cache, w.names.main); found {
		return resp, sourceCache
	}

	resp, err := w.fetch(ctx, req, 0)
	if err == nil {
		w.store(ctx, rt.cache, key, resp)
		return resp, sourceNetwork
	}
	w.logger.Debug("image fetch failed", zap.String("url", key), zap.Error(err))

	if w.cfg.Placeholder != "" {
		placeholder := w.resolve(w.cfg.Placeholder)
		if resp, found := w.storage.Match(context.WithoutCancel(ctx), placeholder, req, w.names.main, w.names.images); found {
			return resp, sourceFallback
		}
	}
	return synthetic(req, http.StatusNotFound, "text/plain; charset=utf-8", placeholderMissingBody), sourceFallback
}

func (w *Worker) networkFirst(req *http.Request, rt route) (*http.Response, string, error) {
	ctx := req.Context()
	key := req.URL.String()

	resp, err := w.fetch(ctx, req, w.cfg.NetworkTimeout)
	if err == nil {
		w.store(ctx, rt.cache, key, resp)
		return resp, sourceNetwork, nil
	}
	w.logger.Debug("network failed, trying cache", zap.String("url", key), zap.Error(err))

	// the network attempt may have used up ctx; cache lookups must not
	lookup := context.WithoutCancel(ctx)
	if resp, found := w.storage.Match(lookup, key, req, rt.cache, w.names.main); found {
		return resp, sourceCache, nil
	}

	if rt.destination != DestDocument {
		return nil, "", err
	}
	if w.cfg.OfflinePage != "" {
		if resp, found := w.storage.Match(lookup, w.resolve(w.cfg.OfflinePage), req, w.names.main); found {
			return resp, sourceFallback, nil
		}
	}
	resp = synthetic(req, http.StatusServiceUnavailable, "text/html; charset=utf-8", offlineBody)
	return resp, sourceFallback, nil
}

func (w *Worker) staleWhileRevalidate(req *http.Request, rt route) (*http.Response, string, error) {
	ctx := req.Context()
	key := req.URL.String()

	cached, found := w.storage.Match(ctx, key, req, rt.cache)
	if !found {
		resp, err := w.fetch(ctx, req, 0)
		if err != nil {
			return nil, "", err
		}
		w.store(ctx, rt.cache, key, resp)
		return resp, sourceNetwork, nil
	}

	bg := context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		resp, err := w.fetch(bg, req, w.revalidateTimeout())
		if err != nil {
			w.logger.Debug("revalidate failed", zap.String("url", key), zap.Error(err))
			return
		}
		defer resp.Body.Close()
		w.store(bg, rt.cache, key, resp)
	}()
	return cached, sourceCache, nil
}

// revalidateTimeout bounds background fetches, which nobody waits on.
func (w *Worker) revalidateTimeout() time.Duration {
	if w.cfg.NetworkTimeout > 0 {
		return w.cfg.NetworkTimeout
	}
	return DefaultNetworkTimeout
}

// fetch sends req upstream on ctx and buffers the body, so the timeout
// covers the whole transfer and the response can be cached and returned.
func (w *Worker) fetch(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := w.transport.RoundTrip(req.Clone(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	resp.Header.Del("Content-Length")
	return resp, nil
}

// store caches successful responses. Failures are logged only.
func (w *Worker) store(ctx context.Context, cache, key string, resp *http.Response) {
	if !ok(resp) {
		return
	}
	if err := w.storage.Open(cache).Put(ctx, key, resp); err != nil {
		w.logger.Warn("cache put failed", zap.String("cache", cache), zap.String("url", key), zap.Error(err))
	}
}

func ok(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func synthetic(req *http.Request, status int, contentType, body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
