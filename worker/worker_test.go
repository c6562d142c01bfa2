package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/odacache/internal/compression"
	"github.com/aweris/odacache/internal/store"
)

const origin = "http://shop.test"

// fakeUpstream serves files from a map and can go down or hang.
type fakeUpstream struct {
	mu    sync.Mutex
	files map[string]string
	down  bool
	hang  bool
	calls map[string]int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		files: map[string]string{
			"/":                "<html>home</html>",
			"/oda.png":         "PNG-placeholder",
			"/oda-achats.html": "<html>offline</html>",
		},
		calls: make(map[string]int),
	}
}

func (u *fakeUpstream) RoundTrip(req *http.Request) (*http.Response, error) {
	u.mu.Lock()
	u.calls[req.URL.Host+req.URL.Path]++
	body, found := u.files[req.URL.Path]
	down, hang := u.down, u.hang
	u.mu.Unlock()

	if hang {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	if down {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	if !found {
		return response(req, http.StatusNotFound, "not found"), nil
	}
	return response(req, http.StatusOK, body), nil
}

func (u *fakeUpstream) set(p, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.files[p] = body
}

func (u *fakeUpstream) setDown(down bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.down = down
}

func (u *fakeUpstream) setHang(hang bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hang = hang
}

func (u *fakeUpstream) callCount(hostPath string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[hostPath]
}

func response(req *http.Request, status int, body string) *http.Response {
	h := make(http.Header)
	if path.Ext(req.URL.Path) == ".png" {
		h.Set("Content-Type", "image/png")
	} else {
		h.Set("Content-Type", "text/html")
	}
	return &http.Response{
		Status:        http.StatusText(status),
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

func newStorage(t *testing.T) *CacheStorage {
	t.Helper()
	codec, err := compression.NewCompressor(compression.LevelDefault, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = codec.Close() })
	return NewCacheStorage(store.NewMemoryStore(), codec)
}

func testConfig(version string) Config {
	u, _ := url.Parse(origin)
	return Config{
		Name:              "oda",
		Version:           version,
		Upstream:          u,
		NetworkTimeout:    50 * time.Millisecond,
		Precache:          []string{"/", "/oda.png", "/oda-achats.html"},
		Placeholder:       "/oda.png",
		OfflinePage:       "/oda-achats.html",
		BypassHosts:       []string{"supabase.co"},
		NetworkFirstHosts: []string{"fonts.googleapis.com"},
		SWRDestinations:   []string{DestFont},
	}
}

func newWorker(t *testing.T, up *fakeUpstream, storage *CacheStorage, cfg Config) *Worker {
	t.Helper()
	w, err := New(cfg, storage, WithTransport(up))
	require.NoError(t, err)
	return w
}

func request(t *testing.T, method, target string, headers ...string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, target, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return req
}

func roundTrip(t *testing.T, rt http.RoundTripper, target string, headers ...string) (*http.Response, string) {
	t.Helper()
	resp, err := rt.RoundTrip(request(t, http.MethodGet, target, headers...))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestCacheFirstServesPrecachedImageOffline(t *testing.T) {
	up := newFakeUpstream()
	w := newWorker(t, up, newStorage(t), testConfig("v1"))

	n, err := w.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	up.setDown(true)

	resp, body := roundTrip(t, w, origin+"/oda.png", "Sec-Fetch-Dest", "image")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PNG-placeholder", body)
	assert.Equal(t, "cache", resp.Header.Get(SourceHeader))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestCacheFirstStoresNetworkResponse(t *testing.T) {
	up := newFakeUpstream()
	up.set("/img/bag.png", "bag")
	w := newWorker(t, up, newStorage(t), testConfig("v1"))

	resp, body := roundTrip(t, w, origin+"/img/bag.png")
	assert.Equal(t, "bag", body)
	assert.Equal(t, "network", resp.Header.Get(SourceHeader))

	resp, body = roundTrip(t, w, origin+"/img/bag.png")
	assert.Equal(t, "bag", body)
	assert.Equal(t, "cache", resp.Header.Get(SourceHeader))
	assert.Equal(t, 1, up.callCount("shop.test/img/bag.png"))
}

func TestCacheFirstFallbacks(t *testing.T) {
	t.Run("placeholder", func(t *testing.T) {
		up := newFakeUpstream()
		w := newWorker(t, up, newStorage(t), testConfig("v1"))
		_, err := w.Install(context.Background())
		require.NoError(t, err)
		up.setDown(true)

		resp, body := roundTrip(t, w, origin+"/img/missing.png")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "PNG-placeholder", body)
		assert.Equal(t, "fallback", resp.Header.Get(SourceHeader))
	})

	t.Run("not found", func(t *testing.T) {
		up := newFakeUpstream()
		up.setDown(true)
		w := newWorker(t, up, newStorage(t), testConfig("v1"))

		resp, body := roundTrip(t, w, origin+"/img/missing.png")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "Image non disponible", body)
	})
}

func TestNetworkFirstDocumentTimeout(t *testing.T) {
	up := newFakeUpstream()
	up.setHang(true)
	w := newWorker(t, up, newStorage(t), testConfig("v1"))

	start := time.Now()
	resp, body := roundTrip(t, w, origin+"/boutique.html", "Sec-Fetch-Mode", "navigate")

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "503 Service Unavailable", resp.Status)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Equal(t, "Application hors ligne", body)
	assert.Equal(t, "fallback", resp.Header.Get(SourceHeader))
}

func TestNetworkFirstFallsBackToCachedCopy(t *testing.T) {
	up := newFakeUpstream()
	up.set("/produit.html", "<html>product</html>")
	w := newWorker(t, up, newStorage(t), testConfig("v1"))

	resp, body := roundTrip(t, w, origin+"/produit.html", "Sec-Fetch-Dest", "document")
	assert.Equal(t, "network", resp.Header.Get(SourceHeader))
	assert.Equal(t, "<html>product</html>", body)

	up.setDown(true)
	resp, body = roundTrip(t, w, origin+"/produit.html", "Sec-Fetch-Dest", "document")
	assert.Equal(t, "cache", resp.Header.Get(SourceHeader))
	assert.Equal(t, "<html>product</html>", body)
}

func TestNetworkFirstOfflinePage(t *testing.T) {
	up := newFakeUpstream()
	w := newWorker(t, up, newStorage(t), testConfig("v1"))
	_, err := w.Install(context.Background())
	require.NoError(t, err)
	up.setDown(true)

	resp, body := roundTrip(t, w, origin+"/favorie.html", "Sec-Fetch-Mode", "navigate")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>offline</html>", body)
	assert.Equal(t, "fallback", resp.Header.Get(SourceHeader))
}

func TestNetworkFirstPropagatesErrorWithoutFallback(t *testing.T) {
	up := newFakeUpstream()
	up.setDown(true)
	w := newWorker(t, up, newStorage(t), testConfig("v1"))

	_, err := w.RoundTrip(request(t, http.MethodGet, origin+"/app.js"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestNetworkFirstDoesNotCacheErrors(t *testing.T) {
	up := newFakeUpstream()
	w := newWorker(t, up, newStorage(t), testConfig("v1"))

	resp, _ := roundTrip(t, w, origin+"/gone.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "network", resp.Header.Get(SourceHeader))

	up.setDown(true)
	_, err := w.RoundTrip(request(t, http.MethodGet, origin+"/gone.js"))
	assert.Error(t, err)
}

func TestStaleWhileRevalidate(t *testing.T) {
	up := newFakeUpstream()
	up.set("/fonts/inter.woff2", "v1")
	w := newWorker(t, up, newStorage(t), testConfig("v1"))
	target := origin + "/fonts/inter.woff2"

	resp, body := roundTrip(t, w, target)
	assert.Equal(t, "v1", body)
	assert.Equal(t, "network", resp.Header.Get(SourceHeader))

	up.set("/fonts/inter.woff2", "v2")
	resp, body = roundTrip(t, w, target)
	assert.Equal(t, "v1", body)
	assert.Equal(t, "cache", resp.Header.Get(SourceHeader))

	w.Wait()
	_, body = roundTrip(t, w, target)
	assert.Equal(t, "v2", body)

	w.Wait()
	assert.Equal(t, 3, up.callCount("shop.test/fonts/inter.woff2"))
}

func TestStaleWhileRevalidateGivesUpOnHangingUpstream(t *testing.T) {
	up := newFakeUpstream()
	up.set("/fonts/inter.woff2", "v1")
	w := newWorker(t, up, newStorage(t), testConfig("v1"))
	target := origin + "/fonts/inter.woff2"

	roundTrip(t, w, target)
	up.setHang(true)

	resp, body := roundTrip(t, w, target)
	assert.Equal(t, "v1", body)
	assert.Equal(t, "cache", resp.Header.Get(SourceHeader))

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background revalidation did not time out")
	}

	up.setHang(false)
	_, body = roundTrip(t, w, target)
	assert.Equal(t, "v1", body, "the failed revalidation left the entry alone")
	w.Wait()
}

func TestPassthroughIsNotCached(t *testing.T) {
	up := newFakeUpstream()
	up.set("/rest/v1/produits", "[]")
	storage := newStorage(t)
	w := newWorker(t, up, storage, testConfig("v1"))

	resp, err := w.RoundTrip(request(t, http.MethodPost, origin+"/"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Empty(t, resp.Header.Get(SourceHeader))

	resp, body := roundTrip(t, w, "https://abc.supabase.co/rest/v1/produits")
	assert.Equal(t, "[]", body)
	assert.Empty(t, resp.Header.Get(SourceHeader))

	names, err := storage.Names(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestInstallSkipsFailedAssets(t *testing.T) {
	up := newFakeUpstream()
	cfg := testConfig("v1")
	cfg.Precache = append(cfg.Precache, "/missing.css", "https://fonts.googleapis.com/css2?family=Inter")
	up.set("/css2", "@font-face{}")
	w := newWorker(t, up, newStorage(t), cfg)

	n, err := w.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 1, up.callCount("fonts.googleapis.com/css2"))
}

func TestActivateDeletesOtherVersions(t *testing.T) {
	up := newFakeUpstream()
	up.set("/img/bag.png", "bag")
	storage := newStorage(t)
	ctx := context.Background()

	v1 := newWorker(t, up, storage, testConfig("v1"))
	_, err := v1.Install(ctx)
	require.NoError(t, err)
	require.NoError(t, v1.Activate(ctx))
	roundTrip(t, v1, origin+"/img/bag.png")

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"oda-v1", "oda-images-v1"}, names)

	v2 := newWorker(t, up, storage, testConfig("v2"))
	_, err = v2.Install(ctx)
	require.NoError(t, err)
	require.NoError(t, v2.Activate(ctx))

	names, err = storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"oda-v2"}, names)
}

func TestNewRequiresNameAndVersion(t *testing.T) {
	_, err := New(Config{Name: "oda"}, newStorage(t))
	assert.Error(t, err)
}
