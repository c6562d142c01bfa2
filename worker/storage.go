package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/aweris/odacache/internal/compression"
	"github.com/aweris/odacache/internal/store"
)

const keyPrefix = "sw|"

// CacheStorage holds named response caches on a key/value medium. Responses
// are stored in HTTP/1.1 wire format, zstd compressed.
type CacheStorage struct {
	medium store.Store
	codec  *compression.Compressor
}

func NewCacheStorage(medium store.Store, codec *compression.Compressor) *CacheStorage {
	return &CacheStorage{medium: medium, codec: codec}
}

func entryKey(cache, url string) string {
	return keyPrefix + cache + "|" + url
}

// Open returns the cache called name. Caches exist once they hold a response.
func (s *CacheStorage) Open(name string) *Cache {
	return &Cache{storage: s, name: name}
}

// Names lists every cache holding at least one response.
func (s *CacheStorage) Names(ctx context.Context) ([]string, error) {
	keys, err := s.medium.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, k := range keys {
		rest, ok := strings.CutPrefix(k, keyPrefix)
		if !ok {
			continue
		}
		name, _, ok := strings.Cut(rest, "|")
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

// Delete removes the cache called name and reports how many responses it held.
func (s *CacheStorage) Delete(ctx context.Context, name string) (int, error) {
	keys, err := s.medium.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list caches: %w", err)
	}

	prefix := entryKey(name, "")
	n := 0
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			if err := s.medium.Delete(ctx, k); err != nil {
				return n, fmt.Errorf("delete %s: %w", k, err)
			}
			n++
		}
	}
	return n, nil
}

// Match looks url up in each named cache in order.
func (s *CacheStorage) Match(ctx context.Context, url string, req *http.Request, names ...string) (*http.Response, bool) {
	for _, name := range names {
		if resp, ok := s.Open(name).Match(ctx, url, req); ok {
			return resp, true
		}
	}
	return nil, false
}

// Cache is one named response cache.
type Cache struct {
	storage *CacheStorage
	name    string
}

func (c *Cache) Name() string { return c.name }

// Put stores resp under url. The response body is read and replaced, so resp
// stays usable.
func (c *Cache) Put(ctx context.Context, url string, resp *http.Response) error {
	raw, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return fmt.Errorf("dump response: %w", err)
	}
	data, err := c.storage.codec.Compress(raw)
	if err != nil {
		return fmt.Errorf("compress response: %w", err)
	}
	if err := c.storage.medium.Set(ctx, entryKey(c.name, url), data); err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	return nil
}

// Match returns the response stored under url. Unreadable entries are
// removed and reported as missing.
func (c *Cache) Match(ctx context.Context, url string, req *http.Request) (*http.Response, bool) {
	key := entryKey(c.name, url)
	data, err := c.storage.medium.Get(ctx, key)
	if err != nil {
		return nil, false
	}

	raw, err := c.storage.codec.Decompress(data)
	if err == nil {
		var resp *http.Response
		resp, err = http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), req)
		if err == nil {
			return resp, true
		}
	}

	_ = c.storage.medium.Delete(ctx, key)
	return nil, false
}

func (c *Cache) Delete(ctx context.Context, url string) error {
	err := c.storage.medium.Delete(ctx, entryKey(c.name, url))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
