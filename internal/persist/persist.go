// Package persist implements the durable cache layer on top of a key/value
// medium. Entries are stored as JSON envelopes under a versioned key prefix;
// size is bounded by an approximate byte budget enforced by age-based
// eviction.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aweris/odacache/internal/clock"
	"github.com/aweris/odacache/internal/metrics"
	"github.com/aweris/odacache/internal/store"
)

const (
	DefaultMaxSize       = 4 * 1024 * 1024
	DefaultEntryFraction = 4
)

var ErrEntryTooLarge = errors.New("persist: entry too large")

// envelope is the on-medium layout: {"d": value, "e": expiresAt, "c": createdAt}
// with timestamps in Unix milliseconds.
type envelope struct {
	D json.RawMessage `json:"d"`
	E int64           `json:"e"`
	C int64           `json:"c"`
}

// Stale is the result of GetStale.
type Stale struct {
	Value     json.RawMessage
	Expired   bool
	Age       time.Duration
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Info reports approximate byte usage of the medium.
type Info struct {
	TotalBytes     int64
	NamespaceBytes int64
	Entries        int
}

// Store is safe for concurrent use within one process. Other processes
// sharing the medium are not coordinated with.
type Store struct {
	medium   store.Store
	prefix   string
	ns       string
	maxSize  int64
	fraction int64

	clock   clock.Clock
	metrics metrics.Recorder
	logger  *zap.Logger

	// serializes the size pre-check with the write that follows it
	mu sync.Mutex
}

type Option func(*Store)

func WithClock(c clock.Clock) Option        { return func(s *Store) { s.clock = c } }
func WithMetrics(m metrics.Recorder) Option { return func(s *Store) { s.metrics = m } }
func WithLogger(l *zap.Logger) Option       { return func(s *Store) { s.logger = l } }
func WithMaxSize(n int64) Option            { return func(s *Store) { s.maxSize = n } }
func WithEntryFraction(n int) Option        { return func(s *Store) { s.fraction = int64(n) } }

// New returns a Store for entries under prefix+version+"_". Entries that share
// prefix but were written under another version are deleted first.
func New(ctx context.Context, medium store.Store, prefix, version string, opts ...Option) (*Store, error) {
	if medium == nil {
		return nil, errors.New("persist: nil medium")
	}
	if version == "" {
		return nil, errors.New("persist: empty version")
	}

	s := &Store{
		medium:   medium,
		prefix:   prefix,
		ns:       prefix + version + "_",
		maxSize:  DefaultMaxSize,
		fraction: DefaultEntryFraction,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.Or(s.clock)
	s.metrics = metrics.Or(s.metrics)
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("persist")
	if s.fraction <= 0 {
		s.fraction = DefaultEntryFraction
	}

	if err := s.sweep(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Namespace returns the full key prefix of this store's entries.
func (s *Store) Namespace() string { return s.ns }

func (s *Store) sweep(ctx context.Context) error {
	keys, err := s.medium.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	removed := 0
	for _, k := range keys {
		if strings.HasPrefix(k, s.prefix) && !strings.HasPrefix(k, s.ns) {
			if err := s.medium.Delete(ctx, k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("removed entries from previous versions", zap.Int("count", removed))
	}
	return nil
}

// Set stores value under key for ttl. Oversized entries are rejected with
// ErrEntryTooLarge. When the medium reports a quota error the oldest half
// of the namespace is evicted and the write is retried once.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	raw, err := s.encode(data, ttl)
	if err != nil {
		return err
	}
	if int64(len(raw)) > s.maxSize/s.fraction {
		s.logger.Warn("entry too large, skipped", zap.String("key", key), zap.Int("size", len(raw)))
		return fmt.Errorf("%w: %s is %d bytes", ErrEntryTooLarge, key, len(raw))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureSpace(ctx, int64(len(raw))*2)

	err = s.medium.Set(ctx, s.ns+key, raw)
	if errors.Is(err, store.ErrQuotaExceeded) {
		s.logger.Warn("quota exceeded, evicting", zap.String("key", key))
		if _, cerr := s.emergencyCleanup(ctx); cerr != nil {
			s.logger.Warn("emergency cleanup failed", zap.Error(cerr))
		}
		if raw, err = s.encode(data, ttl); err != nil {
			return err
		}
		err = s.medium.Set(ctx, s.ns+key, raw)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) encode(data json.RawMessage, ttl time.Duration) ([]byte, error) {
	now := s.clock.Now()
	raw, err := json.Marshal(envelope{
		D: data,
		E: now.Add(ttl).UnixMilli(),
		C: now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

func (s *Store) ensureSpace(ctx context.Context, needed int64) {
	info, err := s.storageInfo(ctx)
	if err != nil {
		s.logger.Debug("size estimate failed", zap.Error(err))
		return
	}
	if info.TotalBytes+needed > s.maxSize {
		if _, err := s.emergencyCleanup(ctx); err != nil {
			s.logger.Warn("emergency cleanup failed", zap.Error(err))
		}
	}
}

// read loads and decodes the envelope for key. Undecodable entries are
// deleted and reported as absent.
func (s *Store) read(ctx context.Context, key string) (envelope, bool) {
	raw, err := s.medium.Get(ctx, s.ns+key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("read failed", zap.String("key", key), zap.Error(err))
		}
		return envelope{}, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.D == nil {
		s.logger.Debug("dropping corrupt entry", zap.String("key", key))
		_ = s.medium.Delete(ctx, s.ns+key)
		return envelope{}, false
	}
	return env, true
}

func (s *Store) expired(env envelope) bool {
	return s.clock.Now().UnixMilli() > env.E
}

// Get returns the stored JSON for key if present and unexpired. Expired
// entries are deleted.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	env, ok := s.read(ctx, key)
	if ok && s.expired(env) {
		_ = s.medium.Delete(ctx, s.ns+key)
		ok = false
	}
	if !ok {
		s.metrics.Miss(metrics.LayerPersistent)
		return nil, false
	}
	s.metrics.Hit(metrics.LayerPersistent)
	return env.D, true
}

// GetStale returns the stored JSON for key regardless of expiry.
func (s *Store) GetStale(ctx context.Context, key string) (Stale, bool) {
	env, ok := s.read(ctx, key)
	if !ok {
		s.metrics.Miss(metrics.LayerPersistent)
		return Stale{}, false
	}

	now := s.clock.Now()
	created := time.UnixMilli(env.C)
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}

	st := Stale{
		Value:     env.D,
		Expired:   s.expired(env),
		Age:       age,
		CreatedAt: created,
		ExpiresAt: time.UnixMilli(env.E),
	}
	if st.Expired {
		s.metrics.Miss(metrics.LayerPersistent)
	} else {
		s.metrics.Hit(metrics.LayerPersistent)
	}
	return st, true
}

func (s *Store) Has(ctx context.Context, key string) bool {
	env, ok := s.read(ctx, key)
	if ok && s.expired(env) {
		_ = s.medium.Delete(ctx, s.ns+key)
		return false
	}
	return ok
}

func (s *Store) Invalidate(ctx context.Context, key string) error {
	return s.medium.Delete(ctx, s.ns+key)
}

// InvalidatePattern removes every entry whose key contains substr. An empty
// substr clears the namespace.
func (s *Store) InvalidatePattern(ctx context.Context, substr string) (int, error) {
	keys, err := s.namespaceKeys(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, k := range keys {
		if strings.Contains(strings.TrimPrefix(k, s.ns), substr) {
			if err := s.medium.Delete(ctx, k); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// EmergencyCleanup deletes the oldest half (rounded up) of the namespace by
// creation time and returns how many entries were removed.
func (s *Store) EmergencyCleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergencyCleanup(ctx)
}

func (s *Store) emergencyCleanup(ctx context.Context) (int, error) {
	keys, err := s.namespaceKeys(ctx)
	if err != nil {
		return 0, err
	}

	type aged struct {
		key     string
		created int64
	}
	entries := make([]aged, 0, len(keys))
	for _, k := range keys {
		var created int64
		if raw, err := s.medium.Get(ctx, k); err == nil {
			var env envelope
			if json.Unmarshal(raw, &env) == nil {
				created = env.C
			}
		}
		entries = append(entries, aged{key: k, created: created})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].created != entries[j].created {
			return entries[i].created < entries[j].created
		}
		return entries[i].key < entries[j].key
	})

	n := (len(entries) + 1) / 2
	for _, e := range entries[:n] {
		if err := s.medium.Delete(ctx, e.key); err != nil {
			return 0, fmt.Errorf("evict %s: %w", e.key, err)
		}
	}

	if n > 0 {
		s.metrics.Evicted(n)
		s.logger.Warn("emergency cleanup", zap.Int("evicted", n), zap.Int("entries", len(entries)))
	}
	return n, nil
}

// StorageInfo estimates usage as twice the stored value length, for the whole
// medium and for this namespace.
func (s *Store) StorageInfo(ctx context.Context) (Info, error) {
	return s.storageInfo(ctx)
}

func (s *Store) storageInfo(ctx context.Context) (Info, error) {
	keys, err := s.medium.Keys(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("list keys: %w", err)
	}

	var info Info
	for _, k := range keys {
		v, err := s.medium.Get(ctx, k)
		if err != nil {
			continue
		}
		size := int64(len(v)) * 2
		info.TotalBytes += size
		if strings.HasPrefix(k, s.ns) {
			info.NamespaceBytes += size
			info.Entries++
		}
	}
	return info, nil
}

func (s *Store) namespaceKeys(ctx context.Context) ([]string, error) {
	keys, err := s.medium.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, s.ns) {
			out = append(out, k)
		}
	}
	return out, nil
}
