package odacache

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/aweris/odacache/internal/clock"
	"github.com/aweris/odacache/internal/compression"
	"github.com/aweris/odacache/internal/metrics"
	"github.com/aweris/odacache/internal/persist"
	"github.com/aweris/odacache/internal/store"
)

// Defaults for the persistent layer.
const (
	DefaultPrefix     = "oda_boutiques_"
	DefaultVersion    = "v4"
	DefaultTTL        = time.Minute
	DefaultMaxStorage = persist.DefaultMaxSize
)

// Store is the key/value medium the persistent layer writes to.
type Store = store.Store

// Clock reports the current time; expiry is computed against it.
type Clock = clock.Clock

// Recorder receives cache events for metrics.
type Recorder = metrics.Recorder

// Options configures a Cache.
type Options struct {
	StorageDir       string
	Store            Store
	Prefix           string
	Version          string
	MaxStorageSize   int64
	MaxEntryFraction int
	DefaultTTL       time.Duration
	CompressionLevel int
	Compression      bool
	Logger           *zap.Logger
	Clock            Clock
	Metrics          Recorder
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		StorageDir:       defaultStorageDir(),
		Prefix:           DefaultPrefix,
		Version:          DefaultVersion,
		MaxStorageSize:   DefaultMaxStorage,
		MaxEntryFraction: persist.DefaultEntryFraction,
		DefaultTTL:       DefaultTTL,
		CompressionLevel: compression.LevelDefault,
		Compression:      true,
	}
}

// WithStorageDir sets the directory of the default filesystem medium.
func WithStorageDir(dir string) Option {
	return func(o *Options) { o.StorageDir = dir }
}

// WithStore sets the persistent medium. The caller keeps ownership and must
// close it.
func WithStore(s Store) Option {
	return func(o *Options) { o.Store = s }
}

// WithPrefix sets the key prefix shared by every version of the cache.
func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

// WithVersion sets the cache format version. Entries from other versions are
// removed on Open.
func WithVersion(version string) Option {
	return func(o *Options) { o.Version = version }
}

// WithMaxStorageSize sets the approximate byte budget of the medium.
func WithMaxStorageSize(n int64) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxStorageSize = n
		}
	}
}

// WithMaxEntryFraction rejects entries larger than MaxStorageSize/n.
func WithMaxEntryFraction(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxEntryFraction = n
		}
	}
}

// WithDefaultTTL sets the TTL used when promoting an entry whose remaining
// lifetime cannot be computed.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.DefaultTTL = ttl
		}
	}
}

// WithCompression configures zstd for the default filesystem medium.
func WithCompression(level int, enabled bool) Option {
	return func(o *Options) {
		o.CompressionLevel = level
		o.Compression = enabled
	}
}

func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }
func WithClock(c Clock) Option        { return func(o *Options) { o.Clock = c } }
func WithMetrics(m Recorder) Option   { return func(o *Options) { o.Metrics = m } }

func defaultStorageDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "odacache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "odacache")
	}
	return ".odacache"
}
