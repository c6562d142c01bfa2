// Package config holds the configuration model shared by the CLI commands.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Cache  Cache  `mapstructure:"cache"`
	TTL    TTL    `mapstructure:"ttl"`
	Loader Loader `mapstructure:"loader"`
	Remote Remote `mapstructure:"remote"`
	Worker Worker `mapstructure:"worker"`
	Log    Log    `mapstructure:"log"`
}

type Cache struct {
	Prefix           string        `mapstructure:"prefix" validate:"required"`
	Version          string        `mapstructure:"version" validate:"required"`
	MaxStorageSize   int64         `mapstructure:"max_storage_size" validate:"gt=0"`
	MaxEntryFraction int           `mapstructure:"max_entry_fraction" validate:"gte=1"`
	Backend          string        `mapstructure:"backend" validate:"oneof=local sqlite memory"`
	Dir              string        `mapstructure:"dir" validate:"required_if=Backend local"`
	SQLitePath       string        `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	CompressionLevel int           `mapstructure:"compression_level" validate:"gte=1,lte=3"`
	DefaultTTL       time.Duration `mapstructure:"default_ttl" validate:"gt=0"`
}

// TTL holds the lifetime of each key class.
type TTL struct {
	Shops       time.Duration `mapstructure:"shops" validate:"gt=0"`
	Products    time.Duration `mapstructure:"products" validate:"gt=0"`
	Likes       time.Duration `mapstructure:"likes" validate:"gt=0"`
	Subscribers time.Duration `mapstructure:"subscribers" validate:"gt=0"`
	Compiled    time.Duration `mapstructure:"compiled" validate:"gt=0"`
}

type Loader struct {
	RefreshDelay  time.Duration `mapstructure:"refresh_delay" validate:"gte=0"`
	TopCount      int           `mapstructure:"top_count" validate:"gte=1"`
	PrefetchDelay time.Duration `mapstructure:"prefetch_delay" validate:"gte=0"`
}

type Remote struct {
	URL     string `mapstructure:"url" validate:"omitempty,url"`
	Key     string `mapstructure:"key" validate:"required_with=URL"`
	Retries int    `mapstructure:"retries" validate:"gte=1"`
}

type Worker struct {
	Name              string        `mapstructure:"name" validate:"required"`
	Version           string        `mapstructure:"version" validate:"required"`
	Upstream          string        `mapstructure:"upstream" validate:"omitempty,url"`
	Listen            string        `mapstructure:"listen" validate:"required"`
	NetworkTimeout    time.Duration `mapstructure:"network_timeout" validate:"gt=0"`
	Precache          []string      `mapstructure:"precache" validate:"dive,required"`
	Placeholder       string        `mapstructure:"placeholder"`
	OfflinePage       string        `mapstructure:"offline_page"`
	BypassHosts       []string      `mapstructure:"bypass_hosts"`
	NetworkFirstHosts []string      `mapstructure:"network_first_hosts"`
	SWRDestinations   []string      `mapstructure:"swr_destinations"`
	SkipWaiting       bool          `mapstructure:"skip_waiting"`
	StorageDir        string        `mapstructure:"storage_dir" validate:"required"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	dataDir := DataDir()

	v.SetDefault("cache.prefix", "oda_boutiques_")
	v.SetDefault("cache.version", "v4")
	v.SetDefault("cache.max_storage_size", 4*1024*1024)
	v.SetDefault("cache.max_entry_fraction", 4)
	v.SetDefault("cache.backend", "local")
	v.SetDefault("cache.dir", filepath.Join(dataDir, "cache"))
	v.SetDefault("cache.sqlite_path", filepath.Join(dataDir, "cache.db"))
	v.SetDefault("cache.compression_level", 2)
	v.SetDefault("cache.default_ttl", time.Minute)

	v.SetDefault("ttl.shops", 6*time.Hour)
	v.SetDefault("ttl.products", 2*time.Hour)
	v.SetDefault("ttl.likes", 30*time.Minute)
	v.SetDefault("ttl.subscribers", 15*time.Minute)
	v.SetDefault("ttl.compiled", 30*time.Minute)

	v.SetDefault("loader.refresh_delay", 2*time.Second)
	v.SetDefault("loader.top_count", 10)
	v.SetDefault("loader.prefetch_delay", 3*time.Second)

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.key", "")
	v.SetDefault("remote.retries", 3)

	v.SetDefault("worker.name", "oda-marketplace")
	v.SetDefault("worker.version", "v1.0.3")
	v.SetDefault("worker.upstream", "")
	v.SetDefault("worker.listen", ":8080")
	v.SetDefault("worker.network_timeout", 4*time.Second)
	v.SetDefault("worker.precache", []string{
		"/",
		"/oda-achats.html",
		"/favorie.html",
		"/boutique.html",
		"/boutiques.html",
		"/produit.html",
		"/oda.png",
		"/oda-icon-192.png",
		"/oda-icon-512.png",
		"https://fonts.googleapis.com/css2?family=Inter:wght@300;400;500;600;700;800&display=swap",
	})
	v.SetDefault("worker.placeholder", "/oda.png")
	v.SetDefault("worker.offline_page", "/oda-achats.html")
	v.SetDefault("worker.bypass_hosts", []string{"supabase.co"})
	v.SetDefault("worker.network_first_hosts", []string{"fonts.googleapis.com", "cdnjs.cloudflare.com"})
	v.SetDefault("worker.swr_destinations", []string{"font"})
	v.SetDefault("worker.skip_waiting", false)
	v.SetDefault("worker.storage_dir", filepath.Join(dataDir, "worker"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Cache.Dir = expandPath(cfg.Cache.Dir)
	cfg.Cache.SQLitePath = expandPath(cfg.Cache.SQLitePath)
	cfg.Worker.StorageDir = expandPath(cfg.Worker.StorageDir)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and joins every violation into one error.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, e := range fieldErrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")

	switch e.Tag() {
	case "required", "required_if", "required_with":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s is out of range (%s %s)", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// ConfigDir returns the default directory of config.yaml.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "odacache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "odacache")
	}
	return ".odacache"
}

// DataDir returns the default root of on-disk caches.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "odacache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "odacache")
	}
	return ".odacache"
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
