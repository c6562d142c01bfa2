package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aweris/odacache/internal/compression"
)

// LocalStore implements Store using the local filesystem.
//
// Storage layout (namespace-isolated):
//
//	basePath/namespace/
//	  items/
//	    6f/64615f...  (hex-encoded key, sharded by first byte)
//
// Values are zstd compressed when that makes them smaller.
type LocalStore struct {
	basePath   string
	namespace  string
	compressor *compression.Compressor
}

func NewLocalStore(basePath, namespace string, compressionLevel int, compressionEnabled bool) (*LocalStore, error) {
	nsPath := filepath.Join(basePath, namespace)

	if err := os.MkdirAll(filepath.Join(nsPath, "items"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", nsPath, err)
	}

	compressor, err := compression.NewCompressor(compressionLevel, compressionEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	return &LocalStore{
		basePath:   nsPath,
		namespace:  namespace,
		compressor: compressor,
	}, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	compressed, err := os.ReadFile(s.itemPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read item: %w", err)
	}

	data, err := s.compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress item: %w", err)
	}
	return data, nil
}

// Set writes through a temporary file and renames it into place so readers
// never observe a partial value.
func (s *LocalStore) Set(ctx context.Context, key string, value []byte) error {
	compressed, err := s.compressor.Compress(value)
	if err != nil {
		return fmt.Errorf("failed to compress item: %w", err)
	}

	path := s.itemPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write item: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write item: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write item: %w", err)
	}
	return nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.itemPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

func (s *LocalStore) Keys(ctx context.Context) ([]string, error) {
	root := filepath.Join(s.basePath, "items")
	var keys []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		raw, err := hex.DecodeString(strings.ReplaceAll(rel, string(filepath.Separator), ""))
		if err != nil {
			// Not one of ours.
			return nil
		}
		keys = append(keys, string(raw))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return keys, nil
}

func (s *LocalStore) Close() error {
	return s.compressor.Close()
}

// itemPath returns the filesystem path for a key.
// Git-style sharding: items/ab/cd123...
func (s *LocalStore) itemPath(key string) string {
	name := hex.EncodeToString([]byte(key))
	if len(name) < 4 {
		return filepath.Join(s.basePath, "items", name)
	}
	return filepath.Join(s.basePath, "items", name[:2], name[2:])
}
