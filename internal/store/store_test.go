package store

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	local, err := NewLocalStore(t.TempDir(), "oda", 2, true)
	require.NoError(t, err)

	lite, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	all := map[string]Store{
		"memory": NewMemoryStore(),
		"local":  local,
		"sqlite": lite,
	}
	t.Cleanup(func() {
		for _, s := range all {
			_ = s.Close()
		}
	})
	return all
}

func TestStoreContract(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "oda_boutiques_v4_shops", []byte(`{"d":1}`)))
			require.NoError(t, s.Set(ctx, "device_id", []byte("abc")))
			require.NoError(t, s.Set(ctx, "k", []byte("short key")))

			v, err := s.Get(ctx, "oda_boutiques_v4_shops")
			require.NoError(t, err)
			assert.Equal(t, `{"d":1}`, string(v))

			require.NoError(t, s.Set(ctx, "device_id", []byte("def")))
			v, err = s.Get(ctx, "device_id")
			require.NoError(t, err)
			assert.Equal(t, "def", string(v))

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			sort.Strings(keys)
			assert.Equal(t, []string{"device_id", "k", "oda_boutiques_v4_shops"}, keys)

			require.NoError(t, s.Delete(ctx, "device_id"))
			require.NoError(t, s.Delete(ctx, "device_id"), "deleting twice is not an error")
			_, err = s.Get(ctx, "device_id")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLocalStoreCompressesLargeValues(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir(), "oda", 2, true)
	require.NoError(t, err)
	defer s.Close()

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, s.Set(ctx, "compiled", big))

	v, err := s.Get(ctx, "compiled")
	require.NoError(t, err)
	assert.Equal(t, big, v)
}

func TestQuota(t *testing.T) {
	ctx := context.Background()
	q := NewQuota(NewMemoryStore(), 20)

	require.NoError(t, q.Set(ctx, "a", []byte("123456789"))) // 10 bytes
	err := q.Set(ctx, "b", []byte("1234567890123"))           // would be 24
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = q.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound, "rejected write must not land")

	// Replacing a key only counts the new value.
	require.NoError(t, q.Set(ctx, "a", []byte("1234567890123456789")))

	used, err := q.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), used)
}
