package odacache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/odacache/internal/clock"
	"github.com/aweris/odacache/internal/store"
)

type shop struct {
	ID    string `json:"id"`
	Likes int    `json:"likes"`
}

func openTest(t *testing.T, medium store.Store) (*Cache, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	c, err := Open(context.Background(), WithStore(medium), WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, clk
}

func TestWriteThenReadIsFresh(t *testing.T) {
	ctx := context.Background()
	c, _ := openTest(t, store.NewMemoryStore())

	c.Write(ctx, KeyShops, []shop{{ID: "a", Likes: 2}}, time.Hour)

	e, err := Read[[]shop](ctx, c, KeyShops)
	require.NoError(t, err)
	assert.True(t, e.Fresh)
	assert.Equal(t, SourceEphemeral, e.Source)
	assert.Equal(t, []shop{{ID: "a", Likes: 2}}, e.Value)
	assert.True(t, c.IsFresh(ctx, KeyShops))
}

func TestWriteTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _ := openTest(t, store.NewMemoryStore())

	c.Write(ctx, KeyLikes, 7, time.Hour)
	c.Write(ctx, KeyLikes, 7, time.Hour)

	e, err := Read[int](ctx, c, KeyLikes)
	require.NoError(t, err)
	assert.Equal(t, 7, e.Value)
	assert.True(t, e.Fresh)
}

func TestReadPromotesFromPersistent(t *testing.T) {
	ctx := context.Background()
	medium := store.NewMemoryStore()
	first, clk := openTest(t, medium)
	first.Write(ctx, KeyCompiled, shop{ID: "a"}, 10*time.Minute)

	// a second instance on the same medium starts with an empty memory layer
	second, err := Open(ctx, WithStore(medium), WithClock(clk))
	require.NoError(t, err)
	defer second.Close()

	clk.Advance(4 * time.Minute)

	e, err := Read[shop](ctx, second, KeyCompiled)
	require.NoError(t, err)
	assert.Equal(t, SourcePersistent, e.Source)
	assert.True(t, e.Fresh)
	assert.Equal(t, 4*time.Minute, e.Age)

	e, err = Read[shop](ctx, second, KeyCompiled)
	require.NoError(t, err)
	assert.Equal(t, SourceEphemeral, e.Source)

	// promoted with the remaining 6 minutes, not a full TTL
	clk.Advance(6*time.Minute + time.Millisecond)
	e, err = Read[shop](ctx, second, KeyCompiled)
	require.NoError(t, err)
	assert.Equal(t, SourcePersistent, e.Source)
	assert.False(t, e.Fresh)
}

func TestReadStaleAfterExpiry(t *testing.T) {
	ctx := context.Background()
	c, clk := openTest(t, store.NewMemoryStore())

	c.Write(ctx, KeySubscribers, map[string]int{"a": 3}, time.Minute)
	clk.Advance(2 * time.Minute)

	e, err := Read[map[string]int](ctx, c, KeySubscribers)
	require.NoError(t, err)
	assert.False(t, e.Fresh)
	assert.Equal(t, SourcePersistent, e.Source)
	assert.GreaterOrEqual(t, e.Age, time.Duration(0))
	assert.Equal(t, 3, e.Value["a"])
	assert.False(t, c.IsFresh(ctx, KeySubscribers))
}

func TestReadMiss(t *testing.T) {
	c, _ := openTest(t, store.NewMemoryStore())

	_, err := Read[int](context.Background(), c, "nothing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
}

func TestDedupInvokesOnce(t *testing.T) {
	ctx := context.Background()
	c, _ := openTest(t, store.NewMemoryStore())

	var calls atomic.Int32
	release := make(chan struct{})
	op := func(context.Context) ([]shop, error) {
		calls.Add(1)
		<-release
		return []shop{{ID: "a"}}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([][]shop, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Dedup(ctx, c, KeyShops, op)
			assert.NoError(t, err)
			results[i] = v
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, []shop{{ID: "a"}}, r)
	}
}

func TestDedupOutlivesFirstCallerCancel(t *testing.T) {
	c, _ := openTest(t, store.NewMemoryStore())

	var calls atomic.Int32
	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	op := func(ctx context.Context) (int, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 7, nil
	}

	first, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = Dedup(first, c, KeyLikes, op) }()
	<-started

	type result struct {
		v   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, err := Dedup(context.Background(), c, KeyLikes, op)
		second <- result{v, err}
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Equal(t, 7, r.v)
	case <-time.After(2 * time.Second):
		t.Fatal("joined caller never returned")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestDedupFailureDoesNotPoison(t *testing.T) {
	ctx := context.Background()
	c, _ := openTest(t, store.NewMemoryStore())

	boom := errors.New("boom")
	_, err := Dedup(ctx, c, KeyLikes, func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	v, err := Dedup(ctx, c, KeyLikes, func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestInvalidateShop(t *testing.T) {
	ctx := context.Background()
	c, _ := openTest(t, store.NewMemoryStore())

	c.Write(ctx, KeyCompiled, 1, time.Hour)
	c.Write(ctx, ShopKey("42")+"_products", 1, time.Hour)
	c.Write(ctx, ShopKey("7")+"_products", 1, time.Hour)
	c.Write(ctx, KeyShops, 1, time.Hour)

	c.InvalidateShop(ctx, "42")

	assert.False(t, c.IsFresh(ctx, KeyCompiled))
	assert.False(t, c.IsFresh(ctx, ShopKey("42")+"_products"))
	assert.True(t, c.IsFresh(ctx, ShopKey("7")+"_products"))
	assert.True(t, c.IsFresh(ctx, KeyShops))
}

func TestInvalidateSubscribersAndFlush(t *testing.T) {
	ctx := context.Background()
	medium := store.NewMemoryStore()
	c, _ := openTest(t, medium)
	require.NoError(t, medium.Set(ctx, "device_id", []byte("x")))

	c.Write(ctx, KeySubscribers, 1, time.Hour)
	c.Write(ctx, KeyCompiled, 1, time.Hour)
	c.Write(ctx, KeyShops, 1, time.Hour)

	c.InvalidateSubscribers(ctx)
	assert.False(t, c.IsFresh(ctx, KeySubscribers))
	assert.False(t, c.IsFresh(ctx, KeyCompiled))
	assert.True(t, c.IsFresh(ctx, KeyShops))

	require.NoError(t, c.Flush(ctx))
	assert.False(t, c.IsFresh(ctx, KeyShops))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Storage.Entries)
	assert.Equal(t, 0, stats.Memory.Size)

	_, err = medium.Get(ctx, "device_id")
	assert.NoError(t, err, "flush only clears the cache namespace")
}

func TestOpenDefaultStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := Open(ctx, WithStorageDir(dir))
	require.NoError(t, err)
	c.Write(ctx, KeyShops, []string{"a"}, time.Hour)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClosed)

	reopened, err := Open(ctx, WithStorageDir(dir))
	require.NoError(t, err)
	defer reopened.Close()

	e, err := Read[[]string](ctx, reopened, KeyShops)
	require.NoError(t, err)
	assert.Equal(t, SourcePersistent, e.Source)
	assert.Equal(t, []string{"a"}, e.Value)
}

func TestVersionChangeDropsEntries(t *testing.T) {
	ctx := context.Background()
	medium := store.NewMemoryStore()

	old, err := Open(ctx, WithStore(medium), WithVersion("v3"))
	require.NoError(t, err)
	old.Write(ctx, KeyShops, 1, time.Hour)

	current, err := Open(ctx, WithStore(medium), WithVersion("v4"))
	require.NoError(t, err)

	_, err = Read[int](ctx, current, KeyShops)
	assert.ErrorIs(t, err, ErrNotFound)
}
