package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name    string
	store   Store
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	clock := newFakeClock()
	memory := NewMemoryStore(WithClock(clock.Now))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return []backend{
		{name: "memory", store: memory, advance: clock.Advance},
		{name: "redis", store: NewRedisStore(Direct(client)), advance: mr.FastForward},
	}
}

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, ok, err := b.store.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.store.Set(ctx, "greeting", "hello", time.Second))
			val, ok, err := b.store.Get(ctx, "greeting")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "hello", val)

			b.advance(2 * time.Second)
			_, ok, err = b.store.Get(ctx, "greeting")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_IncrementKeepsFirstTTL(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			n, err := b.store.Increment(ctx, "counter", 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			b.advance(6 * time.Second)

			// A later increment must not push the window out
			n, err = b.store.Increment(ctx, "counter", 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			ttl, err := b.store.TTL(ctx, "counter")
			require.NoError(t, err)
			assert.LessOrEqual(t, ttl, 4*time.Second)
			assert.Greater(t, ttl, time.Duration(0))

			b.advance(5 * time.Second)
			n, err = b.store.Increment(ctx, "counter", 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestStore_SetNX(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ok, err := b.store.SetNX(ctx, "lock", "a", time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.store.SetNX(ctx, "lock", "b", time.Second)
			require.NoError(t, err)
			assert.False(t, ok)

			b.advance(2 * time.Second)
			ok, err = b.store.SetNX(ctx, "lock", "c", time.Second)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_TTLMissingKey(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ttl, err := b.store.TTL(ctx, "nope")
			require.NoError(t, err)
			assert.Equal(t, time.Duration(0), ttl)

			require.NoError(t, b.store.Set(ctx, "forever", "1", 0))
			ttl, err = b.store.TTL(ctx, "forever")
			require.NoError(t, err)
			assert.Equal(t, time.Duration(0), ttl)
		})
	}
}

func TestStore_ListOperations(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			for _, v := range []string{"a", "b", "c", "d"} {
				require.NoError(t, b.store.Push(ctx, "log", v))
			}

			items, err := b.store.Range(ctx, "log", 0, -1)
			require.NoError(t, err)
			assert.Equal(t, []string{"d", "c", "b", "a"}, items)

			require.NoError(t, b.store.Trim(ctx, "log", 0, 1))
			items, err = b.store.Range(ctx, "log", 0, -1)
			require.NoError(t, err)
			assert.Equal(t, []string{"d", "c"}, items)

			require.NoError(t, b.store.Expire(ctx, "log", time.Second))
			b.advance(2 * time.Second)
			items, err = b.store.Range(ctx, "log", 0, -1)
			require.NoError(t, err)
			assert.Empty(t, items)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.Set(ctx, "a", "1", 0))
			require.NoError(t, b.store.Set(ctx, "b", "2", 0))
			require.NoError(t, b.store.Delete(ctx, "a", "b", "missing"))

			_, ok, err := b.store.Get(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok, err = b.store.Get(ctx, "b")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_Pipeline(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.Set(ctx, "existing", "value", 0))

			pipe := b.store.Pipeline()
			pipe.Increment("hits", time.Minute)
			pipe.Increment("hits", time.Minute)
			pipe.Get("existing")
			pipe.Get("missing")
			pipe.Push("events", "first", "second")
			pipe.Trim("events", 0, 9)
			pipe.Expire("events", time.Hour)
			pipe.Range("events", 0, -1)
			pipe.TTL("hits")

			results, err := pipe.Exec(ctx)
			require.NoError(t, err)
			require.Len(t, results, 9)

			n, err := results[1].Int()
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			val, ok, err := results[2].Str()
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "value", val)

			_, ok, err = results[3].Str()
			require.NoError(t, err)
			assert.False(t, ok)

			items, err := results[7].Strings()
			require.NoError(t, err)
			assert.Equal(t, []string{"second", "first"}, items)

			ttl, err := results[8].Duration()
			require.NoError(t, err)
			assert.Greater(t, ttl, 50*time.Second)
		})
	}
}

func TestStore_WrongType(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.Push(ctx, "list", "x"))
			_, err := b.store.Increment(ctx, "list", time.Minute)
			assert.Error(t, err)
		})
	}
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithMaxEntries(3))

	require.NoError(t, s.Set(ctx, "a", "1", 0))
	require.NoError(t, s.Set(ctx, "b", "2", 0))
	require.NoError(t, s.Set(ctx, "c", "3", 0))

	// Touch "a" so "b" becomes the eviction candidate
	_, _, err := s.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "d", "4", 0))

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, int64(1), s.Evictions())

	_, ok, _ := s.Get(ctx, "b")
	assert.False(t, ok)
	for _, key := range []string{"a", "c", "d"} {
		_, ok, _ := s.Get(ctx, key)
		assert.True(t, ok, "key %s should survive eviction", key)
	}
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))

	require.NoError(t, s.Set(ctx, "short", "1", time.Second))
	require.NoError(t, s.Set(ctx, "long", "1", time.Hour))
	require.NoError(t, s.Set(ctx, "forever", "1", 0))

	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, s.PurgeExpired())
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_ConcurrentIncrement(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Increment(ctx, "shared", time.Minute)
		}()
	}
	wg.Wait()

	val, ok, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "50", val)
}

func TestRedisStore_UnavailableClient(t *testing.T) {
	s := NewRedisStore(Direct(nil))

	_, err := s.Increment(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, errClientUnavailable)
	assert.Error(t, s.Ping(context.Background()))
}
