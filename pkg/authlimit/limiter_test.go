package authlimit

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resilience/pkg/store"
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

func setupLimiter(t *testing.T) (*Limiter, *store.MemoryStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := store.NewMemoryStore(store.WithClock(clock.Now))
	return NewLimiter(st, WithClock(clock.Now)), st, clock
}

func TestLimiter_SignInBlocksAfterQuota(t *testing.T) {
	limiter, _, clock := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := limiter.CheckRateLimit(ctx, SignIn, "alice@example.com")
		assert.True(t, res.Allowed, "attempt %d should be allowed", i+1)
		assert.False(t, res.Blocked)
		assert.Equal(t, 4-i, res.Remaining)
	}

	res := limiter.CheckRateLimit(ctx, SignIn, "alice@example.com")
	assert.False(t, res.Allowed)
	assert.True(t, res.Blocked)
	require.NotNil(t, res.BlockExpiry)
	assert.Greater(t, *res.BlockExpiry, clock.Now().UnixMilli())
	assert.Equal(t, clock.Now().Add(15*time.Minute).UnixMilli(), *res.BlockExpiry)
	expiry := *res.BlockExpiry

	// The 300s counter window has rolled over but the 900s block has not
	clock.Advance(301 * time.Second)
	res = limiter.CheckRateLimit(ctx, SignIn, "alice@example.com")
	assert.False(t, res.Allowed)
	assert.True(t, res.Blocked)
	require.NotNil(t, res.BlockExpiry)
	assert.Equal(t, expiry, *res.BlockExpiry)

	clock.Advance(10 * time.Minute)
	res = limiter.CheckRateLimit(ctx, SignIn, "alice@example.com")
	assert.True(t, res.Allowed)
	assert.Nil(t, res.BlockExpiry)
}

func TestLimiter_ResetRestoresQuota(t *testing.T) {
	limiter, _, _ := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		limiter.CheckRateLimit(ctx, SignIn, "bob")
	}
	require.True(t, limiter.CheckRateLimit(ctx, SignIn, "bob").Blocked)

	require.NoError(t, limiter.ResetRateLimit(ctx, SignIn, "bob"))

	res := limiter.CheckRateLimit(ctx, SignIn, "bob")
	assert.True(t, res.Allowed)
	assert.False(t, res.Blocked)
	assert.Equal(t, 4, res.Remaining)
}

func TestLimiter_ExpiredBlockIsDeleted(t *testing.T) {
	limiter, st, clock := setupLimiter(t)
	ctx := context.Background()

	past := clock.Now().Add(-time.Second).UnixMilli()
	require.NoError(t, st.Set(ctx, blockKey(SignUp, "carol"), strconv.FormatInt(past, 10), 0))

	res := limiter.CheckRateLimit(ctx, SignUp, "carol")
	assert.True(t, res.Allowed)

	_, ok, err := st.Get(ctx, blockKey(SignUp, "carol"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLimiter_OperationsAreIndependent(t *testing.T) {
	limiter, _, _ := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		limiter.CheckRateLimit(ctx, SignUp, "dave")
	}
	assert.True(t, limiter.CheckRateLimit(ctx, SignUp, "dave").Blocked)
	assert.True(t, limiter.CheckRateLimit(ctx, SignIn, "dave").Allowed)
	assert.True(t, limiter.CheckRateLimit(ctx, SignUp, "erin").Allowed)
}

func TestLimiter_UnknownOperationUsesGeneral(t *testing.T) {
	limiter, _, _ := setupLimiter(t)

	res := limiter.CheckRateLimit(context.Background(), Operation("MAGIC_LINK"), "frank")
	assert.True(t, res.Allowed)
	assert.Equal(t, 19, res.Remaining)
}

func TestLimiter_GetStatusDoesNotCount(t *testing.T) {
	limiter, _, clock := setupLimiter(t)
	ctx := context.Background()

	status, err := limiter.GetStatus(ctx, PasswordReset, "gina")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Count)
	assert.Equal(t, 3, status.Remaining)
	assert.False(t, status.Blocked)

	limiter.CheckRateLimit(ctx, PasswordReset, "gina")
	clock.Advance(time.Minute)

	for i := 0; i < 3; i++ {
		status, err = limiter.GetStatus(ctx, PasswordReset, "gina")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), status.Count)
	assert.Equal(t, 2, status.Remaining)
	assert.Equal(t, clock.Now().Add(59*time.Minute).UnixMilli(), status.ResetTime)

	for i := 0; i < 3; i++ {
		limiter.CheckRateLimit(ctx, PasswordReset, "gina")
	}
	status, err = limiter.GetStatus(ctx, PasswordReset, "gina")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
	assert.Equal(t, 0, status.Remaining)
	require.NotNil(t, status.BlockExpiry)
}

func TestLimiter_StoreErrorAllows(t *testing.T) {
	limiter := NewLimiter(store.NewRedisStore(store.Direct(nil)))

	for i := 0; i < 10; i++ {
		res := limiter.CheckRateLimit(context.Background(), SignIn, "henry")
		assert.True(t, res.Allowed)
		assert.Equal(t, 5, res.Remaining)
	}
}

func TestLimiter_NilStoreAllows(t *testing.T) {
	limiter := NewLimiter(nil)
	ctx := context.Background()

	res := limiter.CheckRateLimit(ctx, SignIn, "ivy")
	assert.True(t, res.Allowed)
	assert.NoError(t, limiter.ResetRateLimit(ctx, SignIn, "ivy"))

	health := limiter.Health(ctx)
	assert.False(t, health.StoreEnabled)
	assert.False(t, health.Features.Blocking)
}

func TestLimiter_Redis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	limiter := NewLimiter(store.NewRedisStore(store.Direct(client)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.CheckRateLimit(ctx, EmailVerify, "jack").Allowed)
	}
	res := limiter.CheckRateLimit(ctx, EmailVerify, "jack")
	assert.True(t, res.Blocked)
	assert.True(t, mr.Exists(blockKey(EmailVerify, "jack")))
	assert.Equal(t, 30*time.Minute, mr.TTL(blockKey(EmailVerify, "jack")))

	require.NoError(t, limiter.ResetRateLimit(ctx, EmailVerify, "jack"))
	assert.False(t, mr.Exists(blockKey(EmailVerify, "jack")))
	assert.False(t, mr.Exists(counterKey(EmailVerify, "jack")))
}

func TestLimiter_Health(t *testing.T) {
	limiter, _, _ := setupLimiter(t)

	health := limiter.Health(context.Background())
	assert.True(t, health.StoreEnabled)
	assert.True(t, health.StoreReachable)
	assert.Equal(t, "memory", health.StoreBackend)
	assert.Len(t, health.Operations, len(Operations()))
	assert.Equal(t, QuotaInfo{Requests: 5, WindowSeconds: 300, BlockDurationSeconds: 900}, health.Operations[SignIn])
	assert.Equal(t, QuotaInfo{Requests: 100, WindowSeconds: 60, BlockDurationSeconds: 900}, health.Operations[DBRateLimit])
	assert.True(t, health.Features.SuspicionDetection)
}

func TestParseOperation(t *testing.T) {
	op, ok := ParseOperation("SIGN_UP")
	assert.True(t, ok)
	assert.Equal(t, SignUp, op)

	_, ok = ParseOperation("sign_up")
	assert.False(t, ok)
}
