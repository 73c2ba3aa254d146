package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"resilience/pkg/ratelimit"
	"resilience/pkg/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func buildLimiters(st store.Store, now func() time.Time, override map[ratelimit.RouteClass]int) map[ratelimit.RouteClass]*ratelimit.Limiter {
	limiters := make(map[ratelimit.RouteClass]*ratelimit.Limiter)
	for class, cfg := range ratelimit.DefaultRouteConfigs() {
		if n, ok := override[class]; ok {
			cfg.Requests = n
		}
		limiters[class] = ratelimit.New(st, cfg, ratelimit.WithClock(now))
	}
	return limiters
}

func setupTestRouter(t *testing.T, st store.Store, override map[ratelimit.RouteClass]int) (*gin.Engine, *fakeClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	if st == nil {
		st = store.NewMemoryStore(store.WithClock(clock.Now))
	}
	dispatcher := NewDispatcher(buildLimiters(st, clock.Now, override), WithClock(clock.Now))

	router := gin.New()
	router.Use(dispatcher.Middleware())

	ok := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) }
	router.GET("/api/things", ok)
	router.POST("/api/auth/login", ok)
	router.GET("/api/external/weather", ok)
	router.GET("/api/external/news", ok)
	router.POST("/api/upload", ok)
	router.GET("/static/app.js", ok)
	router.GET("/logo.png", ok)
	router.GET("/about", ok)

	return router, clock
}

func doRequest(router *gin.Engine, method, path, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if addr != "" {
		req.Header.Set("X-Forwarded-For", addr)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestDispatcher_Classify(t *testing.T) {
	d := NewDispatcher(nil)

	tests := []struct {
		path  string
		class ratelimit.RouteClass
		ok    bool
	}{
		{"/api/auth/login", ratelimit.RouteAuth, true},
		{"/api/external/weather", ratelimit.RouteExternal, true},
		{"/api/proxy/maps", ratelimit.RouteExternal, true},
		{"/api/upload", ratelimit.RouteUpload, true},
		{"/api/uploads/avatar", ratelimit.RouteUpload, true},
		{"/api/things", ratelimit.RouteGeneral, true},
		{"/api/health", ratelimit.RouteGeneral, true},
		{"/about", "", false},
		{"/_next/static/chunk.js", "", false},
		{"/static/app.css", "", false},
		{"/api/docs/logo.png", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			class, ok := d.Classify(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.class, class)
		})
	}
}

func TestDispatcher_HeadersAndLimit(t *testing.T) {
	router, clock := setupTestRouter(t, nil, map[ratelimit.RouteClass]int{ratelimit.RouteGeneral: 2})

	w := doRequest(router, http.MethodGet, "/api/things", "192.168.1.1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, w.Header().Get("Retry-After"))

	w = doRequest(router, http.MethodGet, "/api/things", "192.168.1.1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = doRequest(router, http.MethodGet, "/api/things", "192.168.1.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Equal(t, float64(60), body["retryAfter"])
	assert.Contains(t, body["message"], "60 seconds")

	// Other clients are unaffected
	w = doRequest(router, http.MethodGet, "/api/things", "192.168.1.2")
	assert.Equal(t, http.StatusOK, w.Code)

	clock.Advance(61 * time.Second)
	w = doRequest(router, http.MethodGet, "/api/things", "192.168.1.1")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDispatcher_AuthClassIsStricter(t *testing.T) {
	router, _ := setupTestRouter(t, nil, nil)

	for i := 0; i < 10; i++ {
		w := doRequest(router, http.MethodPost, "/api/auth/login", "10.0.0.1")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	w := doRequest(router, http.MethodPost, "/api/auth/login", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// The general class has its own counter
	w = doRequest(router, http.MethodGet, "/api/things", "10.0.0.1")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDispatcher_ExternalIsPerEndpoint(t *testing.T) {
	router, _ := setupTestRouter(t, nil, map[ratelimit.RouteClass]int{ratelimit.RouteExternal: 1})

	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/api/external/weather", "10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(router, http.MethodGet, "/api/external/weather", "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/api/external/news", "10.0.0.1").Code)
}

func TestDispatcher_BypassesStaticAndNonAPI(t *testing.T) {
	router, _ := setupTestRouter(t, nil, map[ratelimit.RouteClass]int{ratelimit.RouteGeneral: 1})

	for _, path := range []string{"/static/app.js", "/logo.png", "/about"} {
		for i := 0; i < 3; i++ {
			w := doRequest(router, http.MethodGet, path, "10.0.0.1")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestDispatcher_RejectsOversizedBody(t *testing.T) {
	router, _ := setupTestRouter(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("x"))
	req.ContentLength = DefaultMaxContentLength + 1
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, w.Body.String(), "too large")
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestDispatcher_BotsAreLoggedNotBlocked(t *testing.T) {
	router, _ := setupTestRouter(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	req.Header.Set("User-Agent", "EvilScraper/1.0")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIsSuspiciousAgent(t *testing.T) {
	assert.True(t, isSuspiciousAgent("EvilScraper/1.0"))
	assert.True(t, isSuspiciousAgent("my-crawler"))
	assert.False(t, isSuspiciousAgent("Mozilla/5.0 (compatible; Googlebot/2.1)"))
	assert.False(t, isSuspiciousAgent("Mozilla/5.0 (X11; Linux x86_64)"))
	assert.False(t, isSuspiciousAgent(""))
}

func TestDispatcher_StoreFailureFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	router, _ := setupTestRouter(t, store.NewRedisStore(store.Direct(client)), map[ratelimit.RouteClass]int{ratelimit.RouteGeneral: 1})
	mr.Close()

	for i := 0; i < 3; i++ {
		w := doRequest(router, http.MethodGet, "/api/things", "10.0.0.1")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Rate limiting temporarily unavailable", w.Header().Get("X-RateLimit-Error"))
	}
}

func TestDispatcher_StoreFailureFailClosed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := ratelimit.DefaultRouteConfigs()[ratelimit.RouteGeneral]
	limiter := ratelimit.New(store.NewRedisStore(store.Direct(nil)), cfg, ratelimit.WithFailOpen(false))
	dispatcher := NewDispatcher(map[ratelimit.RouteClass]*ratelimit.Limiter{ratelimit.RouteGeneral: limiter})

	router := gin.New()
	router.Use(dispatcher.Middleware())
	router.GET("/api/things", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doRequest(router, http.MethodGet, "/api/things", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Rate limiting temporarily unavailable", w.Header().Get("X-RateLimit-Error"))
}

func TestEmergencyMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := ratelimit.New(store.NewMemoryStore(), ratelimit.EmergencyConfig())

	router := gin.New()
	router.Use(EmergencyMiddleware(limiter, nil))
	router.GET("/about", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/about", "10.9.9.9").Code)
	}
	w := doRequest(router, http.MethodGet, "/about", "10.9.9.9")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}
