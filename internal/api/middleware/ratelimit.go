package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"resilience/pkg/metrics"
	"resilience/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// DefaultMaxContentLength is the request body ceiling checked before rate limiting
const DefaultMaxContentLength int64 = 10 << 20

const rateLimitUnavailable = "Rate limiting temporarily unavailable"

// RouteRule maps a path pattern to a route class. Rules are evaluated in order
// and the first match wins.
type RouteRule struct {
	Pattern *regexp.Regexp
	Class   ratelimit.RouteClass
}

// DefaultRouteRules returns the route classification, most specific first
func DefaultRouteRules() []RouteRule {
	return []RouteRule{
		{Pattern: regexp.MustCompile(`^/api/auth/`), Class: ratelimit.RouteAuth},
		{Pattern: regexp.MustCompile(`^/api/(external|proxy)/`), Class: ratelimit.RouteExternal},
		{Pattern: regexp.MustCompile(`^/api/upload`), Class: ratelimit.RouteUpload},
		{Pattern: regexp.MustCompile(`^/api/`), Class: ratelimit.RouteGeneral},
	}
}

var (
	staticAsset    = regexp.MustCompile(`(?i)\.(css|js|mjs|map|png|jpe?g|gif|svg|ico|webp|avif|woff2?|ttf|eot|txt|xml)$`)
	staticPrefixes = []string{"/_next/", "/static/", "/assets/"}

	botAgent = regexp.MustCompile(`(?i)bot|crawler|spider|scraper`)
	// Substrings of well-behaved crawlers that are not worth a warning
	legitimateBots = []string{
		"googlebot", "bingbot", "slurp", "duckduckbot", "baiduspider",
		"yandexbot", "facebookexternalhit", "twitterbot", "linkedinbot", "applebot",
	}
)

// Dispatcher picks the limiter for a request by route class
type Dispatcher struct {
	limiters         map[ratelimit.RouteClass]*ratelimit.Limiter
	rules            []RouteRule
	maxContentLength int64
	now              func() time.Time
	logger           *slog.Logger
	metrics          *metrics.Collector
}

type DispatcherOption func(*Dispatcher)

func WithRules(rules []RouteRule) DispatcherOption {
	return func(d *Dispatcher) { d.rules = rules }
}

func WithMaxContentLength(n int64) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxContentLength = n
		}
	}
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher over one limiter per route class.
// A class without a limiter is not rate limited.
func NewDispatcher(limiters map[ratelimit.RouteClass]*ratelimit.Limiter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		limiters:         limiters,
		rules:            DefaultRouteRules(),
		maxContentLength: DefaultMaxContentLength,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "ratelimit_dispatcher")
	return d
}

// Classify returns the route class for path. Static assets and non-API paths
// report false.
func (d *Dispatcher) Classify(path string) (ratelimit.RouteClass, bool) {
	if isStaticAsset(path) {
		return "", false
	}
	for _, rule := range d.rules {
		if rule.Pattern.MatchString(path) {
			return rule.Class, true
		}
	}
	return "", false
}

func isStaticAsset(path string) bool {
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return staticAsset.MatchString(path)
}

// Dispatch applies the pre-checks and the route-class limiter. It writes the
// response and returns false when the request must stop here.
func (d *Dispatcher) Dispatch(c *gin.Context) bool {
	path := c.Request.URL.Path

	class, ok := d.Classify(path)
	if !ok {
		return true
	}

	if c.Request.ContentLength > d.maxContentLength {
		d.metrics.RecordRejection("payload_too_large")
		d.logger.Warn("request body over limit",
			"path", path,
			"content_length", c.Request.ContentLength,
			"limit", d.maxContentLength,
		)
		c.String(http.StatusBadRequest, "Request body too large: %d bytes exceeds the %d byte limit",
			c.Request.ContentLength, d.maxContentLength)
		return false
	}

	if agent := c.Request.UserAgent(); isSuspiciousAgent(agent) {
		d.metrics.RecordSuspiciousClient()
		d.logger.Warn("suspicious user agent",
			"user_agent", agent,
			"client", ratelimit.ByAddress(c.Request),
			"path", path,
		)
	}

	limiter, ok := d.limiters[class]
	if !ok {
		return true
	}
	return applyLimiter(c, limiter, d.now, d.logger)
}

// Middleware adapts Dispatch to gin
func (d *Dispatcher) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !d.Dispatch(c) {
			c.Abort()
			return
		}
		c.Next()
	}
}

// EmergencyMiddleware applies a single bulk limiter to every request,
// independently of route classes
func EmergencyMiddleware(limiter *ratelimit.Limiter, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "emergency_ratelimit")

	return func(c *gin.Context) {
		if !applyLimiter(c, limiter, time.Now, logger) {
			c.Abort()
			return
		}
		c.Next()
	}
}

func applyLimiter(c *gin.Context, limiter *ratelimit.Limiter, now func() time.Time, logger *slog.Logger) bool {
	res, err := limiter.CheckLimit(c.Request.Context(), c.Request)
	if err != nil {
		c.Header(ratelimit.HeaderError, rateLimitUnavailable)
		if !res.RateLimited {
			return true
		}
	}

	ratelimit.AddRateLimitHeaders(c.Writer.Header(), res, now())
	if res.RateLimited {
		logger.Info("rate limit exceeded",
			"limiter", limiter.Config().Name,
			"client", ratelimit.ByAddress(c.Request),
			"path", c.Request.URL.Path,
		)
		RespondRateLimited(c, res, now())
		return false
	}
	return true
}

// RespondRateLimited writes the 429 body. Headers are expected to be set already.
func RespondRateLimited(c *gin.Context, res ratelimit.Result, now time.Time) {
	retryAfter := ratelimit.RetryAfterSeconds(res, now)
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":      "Rate limit exceeded",
		"message":    fmt.Sprintf("Too many requests. Try again in %d seconds.", retryAfter),
		"retryAfter": retryAfter,
	})
}

func isSuspiciousAgent(agent string) bool {
	if agent == "" || !botAgent.MatchString(agent) {
		return false
	}
	lower := strings.ToLower(agent)
	for _, bot := range legitimateBots {
		if strings.Contains(lower, bot) {
			return false
		}
	}
	return true
}
