package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"resilience/pkg/metrics"
	"resilience/pkg/store"
)

const keyPrefix = "ratelimit:"

// Result is the outcome of a single limit check
type Result struct {
	RateLimited bool `json:"rateLimited"`
	// Remaining is never negative
	Remaining int `json:"remaining"`
	// ResetTime is the window end in epoch milliseconds
	ResetTime int64 `json:"resetTime"`
	Total     int   `json:"total"`
}

// Limiter is a fixed-window counter. Two full allowances can be spent around a
// window boundary, so a client may briefly see up to 2x Requests; that burst is
// accepted in exchange for one atomic increment per request.
type Limiter struct {
	store    store.Store
	config   Config
	failOpen bool
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Collector
}

type Option func(*Limiter)

// WithFailOpen selects the store-failure policy. The default is to allow.
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) { l.failOpen = failOpen }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a limiter over the shared store
func New(st store.Store, cfg Config, opts ...Option) *Limiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ByAddress
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	l := &Limiter{
		store:    st,
		config:   cfg,
		failOpen: true,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("limiter", cfg.Name)
	return l
}

// Config returns the limiter configuration
func (l *Limiter) Config() Config {
	return l.config
}

// CheckLimit counts the request against its identity's window.
// A store failure returns the fail-safe result together with the error so the
// caller can surface the degradation.
func (l *Limiter) CheckLimit(ctx context.Context, r *http.Request) (Result, error) {
	return l.CheckKey(ctx, l.config.KeyFunc(r))
}

// CheckKey counts one request for an already-derived identity
func (l *Limiter) CheckKey(ctx context.Context, identity string) (Result, error) {
	now := l.now()
	key := keyPrefix + l.config.Name + ":" + identity

	pipe := l.store.Pipeline()
	pipe.Increment(key, l.config.Window)
	pipe.TTL(key)
	results, err := pipe.Exec(ctx)
	if err != nil {
		return l.degraded(now, fmt.Errorf("rate limit check failed: %w", err))
	}

	count, err := results[0].Int()
	if err != nil {
		return l.degraded(now, fmt.Errorf("rate limit check failed: %w", err))
	}

	ttl, err := results[1].Duration()
	if err != nil || ttl <= 0 {
		ttl = l.config.Window
	}

	res := Result{
		RateLimited: count > int64(l.config.Requests),
		Remaining:   max(0, l.config.Requests-int(count)),
		ResetTime:   now.Add(ttl).UnixMilli(),
		Total:       l.config.Requests,
	}

	l.metrics.RecordDecision(l.config.Name, res.RateLimited)
	return res, nil
}

func (l *Limiter) degraded(now time.Time, err error) (Result, error) {
	l.metrics.RecordStoreError("ratelimit")

	res := Result{
		ResetTime: now.Add(l.config.Window).UnixMilli(),
		Total:     l.config.Requests,
	}
	if l.failOpen {
		res.Remaining = l.config.Requests
		l.logger.Warn("rate limit store unavailable, allowing request", "error", err)
	} else {
		res.RateLimited = true
		l.logger.Warn("rate limit store unavailable, denying request", "error", err)
	}
	return res, err
}
