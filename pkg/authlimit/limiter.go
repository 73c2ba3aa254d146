package authlimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"resilience/pkg/metrics"
	"resilience/pkg/store"
)

// Result is the decision for one authentication attempt
type Result struct {
	Allowed   bool  `json:"allowed"`
	Remaining int   `json:"remaining"`
	ResetTime int64 `json:"resetTime"`
	Blocked   bool  `json:"blocked"`
	// BlockExpiry is set only while Blocked, in epoch milliseconds
	BlockExpiry *int64 `json:"blockExpiry,omitempty"`
}

// Status is a read-only view of an identity's quota
type Status struct {
	Operation   Operation `json:"operation"`
	Identifier  string    `json:"identifier"`
	Count       int64     `json:"count"`
	Remaining   int       `json:"remaining"`
	ResetTime   int64     `json:"resetTime"`
	Blocked     bool      `json:"blocked"`
	BlockExpiry *int64    `json:"blockExpiry,omitempty"`
}

// Limiter enforces per-operation quotas with a block period once a quota is
// exceeded. The block check and the increment are separate store round trips,
// so concurrent attempts can overshoot the quota by a request or two before the
// block key lands.
type Limiter struct {
	store   store.Store
	configs map[Operation]Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Collector
}

type Option func(*Limiter)

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

// WithConfigs replaces the quota for the given operations
func WithConfigs(configs map[Operation]Config) Option {
	return func(l *Limiter) {
		for op, cfg := range configs {
			l.configs[op] = cfg
		}
	}
}

// NewLimiter creates an auth limiter. A nil store disables limiting.
func NewLimiter(st store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:   st,
		configs: DefaultConfigs(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "authlimit")

	if st == nil {
		l.logger.Warn("auth rate limiting disabled: no shared state store configured")
	}
	return l
}

// Config returns the quota applied to op. Unknown operations use GENERAL.
func (l *Limiter) Config(op Operation) Config {
	if cfg, ok := l.configs[op]; ok {
		return cfg
	}
	return l.configs[General]
}

// CheckRateLimit counts one attempt for (op, identifier). Store failures allow
// the attempt.
func (l *Limiter) CheckRateLimit(ctx context.Context, op Operation, identifier string) Result {
	cfg := l.Config(op)
	now := l.now()

	if l.store == nil {
		return l.allowAll(cfg, now)
	}

	bKey := blockKey(op, identifier)
	if expiry, blocked, err := l.activeBlock(ctx, bKey, now); err != nil {
		return l.failOpen(op, cfg, now, "block check failed", err)
	} else if blocked {
		l.metrics.RecordAuthDecision(string(op), "blocked")
		return Result{
			Allowed:     false,
			Remaining:   0,
			ResetTime:   expiry,
			Blocked:     true,
			BlockExpiry: &expiry,
		}
	}

	cKey := counterKey(op, identifier)
	pipe := l.store.Pipeline()
	pipe.Increment(cKey, cfg.Window)
	pipe.TTL(cKey)
	results, err := pipe.Exec(ctx)
	if err != nil {
		return l.failOpen(op, cfg, now, "increment failed", err)
	}
	count, err := results[0].Int()
	if err != nil {
		return l.failOpen(op, cfg, now, "increment failed", err)
	}
	ttl, err := results[1].Duration()
	if err != nil || ttl <= 0 {
		ttl = cfg.Window
	}

	if count > int64(cfg.Requests) {
		expiry := now.Add(cfg.BlockDuration).UnixMilli()
		if err := l.store.Set(ctx, bKey, strconv.FormatInt(expiry, 10), cfg.BlockDuration); err != nil {
			l.logger.Warn("failed to set block key", "operation", op, "error", err)
			l.metrics.RecordStoreError("authlimit")
		}

		l.logger.Info("auth quota exceeded, blocking identifier",
			"operation", op,
			"identifier", identifier,
			"count", count,
			"block_expiry", expiry,
		)
		l.metrics.RecordAuthDecision(string(op), "limited")
		return Result{
			Allowed:     false,
			Remaining:   0,
			ResetTime:   expiry,
			Blocked:     true,
			BlockExpiry: &expiry,
		}
	}

	l.metrics.RecordAuthDecision(string(op), "allowed")
	return Result{
		Allowed:   true,
		Remaining: max(0, cfg.Requests-int(count)),
		ResetTime: now.Add(ttl).UnixMilli(),
	}
}

// activeBlock reports the block expiry if the block is still in force. A block
// whose stored expiry has passed is deleted.
func (l *Limiter) activeBlock(ctx context.Context, key string, now time.Time) (int64, bool, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}

	expiry, err := strconv.ParseInt(raw, 10, 64)
	if err == nil && expiry > now.UnixMilli() {
		return expiry, true, nil
	}

	if err := l.store.Delete(ctx, key); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}

// ResetRateLimit clears the counter and any block for (op, identifier)
func (l *Limiter) ResetRateLimit(ctx context.Context, op Operation, identifier string) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.Delete(ctx, counterKey(op, identifier), blockKey(op, identifier)); err != nil {
		l.logger.Warn("failed to reset auth rate limit", "operation", op, "error", err)
		return err
	}
	l.logger.Info("auth rate limit reset", "operation", op, "identifier", identifier)
	return nil
}

// GetStatus reads the current quota state without counting an attempt
func (l *Limiter) GetStatus(ctx context.Context, op Operation, identifier string) (Status, error) {
	cfg := l.Config(op)
	now := l.now()
	status := Status{
		Operation:  op,
		Identifier: identifier,
		Remaining:  cfg.Requests,
		ResetTime:  now.Add(cfg.Window).UnixMilli(),
	}
	if l.store == nil {
		return status, nil
	}

	cKey := counterKey(op, identifier)
	pipe := l.store.Pipeline()
	pipe.Get(cKey)
	pipe.TTL(cKey)
	pipe.Get(blockKey(op, identifier))
	results, err := pipe.Exec(ctx)
	if err != nil {
		return status, err
	}

	if raw, ok, _ := results[0].Str(); ok {
		if count, err := strconv.ParseInt(raw, 10, 64); err == nil {
			status.Count = count
			status.Remaining = max(0, cfg.Requests-int(count))
		}
	}
	if ttl, err := results[1].Duration(); err == nil && ttl > 0 {
		status.ResetTime = now.Add(ttl).UnixMilli()
	}
	if raw, ok, _ := results[2].Str(); ok {
		if expiry, err := strconv.ParseInt(raw, 10, 64); err == nil && expiry > now.UnixMilli() {
			status.Blocked = true
			status.BlockExpiry = &expiry
			status.Remaining = 0
		}
	}
	return status, nil
}

func (l *Limiter) allowAll(cfg Config, now time.Time) Result {
	return Result{
		Allowed:   true,
		Remaining: cfg.Requests,
		ResetTime: now.Add(cfg.Window).UnixMilli(),
	}
}

func (l *Limiter) failOpen(op Operation, cfg Config, now time.Time, msg string, err error) Result {
	l.logger.Warn("auth rate limit "+msg+", allowing attempt", "operation", op, "error", err)
	l.metrics.RecordStoreError("authlimit")
	l.metrics.RecordAuthDecision(string(op), "error")
	return l.allowAll(cfg, now)
}
