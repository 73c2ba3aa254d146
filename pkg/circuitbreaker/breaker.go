package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"resilience/pkg/metrics"
	"resilience/pkg/store"
)

var (
	// ErrCircuitOpen is returned without invoking the operation
	ErrCircuitOpen = errors.New("circuit breaker is open: service unavailable")
	// ErrTimeout wraps operations that exceeded Config.Timeout
	ErrTimeout = errors.New("circuit breaker operation timed out")
)

// DefaultStateTTL bounds how long persisted breaker state outlives the last write
const DefaultStateTTL = 24 * time.Hour

// Operation is a call to a guarded dependency. It must honour ctx cancellation.
type Operation func(ctx context.Context) (interface{}, error)

// Metrics are the persisted counters of a breaker. Timestamps are epoch ms, zero when unset.
type Metrics struct {
	Failures    int64 `json:"failures"`
	Successes   int64 `json:"successes"`
	LastFailure int64 `json:"lastFailure,omitempty"`
	LastSuccess int64 `json:"lastSuccess,omitempty"`
	OpenedAt    int64 `json:"openedAt,omitempty"`
}

// ExecutionResult is the outcome of Execute
type ExecutionResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Err     error       `json:"-"`
	State   State       `json:"state"`
	Metrics Metrics     `json:"metrics"`
}

// Status is the operational view of a breaker
type Status struct {
	Name     string  `json:"name"`
	State    State   `json:"state"`
	Metrics  Metrics `json:"metrics"`
	CanRetry bool    `json:"canRetry"`
	// NextRetryAt is when an open circuit admits a probe, epoch ms
	NextRetryAt int64  `json:"nextRetryAt,omitempty"`
	Config      Config `json:"config"`
}

// Breaker guards one dependency. All state lives in the shared store, so every
// instance using the same name sees the same circuit.
type Breaker struct {
	name     string
	config   Config
	store    store.Store
	stateTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Collector
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(b *Breaker) { b.metrics = m }
}

func WithStateTTL(ttl time.Duration) Option {
	return func(b *Breaker) {
		if ttl > 0 {
			b.stateTTL = ttl
		}
	}
}

// New creates a breaker for the named dependency
func New(name string, st store.Store, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		config:   cfg.withDefaults(),
		store:    st,
		stateTTL: DefaultStateTTL,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("circuit", name)
	return b
}

func (b *Breaker) Name() string   { return b.name }
func (b *Breaker) Config() Config { return b.config }

func (b *Breaker) key(field string) string {
	return "circuit_breaker:" + b.name + ":" + field
}

// Execute runs op unless the circuit is open. An open circuit whose recovery
// timeout has elapsed moves to HALF_OPEN and admits a single probe; concurrent
// callers are rejected until the probe settles.
func (b *Breaker) Execute(ctx context.Context, op Operation) ExecutionResult {
	state := b.GetState(ctx)

	if state == StateOpen {
		if m := b.GetMetrics(ctx); !b.recovered(m) {
			return b.reject(StateOpen, m)
		}
	}

	if state != StateClosed {
		token, acquired := b.acquireProbe(ctx)
		if !acquired {
			return b.reject(state, b.GetMetrics(ctx))
		}
		defer b.releaseProbe(ctx, token)

		// Another instance may have probed and reopened since the first read
		state = b.GetState(ctx)
		if state == StateOpen {
			m := b.GetMetrics(ctx)
			if !b.recovered(m) {
				return b.reject(StateOpen, m)
			}
			state = StateHalfOpen
			b.setState(ctx, StateHalfOpen)
			b.logger.Info("circuit half-open, admitting probe")
		}
	}

	data, err := b.invoke(ctx, op)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrTimeout) {
			// Caller went away; not the dependency's fault
			return ExecutionResult{Err: err, State: state, Metrics: b.GetMetrics(ctx)}
		}
		newState := b.onFailure(ctx, state, err)
		return ExecutionResult{Err: err, State: newState, Metrics: b.GetMetrics(ctx)}
	}

	newState := b.onSuccess(ctx, state)
	return ExecutionResult{Success: true, Data: data, State: newState, Metrics: b.GetMetrics(ctx)}
}

// Call runs fn through the breaker and returns its typed result
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	res := b.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})

	var zero T
	if res.Err != nil {
		return zero, res.Err
	}
	v, ok := res.Data.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}

// invoke runs op under a deadline. When the deadline wins the context is
// cancelled so the operation can abort.
func (b *Breaker) invoke(ctx context.Context, op Operation) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	type outcome struct {
		data interface{}
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		data, err := op(callCtx)
		done <- outcome{data: data, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, b.config.Timeout, o.err)
		}
		return o.data, o.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, b.config.Timeout)
	}
}

func (b *Breaker) recovered(m Metrics) bool {
	return b.now().UnixMilli()-m.OpenedAt >= b.config.RecoveryTimeout.Milliseconds()
}

func (b *Breaker) reject(state State, m Metrics) ExecutionResult {
	b.metrics.RecordBreakerCall(b.name, "rejected")
	return ExecutionResult{Err: ErrCircuitOpen, State: state, Metrics: m}
}

func (b *Breaker) onSuccess(ctx context.Context, state State) State {
	b.metrics.RecordBreakerCall(b.name, "success")

	pipe := b.store.Pipeline()
	pipe.Increment(b.key("successes"), b.stateTTL)
	pipe.Set(b.key("lastSuccess"), strconv.FormatInt(b.now().UnixMilli(), 10), b.stateTTL)
	results, err := pipe.Exec(ctx)
	if err != nil {
		b.storeError("record success", err)
		return state
	}

	successes, _ := results[0].Int()
	if state == StateHalfOpen && successes >= int64(b.config.SuccessThreshold) {
		if err := b.close(ctx); err != nil {
			b.storeError("close circuit", err)
			return state
		}
		b.logger.Info("circuit closed after successful probes", "successes", successes)
		return StateClosed
	}
	return state
}

func (b *Breaker) onFailure(ctx context.Context, state State, cause error) State {
	if errors.Is(cause, ErrTimeout) {
		b.metrics.RecordBreakerCall(b.name, "timeout")
	} else {
		b.metrics.RecordBreakerCall(b.name, "failure")
	}

	pipe := b.store.Pipeline()
	pipe.Increment(b.key("failures"), b.config.MonitoringWindow)
	pipe.Set(b.key("lastFailure"), strconv.FormatInt(b.now().UnixMilli(), 10), b.stateTTL)
	results, err := pipe.Exec(ctx)
	if err != nil {
		b.storeError("record failure", err)
		return state
	}

	failures, _ := results[0].Int()
	if state == StateClosed && failures >= int64(b.config.FailureThreshold) {
		// A slow call can finish after the circuit already tripped; reopening
		// would push openedAt forward and drop probe successes
		if current := b.GetState(ctx); current != StateClosed {
			return current
		}
	}
	if state == StateHalfOpen || failures >= int64(b.config.FailureThreshold) {
		if err := b.open(ctx); err != nil {
			b.storeError("open circuit", err)
			return state
		}
		b.logger.Warn("circuit opened",
			"failures", failures,
			"previous_state", state,
			"error", cause,
		)
		return StateOpen
	}
	return state
}

// open records openedAt and clears the success count so that only probe
// successes count toward closing
func (b *Breaker) open(ctx context.Context) error {
	pipe := b.store.Pipeline()
	pipe.Set(b.key("state"), string(StateOpen), b.stateTTL)
	pipe.Set(b.key("openedAt"), strconv.FormatInt(b.now().UnixMilli(), 10), b.stateTTL)
	pipe.Delete(b.key("successes"))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	b.metrics.SetBreakerState(b.name, StateOpen.gaugeValue())
	return nil
}

func (b *Breaker) close(ctx context.Context) error {
	pipe := b.store.Pipeline()
	pipe.Set(b.key("state"), string(StateClosed), b.stateTTL)
	pipe.Delete(b.key("failures"), b.key("successes"), b.key("openedAt"))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	b.metrics.SetBreakerState(b.name, StateClosed.gaugeValue())
	return nil
}

func (b *Breaker) setState(ctx context.Context, state State) {
	if err := b.store.Set(ctx, b.key("state"), string(state), b.stateTTL); err != nil {
		b.storeError("write state", err)
		return
	}
	b.metrics.SetBreakerState(b.name, state.gaugeValue())
}

func (b *Breaker) acquireProbe(ctx context.Context) (string, bool) {
	token := uuid.NewString()
	ok, err := b.store.SetNX(ctx, b.key("probe"), token, b.config.Timeout+time.Second)
	if err != nil {
		// Without the store every instance probes; that is the fail-open posture
		b.storeError("acquire probe", err)
		return "", true
	}
	return token, ok
}

func (b *Breaker) releaseProbe(ctx context.Context, token string) {
	if token == "" {
		return
	}
	held, ok, err := b.store.Get(ctx, b.key("probe"))
	if err != nil || !ok || held != token {
		return
	}
	if err := b.store.Delete(ctx, b.key("probe")); err != nil {
		b.storeError("release probe", err)
	}
}

func (b *Breaker) storeError(action string, err error) {
	b.logger.Warn("circuit breaker store error", "action", action, "error", err)
	b.metrics.RecordStoreError("circuitbreaker")
}

// GetState reads the persisted state. A missing key or a read failure reports CLOSED.
func (b *Breaker) GetState(ctx context.Context) State {
	raw, ok, err := b.store.Get(ctx, b.key("state"))
	if err != nil {
		b.storeError("read state", err)
		return StateClosed
	}
	if !ok {
		return StateClosed
	}
	state, valid := parseState(raw)
	if !valid {
		b.logger.Warn("ignoring unknown circuit state", "state", raw)
		return StateClosed
	}
	return state
}

// GetMetrics reads the persisted counters. Unreadable values are reported as zero.
func (b *Breaker) GetMetrics(ctx context.Context) Metrics {
	pipe := b.store.Pipeline()
	for _, field := range []string{"failures", "successes", "lastFailure", "lastSuccess", "openedAt"} {
		pipe.Get(b.key(field))
	}
	results, err := pipe.Exec(ctx)
	if err != nil {
		b.storeError("read metrics", err)
	}
	if len(results) != 5 {
		return Metrics{}
	}

	values := make([]int64, len(results))
	for i, r := range results {
		raw, ok, err := r.Str()
		if err != nil || !ok {
			continue
		}
		values[i], _ = strconv.ParseInt(raw, 10, 64)
	}
	return Metrics{
		Failures:    values[0],
		Successes:   values[1],
		LastFailure: values[2],
		LastSuccess: values[3],
		OpenedAt:    values[4],
	}
}

// GetStatus reports the state, counters and whether a call would be attempted now
func (b *Breaker) GetStatus(ctx context.Context) Status {
	state := b.GetState(ctx)
	m := b.GetMetrics(ctx)

	status := Status{
		Name:     b.name,
		State:    state,
		Metrics:  m,
		CanRetry: true,
		Config:   b.config,
	}
	if state == StateOpen {
		next := m.OpenedAt + b.config.RecoveryTimeout.Milliseconds()
		status.NextRetryAt = next
		status.CanRetry = b.now().UnixMilli() >= next
	}
	if status.CanRetry && state != StateClosed {
		if _, held, err := b.store.Get(ctx, b.key("probe")); err == nil && held {
			status.CanRetry = false
		}
	}
	return status
}

// ForceOpen opens the circuit immediately
func (b *Breaker) ForceOpen(ctx context.Context) error {
	if err := b.open(ctx); err != nil {
		return fmt.Errorf("failed to open circuit %s: %w", b.name, err)
	}
	b.logger.Warn("circuit forced open")
	return nil
}

// ForceClose closes the circuit and clears its counters
func (b *Breaker) ForceClose(ctx context.Context) error {
	if err := b.close(ctx); err != nil {
		return fmt.Errorf("failed to close circuit %s: %w", b.name, err)
	}
	b.logger.Warn("circuit forced closed")
	return nil
}

// Reset removes all persisted state for the breaker
func (b *Breaker) Reset(ctx context.Context) error {
	keys := make([]string, 0, 7)
	for _, field := range []string{"state", "failures", "successes", "lastFailure", "lastSuccess", "openedAt", "probe"} {
		keys = append(keys, b.key(field))
	}
	if err := b.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to reset circuit %s: %w", b.name, err)
	}
	b.metrics.SetBreakerState(b.name, StateClosed.gaugeValue())
	b.logger.Info("circuit reset")
	return nil
}
