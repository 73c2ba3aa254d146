package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWrongType is returned when a command is applied to a key holding another kind of value
var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

// Store is the shared state used to coordinate counters, block keys, circuit
// state and attempt logs across process instances.
type Store interface {
	// Get returns the value stored at key. Missing keys report ok=false with a nil error.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value with the given TTL. A zero TTL stores the key without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key does not exist and reports whether it was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Increment atomically adds one to the counter at key. The TTL is applied only
	// when the increment creates the key; later increments keep the remaining TTL.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key, or zero when the key is missing or never expires.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, keys ...string) error

	// List primitives. Push prepends, so index 0 is the newest entry.
	Push(ctx context.Context, key string, values ...string) error
	Trim(ctx context.Context, key string, start, stop int64) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Pipeline queues commands that are executed atomically by Exec.
	Pipeline() Pipeline

	Ping(ctx context.Context) error
	// Name identifies the backend ("redis" or "memory")
	Name() string
}

// Pipeline batches commands. Exec returns one Result per queued command, in order.
type Pipeline interface {
	Get(key string)
	Set(key, value string, ttl time.Duration)
	Increment(key string, ttl time.Duration)
	TTL(key string)
	Delete(keys ...string)
	Push(key string, values ...string)
	Trim(key string, start, stop int64)
	Expire(key string, ttl time.Duration)
	Range(key string, start, stop int64)
	Exec(ctx context.Context) ([]Result, error)
}

// Result is the outcome of a single pipelined command
type Result struct {
	Val interface{}
	Err error
}

// Int returns the result as an integer
func (r Result) Int() (int64, error) {
	if r.Err != nil {
		return 0, r.Err
	}
	switch v := r.Val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected result type %T", r.Val)
	}
}

// Str returns the result as a string. ok is false when the key was missing.
func (r Result) Str() (string, bool, error) {
	if r.Err != nil {
		return "", false, r.Err
	}
	switch v := r.Val.(type) {
	case string:
		return v, true, nil
	case nil:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("unexpected result type %T", r.Val)
	}
}

// Strings returns the result of a Range command
func (r Result) Strings() ([]string, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	switch v := r.Val.(type) {
	case []string:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected result type %T", r.Val)
	}
}

// Duration returns the result of a TTL command
func (r Result) Duration() (time.Duration, error) {
	if r.Err != nil {
		return 0, r.Err
	}
	if d, ok := r.Val.(time.Duration); ok {
		return d, nil
	}
	return 0, fmt.Errorf("unexpected result type %T", r.Val)
}
