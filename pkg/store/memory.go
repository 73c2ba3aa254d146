package store

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the in-memory fallback
const DefaultMaxEntries = 10000

type memoryEntry struct {
	key       string
	value     string
	items     []string
	isList    bool
	expiresAt time.Time
}

// MemoryStore implements Store for single-instance or degraded operation.
// Entries live in an LRU list so that inserting past the bound evicts the
// least recently used key in O(1).
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List
	items      map[string]*list.Element
	now        func() time.Time
	evictions  int64
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMaxEntries sets the maximum number of keys kept in memory
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithClock replaces the time source used for expiry
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		maxEntries: DefaultMaxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key)
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(key) != nil {
		return false, nil
	}
	s.set(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.increment(key, ttl)
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl(key), nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delete(keys...)
	return nil
}

func (s *MemoryStore) Push(ctx context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(key, values...)
}

func (s *MemoryStore) Trim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trim(key, start, stop)
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(key, ttl)
	return nil
}

func (s *MemoryStore) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lrange(key, start, stop)
}

// Pipeline returns a batch that runs under a single lock acquisition
func (s *MemoryStore) Pipeline() Pipeline {
	return &memoryPipeline{store: s}
}

// PurgeExpired removes every expired key and returns how many were removed
func (s *MemoryStore) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for e := s.ll.Back(); e != nil; {
		prev := e.Prev()
		entry := e.Value.(*memoryEntry)
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			s.removeElement(e)
			removed++
		}
		e = prev
	}
	return removed
}

// Len returns the number of live keys
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// Evictions returns how many keys were dropped to respect the size bound
func (s *MemoryStore) Evictions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

// lookup returns the live entry for key, dropping it if expired. Callers hold mu.
func (s *MemoryStore) lookup(key string) *memoryEntry {
	e, ok := s.items[key]
	if !ok {
		return nil
	}
	entry := e.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.removeElement(e)
		return nil
	}
	s.ll.MoveToFront(e)
	return entry
}

func (s *MemoryStore) insert(entry *memoryEntry) {
	if e, ok := s.items[entry.key]; ok {
		s.removeElement(e)
	}
	s.items[entry.key] = s.ll.PushFront(entry)

	for s.ll.Len() > s.maxEntries {
		oldest := s.ll.Back()
		if oldest == nil {
			break
		}
		s.removeElement(oldest)
		s.evictions++
	}
}

func (s *MemoryStore) removeElement(e *list.Element) {
	s.ll.Remove(e)
	delete(s.items, e.Value.(*memoryEntry).key)
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) get(key string) (string, bool, error) {
	entry := s.lookup(key)
	if entry == nil {
		return "", false, nil
	}
	if entry.isList {
		return "", false, ErrWrongType
	}
	return entry.value, true, nil
}

func (s *MemoryStore) set(key, value string, ttl time.Duration) {
	s.insert(&memoryEntry{key: key, value: value, expiresAt: s.expiry(ttl)})
}

func (s *MemoryStore) increment(key string, ttl time.Duration) (int64, error) {
	entry := s.lookup(key)
	if entry == nil {
		s.insert(&memoryEntry{key: key, value: "1", expiresAt: s.expiry(ttl)})
		return 1, nil
	}
	if entry.isList {
		return 0, ErrWrongType
	}
	n, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	n++
	entry.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *MemoryStore) ttl(key string) time.Duration {
	entry := s.lookup(key)
	if entry == nil || entry.expiresAt.IsZero() {
		return 0
	}
	return entry.expiresAt.Sub(s.now())
}

func (s *MemoryStore) delete(keys ...string) {
	for _, key := range keys {
		if e, ok := s.items[key]; ok {
			s.removeElement(e)
		}
	}
}

func (s *MemoryStore) push(key string, values ...string) error {
	entry := s.lookup(key)
	if entry == nil {
		entry = &memoryEntry{key: key, isList: true}
		s.insert(entry)
	} else if !entry.isList {
		return ErrWrongType
	}
	for _, v := range values {
		entry.items = append([]string{v}, entry.items...)
	}
	return nil
}

func (s *MemoryStore) trim(key string, start, stop int64) error {
	entry := s.lookup(key)
	if entry == nil {
		return nil
	}
	if !entry.isList {
		return ErrWrongType
	}
	lo, hi, ok := listBounds(len(entry.items), start, stop)
	if !ok {
		s.delete(key)
		return nil
	}
	entry.items = append([]string(nil), entry.items[lo:hi]...)
	return nil
}

func (s *MemoryStore) expire(key string, ttl time.Duration) {
	if entry := s.lookup(key); entry != nil {
		entry.expiresAt = s.expiry(ttl)
	}
}

func (s *MemoryStore) lrange(key string, start, stop int64) ([]string, error) {
	entry := s.lookup(key)
	if entry == nil {
		return []string{}, nil
	}
	if !entry.isList {
		return nil, ErrWrongType
	}
	lo, hi, ok := listBounds(len(entry.items), start, stop)
	if !ok {
		return []string{}, nil
	}
	return append([]string(nil), entry.items[lo:hi]...), nil
}

// listBounds converts Redis-style inclusive indexes (negative counts from the end)
// to a half-open slice range.
func listBounds(n int, start, stop int64) (int, int, bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop) + 1, true
}

type memoryPipeline struct {
	store *MemoryStore
	ops   []func() Result
}

func (p *memoryPipeline) Get(key string) {
	p.ops = append(p.ops, func() Result {
		v, ok, err := p.store.get(key)
		if err != nil {
			return Result{Err: err}
		}
		if !ok {
			return Result{}
		}
		return Result{Val: v}
	})
}

func (p *memoryPipeline) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func() Result {
		p.store.set(key, value, ttl)
		return Result{Val: "OK"}
	})
}

func (p *memoryPipeline) Increment(key string, ttl time.Duration) {
	p.ops = append(p.ops, func() Result {
		n, err := p.store.increment(key, ttl)
		return Result{Val: n, Err: err}
	})
}

func (p *memoryPipeline) TTL(key string) {
	p.ops = append(p.ops, func() Result {
		return Result{Val: p.store.ttl(key)}
	})
}

func (p *memoryPipeline) Delete(keys ...string) {
	p.ops = append(p.ops, func() Result {
		p.store.delete(keys...)
		return Result{Val: int64(len(keys))}
	})
}

func (p *memoryPipeline) Push(key string, values ...string) {
	p.ops = append(p.ops, func() Result {
		return Result{Err: p.store.push(key, values...)}
	})
}

func (p *memoryPipeline) Trim(key string, start, stop int64) {
	p.ops = append(p.ops, func() Result {
		return Result{Err: p.store.trim(key, start, stop)}
	})
}

func (p *memoryPipeline) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func() Result {
		p.store.expire(key, ttl)
		return Result{}
	})
}

func (p *memoryPipeline) Range(key string, start, stop int64) {
	p.ops = append(p.ops, func() Result {
		items, err := p.store.lrange(key, start, stop)
		return Result{Val: items, Err: err}
	})
}

func (p *memoryPipeline) Exec(ctx context.Context) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	results := make([]Result, len(p.ops))
	var firstErr error
	for i, op := range p.ops {
		results[i] = op()
		if results[i].Err != nil && firstErr == nil {
			firstErr = results[i].Err
		}
	}
	p.ops = nil
	return results, firstErr
}
