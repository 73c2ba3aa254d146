package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"

	"resilience/pkg/store"
)

// ServiceHealth is the per-breaker line of a HealthSummary
type ServiceHealth struct {
	State     State `json:"state"`
	Failures  int64 `json:"failures"`
	Successes int64 `json:"successes"`
}

// HealthSummary aggregates every registered breaker
type HealthSummary struct {
	Total    int                      `json:"total"`
	Healthy  int                      `json:"healthy"`
	Open     int                      `json:"open"`
	HalfOpen int                      `json:"halfOpen"`
	Services map[string]ServiceHealth `json:"services"`
}

// Manager is the registry of breakers for a process. It is built once at
// startup and passed to the components that need it.
type Manager struct {
	mu       sync.RWMutex
	store    store.Store
	opts     []Option
	presets  map[string]Config
	breakers map[string]*Breaker
}

// NewManager creates an empty registry. opts are applied to every breaker it creates.
func NewManager(st store.Store, opts ...Option) *Manager {
	return &Manager{
		store:    st,
		opts:     opts,
		presets:  Presets(),
		breakers: make(map[string]*Breaker),
	}
}

// Register creates a breaker for name, replacing any existing one
func (m *Manager) Register(name string, cfg Config) *Breaker {
	b := New(name, m.store, cfg, m.opts...)

	m.mu.Lock()
	m.breakers[name] = b
	m.mu.Unlock()
	return b
}

func (m *Manager) Get(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// GetOrCreate returns the named breaker, creating it from its preset or the
// default config on first use
func (m *Manager) GetOrCreate(name string) *Breaker {
	if b, ok := m.Get(name); ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}

	cfg, ok := m.presets[name]
	if !ok {
		cfg = DefaultConfig()
	}
	b := New(name, m.store, cfg, m.opts...)
	m.breakers[name] = b
	return b
}

// Names returns the registered breaker names, sorted
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

// snapshot copies the registry so store calls happen outside the lock
func (m *Manager) snapshot() []*Breaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	sort.Slice(breakers, func(i, j int) bool { return breakers[i].name < breakers[j].name })
	return breakers
}

func (m *Manager) GetAllStatus(ctx context.Context) map[string]Status {
	statuses := make(map[string]Status)
	for _, b := range m.snapshot() {
		statuses[b.name] = b.GetStatus(ctx)
	}
	return statuses
}

func (m *Manager) GetHealthSummary(ctx context.Context) HealthSummary {
	summary := HealthSummary{Services: make(map[string]ServiceHealth)}

	for _, b := range m.snapshot() {
		status := b.GetStatus(ctx)
		summary.Total++
		switch status.State {
		case StateOpen:
			summary.Open++
		case StateHalfOpen:
			summary.HalfOpen++
		default:
			summary.Healthy++
		}
		summary.Services[b.name] = ServiceHealth{
			State:     status.State,
			Failures:  status.Metrics.Failures,
			Successes: status.Metrics.Successes,
		}
	}
	return summary
}

// EmergencyOpenAll forces every registered breaker open
func (m *Manager) EmergencyOpenAll(ctx context.Context) error {
	var errs []error
	for _, b := range m.snapshot() {
		if err := b.ForceOpen(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EmergencyResetAll clears the state of every registered breaker
func (m *Manager) EmergencyResetAll(ctx context.Context) error {
	var errs []error
	for _, b := range m.snapshot() {
		if err := b.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
