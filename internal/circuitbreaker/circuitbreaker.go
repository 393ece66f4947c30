// Package circuitbreaker keeps one breaker per provider so a vendor that keeps
// failing is skipped instead of holding every comparison until its timeout.
//
// Breakers are closed (calls pass), open (calls are refused) or half-open
// (calls pass and decide whether the breaker closes again). The in-memory
// breaker serves a single process; the Redis breaker shares state between
// instances and workers.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-duel/internal/domain"
)

type CircuitBreaker interface {
	// Allow returns domain.ErrCircuitBreakerOpen while the breaker is open.
	// The returned State reflects any open to half-open transition.
	Allow(ctx context.Context) (State, error)
	RecordSuccess(ctx context.Context) State
	RecordFailure(ctx context.Context) State
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	// Timeout is how long an open breaker waits before letting a trial request through.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type InMemoryCircuitBreaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	now         func() time.Time
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) (State, error) {
	cb.mu.RLock()
	state := cb.state
	lastFailure := cb.lastFailure
	cb.mu.RUnlock()

	if state != StateOpen {
		return state, nil
	}

	if cb.now().Sub(lastFailure) < cb.config.Timeout {
		return StateOpen, domain.ErrCircuitBreakerOpen
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.state = StateHalfOpen
		cb.successes = 0
	}
	return cb.state, nil
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
	return cb.state
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
	return cb.state
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *InMemoryCircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Listener is told about every state change a Manager observes.
type Listener func(provider string, from, to State)

// Manager owns the breakers of all providers and reports transitions.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]CircuitBreaker
	known     map[string]State
	config    Config
	factory   func(providerID string) CircuitBreaker
	listeners []Listener
}

type ManagerOption func(*Manager)

// WithFactory replaces the breaker constructor, e.g. with NewRedisWithClient.
func WithFactory(factory func(providerID string, cfg Config) CircuitBreaker) ManagerOption {
	return func(m *Manager) {
		m.factory = func(providerID string) CircuitBreaker {
			return factory(providerID, m.config)
		}
	}
}

func WithListener(l Listener) ManagerOption {
	return func(m *Manager) {
		m.listeners = append(m.listeners, l)
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		known:    make(map[string]State),
		config:   cfg,
		factory: func(providerID string) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Get returns the breaker for a provider, creating it on first use.
func (m *Manager) Get(providerID string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[providerID]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[providerID]; ok {
		return existing
	}

	cb = m.factory(providerID)
	m.breakers[providerID] = cb
	m.known[providerID] = StateClosed
	return cb
}

func (m *Manager) Allow(ctx context.Context, providerID string) error {
	state, err := m.Get(providerID).Allow(ctx)
	m.observe(providerID, state)
	return err
}

// Record feeds the outcome of a vendor call to the provider's breaker.
func (m *Manager) Record(ctx context.Context, providerID string, success bool) {
	cb := m.Get(providerID)

	var state State
	if success {
		state = cb.RecordSuccess(ctx)
	} else {
		state = cb.RecordFailure(ctx)
	}
	m.observe(providerID, state)
}

func (m *Manager) observe(providerID string, state State) {
	m.mu.Lock()
	prev, ok := m.known[providerID]
	m.known[providerID] = state
	listeners := m.listeners
	m.mu.Unlock()

	if !ok || prev == state {
		return
	}
	for _, l := range listeners {
		l(providerID, prev, state)
	}
}

// States returns the state of every breaker created so far.
func (m *Manager) States(ctx context.Context) map[string]string {
	m.mu.RLock()
	breakers := make(map[string]CircuitBreaker, len(m.breakers))
	for id, cb := range m.breakers {
		breakers[id] = cb
	}
	m.mu.RUnlock()

	states := make(map[string]string, len(breakers))
	for id, cb := range breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}
