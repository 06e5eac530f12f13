// Package breaker implements the Circuit Breaker (C3): one
// sony/gobreaker-backed three-state machine per executor, reshaped to the
// orchestration core's exact model (consecutive-failure trip, fixed reset
// timeout, explicit half-open success threshold) with a stale-value cache
// layered on top as a decorator, since gobreaker itself has no cache
// concept.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/relaycore/actioncore/pkg/classifier"
	"github.com/relaycore/actioncore/pkg/types"
)

// Config configures one executor's breaker.
type Config struct {
	FailureThreshold uint32        `yaml:"failureThreshold"`
	FailureWindow    time.Duration `yaml:"failureWindow"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
	SuccessThreshold uint32        `yaml:"successThreshold"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	CacheFallback    bool          `yaml:"cacheFallback"`
	FallbackMaxAge   time.Duration `yaml:"fallbackMaxAge"`
}

// DefaultConfig returns the breaker's out-of-the-box settings: trip after 5
// consecutive failures inside a 1-minute window, stay open 30s, require 2
// consecutive half-open successes to close, and serve a cached value up to
// 10 minutes stale while open.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    1 * time.Minute,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
		RequestTimeout:   15 * time.Second,
		CacheFallback:    true,
		FallbackMaxAge:   10 * time.Minute,
	}
}

type cacheEntry struct {
	value    interface{}
	cachedAt time.Time
}

type executorBreaker struct {
	cb     *gobreaker.CircuitBreaker
	config Config

	mu    sync.Mutex
	cache *cacheEntry
}

// Manager lazily creates and owns one executorBreaker per executor name.
type Manager struct {
	mu            sync.Mutex
	breakers      map[string]*executorBreaker
	defaultConfig Config
	overrides     map[string]Config
	onStateChange func(executor string, from, to types.CircuitState)
}

// NewManager builds a Manager. onStateChange, if non-nil, is invoked on
// every state transition of any executor's breaker, for the metrics
// collector and health report to observe.
func NewManager(defaultConfig Config, onStateChange func(executor string, from, to types.CircuitState)) *Manager {
	return &Manager{
		breakers:      make(map[string]*executorBreaker),
		defaultConfig: defaultConfig,
		overrides:     make(map[string]Config),
		onStateChange: onStateChange,
	}
}

// Configure sets a per-executor override config, applied the next time that
// executor's breaker is lazily created. It has no effect on an
// already-created breaker.
func (m *Manager) Configure(executor string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[executor] = cfg
}

func (m *Manager) getOrCreate(executor string) *executorBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eb, ok := m.breakers[executor]; ok {
		return eb
	}

	cfg := m.defaultConfig
	if override, ok := m.overrides[executor]; ok {
		cfg = override
	}

	eb := &executorBreaker{config: cfg}
	settings := gobreaker.Settings{
		Name:        executor,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, mapState(from), mapState(to))
			}
		},
	}
	eb.cb = gobreaker.NewCircuitBreaker(settings)

	m.breakers[executor] = eb
	return eb
}

func mapState(s gobreaker.State) types.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return types.CircuitOpen
	case gobreaker.StateHalfOpen:
		return types.CircuitHalfOpen
	default:
		return types.CircuitClosed
	}
}

// Result carries an Execute call's outcome plus whether it was served from
// the stale-value cache.
type Result struct {
	Value     interface{}
	FromCache bool
}

// Execute runs fn through the named executor's breaker. When the breaker is
// open and a usable cached value exists (CacheFallback enabled, cache
// younger than FallbackMaxAge), that cached value is returned with
// FromCache=true instead of an error. Only a success observed while the
// breaker was Closed refreshes the cache; a Half-Open success does not,
// since it hasn't yet proven the executor is durably healthy.
func (m *Manager) Execute(ctx context.Context, executor string, fn func(ctx context.Context) (interface{}, error)) (Result, error) {
	eb := m.getOrCreate(executor)

	stateBefore := mapState(eb.cb.State())

	runCtx := ctx
	var cancel context.CancelFunc
	if eb.config.RequestTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, eb.config.RequestTimeout)
		defer cancel()
	}

	value, err := eb.cb.Execute(func() (interface{}, error) {
		return fn(runCtx)
	})

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			if cached, ok := eb.freshCache(); ok {
				return Result{Value: cached, FromCache: true}, nil
			}
			return Result{}, &classifier.ClassifiedError{Kind: types.ErrorKindCircuitOpen, Err: err}
		}
		return Result{}, err
	}

	if stateBefore == types.CircuitClosed {
		eb.setCache(value)
	}

	return Result{Value: value}, nil
}

func (eb *executorBreaker) freshCache() (interface{}, bool) {
	if !eb.config.CacheFallback {
		return nil, false
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.cache == nil {
		return nil, false
	}
	if eb.config.FallbackMaxAge > 0 && time.Since(eb.cache.cachedAt) > eb.config.FallbackMaxAge {
		return nil, false
	}
	return eb.cache.value, true
}

func (eb *executorBreaker) setCache(value interface{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.cache = &cacheEntry{value: value, cachedAt: time.Now()}
}

// State returns the named executor's current circuit state, lazily creating
// its breaker (in Closed state) if it does not exist yet.
func (m *Manager) State(executor string) types.CircuitState {
	return mapState(m.getOrCreate(executor).cb.State())
}

// HealthReport returns the current state of every executor whose breaker has
// been created so far.
func (m *Manager) HealthReport() map[string]types.CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := make(map[string]types.CircuitState, len(m.breakers))
	for name, eb := range m.breakers {
		report[name] = mapState(eb.cb.State())
	}
	return report
}

// Execute2 is a generic convenience wrapper around Manager.Execute for
// callers that know their result type statically.
func Execute2[T any](ctx context.Context, m *Manager, executor string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	result, err := m.Execute(ctx, executor, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, false, err
	}
	typed, ok := result.Value.(T)
	if !ok {
		return zero, false, nil
	}
	return typed, result.FromCache, nil
}
