// Package ratelimiter implements the sliding-window admission gate shared
// by the Startup and Call rate-limit scopes.
package ratelimiter

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/quorum-ai/orchestrator/core"
)

// Config holds the per-key admission parameters for one scope.
type Config struct {
	MaxRequests int
	TimeWindow  time.Duration
}

// DefaultStartupConfig is the default Startup-scope admission policy,
// keyed by BackendClass, used when a caller does not supply RateLimits.
func DefaultStartupConfig() Config {
	return Config{MaxRequests: 7, TimeWindow: 60 * time.Second}
}

// Limiter is a sliding-window rate limiter keyed by an arbitrary string
// (a BackendClass for the Startup scope, a provider credential for the
// Call scope). Each key owns an independent deque of admission timestamps
// protected by its own mutex, which is never held across a wait.
type Limiter struct {
	mu      sync.Mutex
	keys    map[string]*keyState
	configs map[string]Config
	def     Config

	logger    core.Logger
	telemetry core.Telemetry
	scope     string
}

type keyState struct {
	mu         sync.Mutex
	timestamps *list.List // front = oldest
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used for admission/wait diagnostics.
func WithLogger(logger core.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTelemetry stores a core.Telemetry on the Limiter. The
// ratelimiter.wait_ms histogram is emitted through
// core.GetGlobalMetricsRegistry(), not through this value.
func WithTelemetry(telemetry core.Telemetry) Option {
	return func(l *Limiter) {
		if telemetry != nil {
			l.telemetry = telemetry
		}
	}
}

// WithScope labels the limiter's metrics/log records ("startup" or "call").
func WithScope(scope string) Option {
	return func(l *Limiter) {
		l.scope = scope
	}
}

// WithKeyConfig overrides the admission policy for a specific key.
func WithKeyConfig(key string, cfg Config) Option {
	return func(l *Limiter) {
		l.configs[key] = cfg
	}
}

// New creates a Limiter. def is the policy used for keys without an
// explicit WithKeyConfig override.
func New(def Config, opts ...Option) *Limiter {
	l := &Limiter{
		keys:    make(map[string]*keyState),
		configs: make(map[string]Config),
		def:     def,

		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		scope:     "default",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) configFor(key string) Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg, ok := l.configs[key]; ok {
		return cfg
	}
	return l.def
}

func (l *Limiter) stateFor(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks, ok := l.keys[key]
	if !ok {
		ks = &keyState{timestamps: list.New()}
		l.keys[key] = ks
	}
	return ks
}

// Acquire attempts an immediate admission for key at time now. If the
// window already holds max_requests timestamps, it returns granted=false
// and the duration to wait before the oldest timestamp expires; no
// timestamp is recorded on a denial.
func (l *Limiter) Acquire(key string, now time.Time) (granted bool, wait time.Duration) {
	cfg := l.configFor(key)
	if cfg.MaxRequests <= 0 {
		return true, 0
	}

	ks := l.stateFor(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	cutoff := now.Add(-cfg.TimeWindow)
	for e := ks.timestamps.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			ks.timestamps.Remove(e)
		}
		e = next
	}

	if ks.timestamps.Len() < cfg.MaxRequests {
		ks.timestamps.PushBack(now)
		return true, 0
	}

	oldest := ks.timestamps.Front().Value.(time.Time)
	wait = oldest.Add(cfg.TimeWindow).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return false, wait
}

// AwaitSlot blocks until Acquire would grant for key, or ctx is cancelled
// first. A cancelled wait leaves no timestamp behind: admission is only
// recorded by the successful Acquire call inside the loop.
func (l *Limiter) AwaitSlot(ctx context.Context, key string) error {
	for {
		granted, wait := l.Acquire(key, time.Now())
		if granted {
			return nil
		}

		if registry := core.GetGlobalMetricsRegistry(); registry != nil {
			registry.Histogram("ratelimiter.wait_ms", float64(wait.Milliseconds()), "scope", l.scope, "key", key)
		}
		l.logger.Debug("rate limit wait", map[string]interface{}{
			"scope": l.scope, "key": key, "wait_ms": wait.Milliseconds(),
		})

		timer := time.NewTimer(wait + time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
