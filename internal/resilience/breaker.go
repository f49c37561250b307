package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/askpage/askpage/internal/engine"
	"github.com/askpage/askpage/internal/telemetry"
)

// State is a circuit breaker state.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig holds per-breaker thresholds.
type BreakerConfig struct {
	// FailMax is the failure count at which the breaker opens.
	FailMax int
	// Timeout is how long the breaker stays open before allowing one trial.
	Timeout time.Duration
}

// Breaker is a named circuit breaker. While closed it counts failures; at
// FailMax it opens and rejects calls immediately until Timeout has elapsed,
// then admits exactly one trial call to decide the next state.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	clock  engine.Clock
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trialing bool
}

// NewBreaker constructs a closed Breaker.
func NewBreaker(name string, cfg BreakerConfig, clock engine.Clock, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		state:  StateClosed,
	}
}

// State returns the current state, accounting for an elapsed open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.cfg.Timeout {
		return StateHalfOpen
	}
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Do runs fn through the breaker. While open it returns a
// ServiceUnavailableError without invoking fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.clock.Now().Sub(b.openedAt)
		if elapsed < b.cfg.Timeout {
			return &engine.ServiceUnavailableError{
				Dependency: b.name,
				RetryAfter: b.cfg.Timeout - elapsed,
			}
		}
		b.transition(StateHalfOpen)
		b.trialing = true
		return nil
	case StateHalfOpen:
		if b.trialing {
			// A trial call is already in flight; only one is allowed.
			return &engine.ServiceUnavailableError{
				Dependency: b.name,
				RetryAfter: b.cfg.Timeout,
			}
		}
		b.trialing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialing = false
		if err == nil {
			b.failures = 0
			b.transition(StateClosed)
			return
		}
		b.openedAt = b.clock.Now()
		b.transition(StateOpen)
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailMax {
		b.openedAt = b.clock.Now()
		b.transition(StateOpen)
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.logger.Warn("circuit breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", string(b.state)),
		zap.String("to", string(next)),
		zap.Int("failures", b.failures),
	)
	b.state = next
	telemetry.ObserveBreakerTransition(b.name, string(next))
}

// Registry holds named breakers with independent thresholds.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]BreakerConfig
	fallback BreakerConfig
	clock    engine.Clock
	logger   *zap.Logger
}

// NewRegistry builds a Registry. Dependencies without an explicit config use
// the fallback thresholds.
func NewRegistry(
	configs map[string]BreakerConfig,
	fallback BreakerConfig,
	clock engine.Clock,
	logger *zap.Logger,
) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		configs:  configs,
		fallback: fallback,
		clock:    clock,
		logger:   logger,
	}
}

// Get returns the breaker for a dependency name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.configs[name]
	if !ok {
		cfg = r.fallback
	}
	b := NewBreaker(name, cfg, r.clock, r.logger)
	r.breakers[name] = b
	return b
}

// Do runs fn through the named breaker.
func (r *Registry) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Do(ctx, fn)
}
