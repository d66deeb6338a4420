package invoker

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// CircuitState is the health state of one agent's circuit.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures
	// before the circuit opens.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before letting a
	// test call through.
	Cooldown time.Duration
	// HalfOpenMax caps test calls while half-open.
	HalfOpenMax int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// circuit tracks failure state for a single agent.
type circuit struct {
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// Breaker wraps an AgentInvoker with a per-agent circuit breaker. A burst
// of transient failures against one agent backend opens its circuit, so
// retries stop hammering a provider that is already down; fatal errors
// (bad request, auth) pass through without tripping anything. Rejections
// carry the CIRCUIT_OPEN code, which the retry classifier treats as
// retryable — the backoff may outlast the cooldown.
type Breaker struct {
	next AgentInvoker
	cfg  BreakerConfig

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreaker wraps next with a circuit breaker. Zero config fields get
// defaults.
func NewBreaker(next AgentInvoker, cfg BreakerConfig) *Breaker {
	return &Breaker{
		next:     next,
		cfg:      cfg.withDefaults(),
		circuits: make(map[string]*circuit),
	}
}

// Invoke checks the agent's circuit, delegates, and records the outcome.
func (b *Breaker) Invoke(ctx context.Context, inv Invocation) (*Completion, error) {
	if err := b.allow(inv.AgentID); err != nil {
		return nil, err
	}

	completion, err := b.next.Invoke(ctx, inv)
	if err != nil {
		b.record(inv.AgentID, err)
		return nil, err
	}

	b.reset(inv.AgentID)
	return completion, nil
}

// State returns the current circuit state for an agent, applying the
// open-to-half-open transition when the cooldown has elapsed.
func (b *Breaker) State(agentID string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(agentID)
	if c.state == CircuitOpen && time.Since(c.lastFailure) >= b.cfg.Cooldown {
		c.state = CircuitHalfOpen
		c.halfOpenAttempts = 0
	}
	return c.state
}

func (b *Breaker) allow(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(agentID)
	switch c.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(c.lastFailure) >= b.cfg.Cooldown {
			c.state = CircuitHalfOpen
			c.halfOpenAttempts = 1 // this call is the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"agent %q circuit open after %d consecutive failures", agentID, c.failures).
			WithDetails(map[string]any{
				"agent_id":           agentID,
				"failures":           c.failures,
				"state":              c.state.String(),
				"cooldown_remaining": (b.cfg.Cooldown - time.Since(c.lastFailure)).String(),
			})

	case CircuitHalfOpen:
		if c.halfOpenAttempts >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"agent %q circuit half-open, probe already in flight", agentID)
		}
		c.halfOpenAttempts++
	}
	return nil
}

// record counts a failed call. Only transient failures trip the circuit:
// a 4xx or auth error says nothing about backend health.
func (b *Breaker) record(agentID string, err error) {
	engErr := schema.AsEngineError(err, schema.ErrCodeFatal)
	if !engErr.Retryable() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(agentID)
	c.failures++
	c.lastFailure = time.Now()

	// Any failure while half-open reopens immediately.
	if c.state == CircuitHalfOpen || c.failures >= b.cfg.FailureThreshold {
		c.state = CircuitOpen
	}
}

func (b *Breaker) reset(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(agentID)
	c.failures = 0
	c.halfOpenAttempts = 0
	c.state = CircuitClosed
}

// circuit returns the agent's circuit, creating it closed. Callers hold
// b.mu.
func (b *Breaker) circuit(agentID string) *circuit {
	c, ok := b.circuits[agentID]
	if !ok {
		c = &circuit{state: CircuitClosed}
		b.circuits[agentID] = c
	}
	return c
}

var _ AgentInvoker = (*Breaker)(nil)
