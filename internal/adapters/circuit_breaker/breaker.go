package circuit_breaker

import (
	"log/slog"
	"sync"
	"time"
)

// Config tunes one breaker. Zero values fall back to the package defaults.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	HalfOpenRequests int
	RetryInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 1
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	return c
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

type Metrics struct {
	State               State
	Allowed             int64
	Rejected            int64
	ConsecutiveFailures int64
	LastStateChange     time.Time
}

// Breaker guards one upstream. Closed admits everything and trips open after
// FailureThreshold consecutive failures; open rejects until RetryInterval
// has passed, then half-open admits up to HalfOpenRequests probes. A probe
// failure reopens, SuccessThreshold consecutive probe successes close.
type Breaker struct {
	name   string
	config Config
	logger *slog.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int64
	consecutiveSuccess  int64
	halfOpenInFlight    int
	nextRetry           time.Time
	lastStateChange     time.Time
	allowed             int64
	rejected            int64
}

func New(name string, config Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:            name,
		config:          config.withDefaults(),
		logger:          logger.With("component", "circuit-breaker", "name", name),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a request may proceed now. The caller must report
// the outcome through RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Now().After(b.nextRetry) {
		b.setState(StateHalfOpen)
	}

	switch b.state {
	case StateClosed:
		b.allowed++
		return true
	case StateHalfOpen:
		if b.halfOpenInFlight < b.config.HalfOpenRequests {
			b.halfOpenInFlight++
			b.allowed++
			return true
		}
		b.rejected++
		return false
	default:
		b.rejected++
		return false
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccess++

	if b.state == StateHalfOpen {
		b.halfOpenInFlight--
		if b.consecutiveSuccess >= int64(b.config.SuccessThreshold) {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccess = 0
	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= int64(b.config.FailureThreshold) {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.halfOpenInFlight--
		b.setState(StateOpen)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		State:               b.state,
		Allowed:             b.allowed,
		Rejected:            b.rejected,
		ConsecutiveFailures: b.consecutiveFailures,
		LastStateChange:     b.lastStateChange,
	}
}

// setState runs under b.mu.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	b.logger.Info("circuit breaker state change",
		"from", b.state.String(),
		"to", next.String(),
		"consecutive_failures", b.consecutiveFailures,
	)
	b.state = next
	b.lastStateChange = time.Now()

	switch next {
	case StateOpen:
		b.nextRetry = time.Now().Add(b.config.RetryInterval)
		b.halfOpenInFlight = 0
		b.consecutiveSuccess = 0
	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.consecutiveSuccess = 0
	case StateClosed:
		b.nextRetry = time.Time{}
		b.consecutiveFailures = 0
	}
}
