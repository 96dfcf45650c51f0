// Package resilience implements the circuit breaker that the runtime's two
// external clients, llm.Client and queue.BackendClient, wrap around their
// own outbound calls, so that a sustained run of failures against either one
// stops adding load to an already-struggling dependency instead of retrying
// it forever.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apexrun/agentruntime/apexerr"
	"github.com/apexrun/agentruntime/logging"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures a CircuitBreaker. Threshold consecutive failures trip
// the breaker from Closed to Open; after Timeout elapses it moves to
// HalfOpen and allows up to HalfOpenRequests trial calls through before
// deciding whether to close again or reopen.
type Config struct {
	Enabled          bool
	Threshold        int
	Timeout          time.Duration
	HalfOpenRequests int
}

// DefaultConfig returns a breaker config matching the teacher's
// DefaultCircuitBreakerParams: enabled, five consecutive failures, a 30s
// sleep window, three half-open trial requests.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Threshold:        5,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// CircuitBreaker gates calls to an external dependency behind the standard
// closed/open/half-open state machine.
type CircuitBreaker struct {
	name   string
	config Config
	logger logging.Logger

	mu               sync.Mutex
	state            State
	consecutiveFail  int
	openedAt         time.Time
	halfOpenInFlight int
	halfOpenSuccess  int
	halfOpenFailure  int
}

// New builds a CircuitBreaker identified by name (used only for logging and
// metrics). A zero-value logger is replaced with a no-op.
func New(name string, config Config, logger logging.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultConfig().Threshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = DefaultConfig().HalfOpenRequests
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		logger: logger.Bind(map[string]interface{}{"component": "circuit_breaker", "breaker": name}),
	}
}

// Execute runs fn if the breaker allows it, recording the outcome against
// the breaker's state machine. When the breaker is open it returns
// apexerr.ErrCircuitOpen without calling fn. Disabled breakers always call
// fn directly.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.config.Enabled {
		return fn()
	}
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.openedAt) < cb.config.Timeout {
			return apexerr.New(cb.name, apexerr.KindTransientIO, apexerr.ErrCircuitOpen)
		}
		cb.state = StateHalfOpen
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
		cb.halfOpenFailure = 0
		cb.logger.Info("circuit half-open, admitting trial requests")
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenRequests {
			return apexerr.New(cb.name, apexerr.KindTransientIO, apexerr.ErrCircuitOpen)
		}
		cb.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := isBreakerFailure(err)

	switch cb.state {
	case StateClosed:
		if failed {
			cb.consecutiveFail++
			if cb.consecutiveFail >= cb.config.Threshold {
				cb.trip()
			}
		} else {
			cb.consecutiveFail = 0
		}
	case StateHalfOpen:
		cb.halfOpenInFlight--
		if failed {
			cb.halfOpenFailure++
			cb.trip()
			return
		}
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.config.HalfOpenRequests {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.logger.Info("circuit closed after successful half-open trial")
		}
	}
}

// trip moves the breaker to Open and records when it opened. Caller must
// hold cb.mu.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.consecutiveFail = 0
	cb.logger.Warn("circuit opened", map[string]interface{}{"sleep_window": cb.config.Timeout.String()})
}

// isBreakerFailure reports whether err should count against the breaker.
// Configuration and not-found errors are caller/request mistakes, not
// dependency health signals, so they don't count; everything else
// (transient I/O, rate limits, 5xx-shaped provider errors) does.
func isBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apexErr *apexerr.Error
	if errors.As(err, &apexErr) {
		switch apexErr.Kind {
		case apexerr.KindConfiguration, apexerr.KindNotFound:
			return false
		}
	}
	return true
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot suitable for logging or a status endpoint.
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":              cb.name,
		"state":             string(cb.state),
		"consecutive_fails": cb.consecutiveFail,
		"half_open_success": cb.halfOpenSuccess,
		"half_open_failure": cb.halfOpenFailure,
	}
}

// Reset forces the breaker back to Closed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccess = 0
	cb.halfOpenFailure = 0
}
