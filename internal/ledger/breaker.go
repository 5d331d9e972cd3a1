package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/complement/internal/config"
)

// BreakerState is the state of a ledger endpoint's circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets trial calls through after the cool-down.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// errBreakerOpen is returned by Allow while the endpoint is cooling down.
var errBreakerOpen = errors.New("ledger endpoint circuit breaker is open")

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// Breaker guards a single ledger base URL. It trips on consecutive failures
// or on the error rate inside a tumbling window, and reports every state
// change to onChange. It is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	endpoint string
	cfg      config.CircuitBreakerConfig
	onChange func(endpoint string, state BreakerState)

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker creates a closed breaker for endpoint. Zero thresholds fall back
// to 5 failures, 2 successes and a 30s cool-down. onChange may be nil.
func NewBreaker(endpoint string, cfg config.CircuitBreakerConfig, onChange func(string, BreakerState)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Breaker{
		endpoint:    endpoint,
		cfg:         cfg,
		onChange:    onChange,
		state:       BreakerClosed,
		windowStart: time.Now(),
	}
}

// Allow returns nil when a call may proceed and errBreakerOpen otherwise.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) <= b.cfg.Timeout {
			return errBreakerOpen
		}
		b.successes = 0
		b.setState(BreakerHalfOpen)
	}
	return nil
}

// RecordSuccess records a call that reached the ledger and got an answer that
// is not a server error.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.recordWindowCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.resetWindow()
			b.setState(BreakerClosed)
		}
	}
}

// RecordFailure records a transport error or a 5xx answer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.recordWindowCall(true)
		if b.failures >= b.cfg.FailureThreshold || b.errorRateExceeded() {
			b.openedAt = time.Now()
			b.resetWindow()
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.openedAt = time.Now()
		b.successes = 0
		b.setState(BreakerOpen)
	}
}

// State returns the current state, moving Open to HalfOpen once the cool-down
// has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.openedAt) > b.cfg.Timeout {
		b.successes = 0
		b.setState(BreakerHalfOpen)
	}
	return b.state
}

// ErrorRate returns the failure ratio and call count of the current window.
func (b *Breaker) ErrorRate() (rate float64, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWindow()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowTotal), b.windowTotal
}

// setState must be called with the lock held.
func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(b.endpoint, s)
	}
}

func (b *Breaker) recordWindowCall(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	b.maybeResetWindow()
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) maybeResetWindow() {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if time.Since(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = time.Now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) errorRateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.cfg.ErrorRateThreshold
}

// Breakers lazily creates one Breaker per ledger base URL. The resolver and
// the client share one set so probes and calls trip the same breaker.
type Breakers struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	onChange func(string, BreakerState)
	byBase   map[string]*Breaker
}

// NewBreakers creates an empty set. onChange may be nil.
func NewBreakers(cfg config.CircuitBreakerConfig, onChange func(string, BreakerState)) *Breakers {
	return &Breakers{cfg: cfg, onChange: onChange, byBase: make(map[string]*Breaker)}
}

// For returns the breaker guarding base.
func (s *Breakers) For(base string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byBase[base]
	if !ok {
		b = NewBreaker(base, s.cfg, s.onChange)
		s.byBase[base] = b
	}
	return b
}
