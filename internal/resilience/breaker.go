// Package resilience wraps fallible operations with bounded retries and a
// failure-rate circuit breaker. Every call that talks to the remote cluster
// goes through a Policy.
package resilience

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mqilab/beamline/internal/mqierr"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSettings configures one circuit breaker.
type BreakerSettings struct {
	// FailureThreshold failures within Window open the breaker.
	FailureThreshold int
	Window           time.Duration
	// Cooldown is how long an open breaker rejects calls before allowing a
	// half-open trial.
	Cooldown time.Duration
}

// Breaker is a circuit breaker for one remote-operation class. It sees exactly
// one outcome per outer Policy invocation, regardless of how many inner retry
// attempts that invocation made.
type Breaker struct {
	class    string
	settings BreakerSettings
	now      func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	trialInFlight bool
}

func NewBreaker(class string, settings BreakerSettings) *Breaker {
	return &Breaker{
		class:    class,
		settings: settings,
		now:      time.Now,
		state:    BreakerClosed,
	}
}

// Allow reports whether a call may proceed. While open it returns a
// CircuitBreakerOpenError until the cooldown elapses; then exactly one trial
// call is let through half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.settings.Cooldown {
			return &mqierr.CircuitBreakerOpenError{
				Class:      b.class,
				RetryAfter: b.settings.Cooldown - elapsed,
			}
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		log.WithField("class", b.class).Info("Circuit breaker half-open, allowing trial call")
		return nil
	default: // half-open
		if b.trialInFlight {
			return &mqierr.CircuitBreakerOpenError{Class: b.class, RetryAfter: 0}
		}
		b.trialInFlight = true
		return nil
	}
}

// RecordSuccess reports a successful outer invocation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		log.WithField("class", b.class).Info("Circuit breaker closed after successful trial")
	}
	b.state = BreakerClosed
	b.failures = 0
	b.trialInFlight = false
}

// CancelTrial releases a half-open trial slot without judging the remote
// either way. Used when the trial ended on an input problem rather than an
// operation outcome; the next Allow admits a fresh trial.
func (b *Breaker) CancelTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.trialInFlight = false
	}
}

// RecordFailure reports a failed outer invocation.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = now
		b.trialInFlight = false
		log.WithField("class", b.class).Warn("Circuit breaker re-opened after failed trial")
		return
	}

	if b.failures == 0 || now.Sub(b.windowStart) > b.settings.Window {
		b.failures = 0
		b.windowStart = now
	}
	b.failures++

	if b.failures >= b.settings.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = now
		log.WithFields(log.Fields{
			"class":    b.class,
			"failures": b.failures,
		}).Warn("Circuit breaker opened")
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerRegistry hands out one breaker per operation class, process-wide.
type BreakerRegistry struct {
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewBreakerRegistry(settings BreakerSettings) *BreakerRegistry {
	return &BreakerRegistry{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for class, creating it on first use.
func (r *BreakerRegistry) Get(class string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[class]; ok {
		return b
	}
	b := NewBreaker(class, r.settings)
	r.breakers[class] = b
	return b
}
