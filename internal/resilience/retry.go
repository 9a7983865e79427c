package resilience

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/mqilab/beamline/internal/mqierr"
)

type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Policy retries an operation with bounded attempts and a per-class circuit
// breaker consulted once per Do call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Strategy    Strategy
	Breakers    *BreakerRegistry

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPolicy(maxAttempts int, base, max time.Duration, strategy Strategy, breakers *BreakerRegistry) *Policy {
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    max,
		Strategy:    strategy,
		Breakers:    breakers,
		sleep:       sleepCtx,
	}
}

// Do runs fn up to MaxAttempts times, retrying only errors classified
// retryable. Fatal errors propagate immediately. The breaker for class is
// consulted before the first attempt and receives exactly one outcome for the
// whole invocation.
func (p *Policy) Do(ctx context.Context, class string, fn func(ctx context.Context) error) error {
	var breaker *Breaker
	if p.Breakers != nil {
		breaker = p.Breakers.Get(class)
		if err := breaker.Allow(); err != nil {
			return err
		}
	}

	err := p.attempt(ctx, class, fn)
	if breaker != nil {
		switch {
		case err == nil:
			breaker.RecordSuccess()
		case mqierr.IsValidation(err):
			// Bad input is no verdict on the remote, but a half-open trial
			// slot must not stay claimed forever.
			breaker.CancelTrial()
		default:
			breaker.RecordFailure()
		}
	}
	return err
}

func (p *Policy) attempt(ctx context.Context, class string, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 1; i <= p.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !mqierr.IsRetryable(lastErr) {
			return lastErr
		}
		if i == p.MaxAttempts {
			break
		}

		delay := p.delay(i)
		log.WithFields(log.Fields{
			"class":   class,
			"attempt": i,
			"delay":   delay,
		}).Warnf("Operation failed, retrying: %v", lastErr)
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// delay returns how long to wait after the attempt-th failure.
func (p *Policy) delay(attempt int) time.Duration {
	switch p.Strategy {
	case StrategyFixed:
		return p.BaseDelay
	case StrategyLinear:
		d := time.Duration(attempt) * p.BaseDelay
		if d > p.MaxDelay {
			return p.MaxDelay
		}
		return d
	default:
		b := &backoff.Backoff{
			Min:    p.BaseDelay,
			Max:    p.MaxDelay,
			Factor: 2,
			Jitter: true,
		}
		return b.ForAttempt(float64(attempt - 1))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
