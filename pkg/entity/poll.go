package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Readiness polling defaults.
const (
	DefaultPeriod       = 5 * time.Second
	DefaultInitialDelay = 2 * time.Second
	DefaultAttempts     = 10
)

// ReadinessPolicy bounds a polling wait: an initial delay, then up to
// Attempts evaluations with a fixed Period between consecutive ones.
type ReadinessPolicy struct {
	// Period is the sleep between consecutive evaluations.
	Period time.Duration `json:"period" yaml:"period"`

	// InitialDelay is the sleep before the first evaluation.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initialDelay"`

	// Attempts is the maximum number of evaluations.
	Attempts int `json:"attempts" yaml:"attempts"`
}

// DefaultReadinessPolicy returns the engine-wide polling defaults.
func DefaultReadinessPolicy() ReadinessPolicy {
	return ReadinessPolicy{
		Period:       DefaultPeriod,
		InitialDelay: DefaultInitialDelay,
		Attempts:     DefaultAttempts,
	}
}

// IsZero reports whether no field was set explicitly.
func (p ReadinessPolicy) IsZero() bool {
	return p.Period == 0 && p.InitialDelay == 0 && p.Attempts == 0
}

// Normalize fills unset fields with the defaults. A negative
// InitialDelay normalizes to zero.
func (p ReadinessPolicy) Normalize() ReadinessPolicy {
	if p.Period <= 0 {
		p.Period = DefaultPeriod
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	} else if p.InitialDelay == 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	return p
}

// Budget returns the worst-case wall-clock duration of a wait under
// this policy.
func (p ReadinessPolicy) Budget() time.Duration {
	n := p.Normalize()
	return n.InitialDelay + time.Duration(n.Attempts)*n.Period
}

// Condition is a readiness predicate. It must be read-only and must
// report transient read failures as not ready (false, nil) or as a
// non-terminal error; only a KindTerminal error aborts the wait early.
type Condition func(ctx context.Context) (bool, error)

// AwaitCondition polls cond under the policy until it reports ready.
//
// The wait sleeps InitialDelay once, then evaluates cond up to Attempts
// times with a Period sleep between consecutive evaluations, so an
// always-false condition consumes InitialDelay + (Attempts-1)*Period of
// wall-clock time before the KindTimeout error is returned. A terminal
// error from cond aborts immediately and is surfaced as-is, distinct
// from timeout. All sleeping is real timer sleeping and is cut short by
// context cancellation.
func AwaitCondition(ctx context.Context, cond Condition, policy ReadinessPolicy) error {
	p := policy.Normalize()
	log := zerolog.Ctx(ctx)

	if err := sleep(ctx, p.InitialDelay); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Period); err != nil {
				return err
			}
		}

		ready, err := cond(ctx)
		if err != nil {
			if IsTerminal(err) {
				return err
			}
			// Transient read failure: counts as not ready.
			log.Debug().Err(err).Int("attempt", attempt).Msg("Readiness evaluation failed")
			lastErr = err
			continue
		}
		if ready {
			return nil
		}
	}

	return NewTimeout(
		fmt.Sprintf("condition not met after %d attempts", p.Attempts),
		lastErr,
	).WithCode(CodeTimeout)
}

// sleep blocks for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
