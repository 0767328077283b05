package retry

import (
	"context"
	"errors"
	"time"
)

// Step is one scheduled attempt.
type Step struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	At      time.Time     `json:"at"`
}

// Schedule lays out every attempt of policy starting at now.
func Schedule(policy Policy, seed string, now time.Time) []Step {
	attempts := max(policy.MaxAttempts, 1)
	steps := make([]Step, attempts)
	at := now
	for i := range attempts {
		d := Backoff(policy, seed, i)
		at = at.Add(d)
		steps[i] = Step{Attempt: i, Delay: d, At: at}
	}
	return steps
}

// Permanent marks an error that must not be retried.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Do calls fn until it succeeds, returns a *Permanent error, or the policy
// runs out of attempts. The last error is returned unwrapped from Permanent.
func Do(ctx context.Context, policy Policy, seed string, sleep Sleeper, fn func(ctx context.Context, attempt int) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	var err error
	for _, step := range Schedule(policy, seed, time.Time{}) {
		if werr := sleep(ctx, step.Delay); werr != nil {
			if err != nil {
				return errors.Join(err, werr)
			}
			return werr
		}
		err = fn(ctx, step.Attempt)
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
	}
	return err
}
