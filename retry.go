package txcoord

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds how often and how quickly a failed step is
// re-attempted. The zero value is not useful; use DefaultRetryPolicy
// as a starting point.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay seeds the backoff schedule.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// Jitter is the fraction of the computed delay added or removed at
	// random, e.g. 0.1 for ±10%. Zero disables jitter.
	Jitter float64

	// Backoff computes the delay before each retry. Nil selects
	// ExponentialBackoff with factor 2.
	Backoff BackoffStrategy
}

// DefaultRetryPolicy returns the recommended default: three attempts
// with exponential backoff and ±10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      0.1,
	}
}

// BackoffStrategy computes the delay applied before a retry attempt.
// attempt is 1-based: the delay before the second try is Delay(1, base).
type BackoffStrategy interface {
	Delay(attempt int, base time.Duration) time.Duration
}

// ExponentialBackoff grows the delay as base * Factor^(attempt-1).
type ExponentialBackoff struct {
	Factor float64
}

// Delay implements the BackoffStrategy interface.
func (b ExponentialBackoff) Delay(attempt int, base time.Duration) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 2.0
	}
	return time.Duration(float64(base) * math.Pow(factor, float64(attempt-1)))
}

// LinearBackoff grows the delay by a fixed increment per attempt.
type LinearBackoff struct {
	Increment time.Duration
}

// Delay implements the BackoffStrategy interface.
func (b LinearBackoff) Delay(attempt int, base time.Duration) time.Duration {
	return base + time.Duration(attempt-1)*b.Increment
}

// FixedBackoff always waits the base delay.
type FixedBackoff struct{}

// Delay implements the BackoffStrategy interface.
func (FixedBackoff) Delay(_ int, base time.Duration) time.Duration {
	return base
}

// Decision is the retry controller's answer for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the Decision that ends retrying.
var GiveUp = Decision{}

// RetryController decides whether a failed step should be re-attempted
// and with what delay. Only transient failures are ever retried here;
// conflicts take the re-read path and permanent failures propagate
// immediately.
type RetryController struct {
	policy     RetryPolicy
	classifier Classifier
}

// NewRetryController creates a controller for the given policy. A nil
// classifier selects DefaultClassifier.
func NewRetryController(policy RetryPolicy, classifier Classifier) *RetryController {
	if classifier == nil {
		classifier = DefaultClassifier{}
	}
	return &RetryController{policy: policy, classifier: classifier}
}

// Policy returns the controller's policy.
func (c *RetryController) Policy() RetryPolicy {
	return c.policy
}

// ShouldRetry classifies err and returns the decision for the attempt
// that just failed. attempt is 1-based.
func (c *RetryController) ShouldRetry(err error, attempt int) Decision {
	if attempt >= c.policy.MaxAttempts {
		return GiveUp
	}
	if c.classifier.Classify(err) != KindTransient {
		return GiveUp
	}
	return Decision{Retry: true, Delay: c.delay(attempt)}
}

// Wait blocks for the given delay, returning early if ctx is done.
func (c *RetryController) Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *RetryController) delay(attempt int) time.Duration {
	backoff := c.policy.Backoff
	if backoff == nil {
		backoff = ExponentialBackoff{}
	}

	delay := backoff.Delay(attempt, c.policy.BaseDelay)
	if c.policy.MaxDelay > 0 && delay > c.policy.MaxDelay {
		delay = c.policy.MaxDelay
	}

	if c.policy.Jitter > 0 && delay > 0 {
		span := time.Duration(float64(delay) * c.policy.Jitter)
		if span > 0 {
			delay += time.Duration(rand.Int63n(2*int64(span))) - span
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
