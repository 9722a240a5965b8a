package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Outcome classifies a single attempt.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeRetry
	OutcomeFatal
)

// Attempt is the result of one try of a retried operation.
type Attempt struct {
	Err     error
	Wait    time.Duration
	Outcome Outcome
	// RateLimited retries do not consume the timeout budget.
	RateLimited bool
}

// Done is a successful attempt.
func Done() Attempt { return Attempt{Outcome: OutcomeDone} }

// Retry asks for another attempt after wait.
func Retry(err error, wait time.Duration) Attempt {
	return Attempt{Outcome: OutcomeRetry, Err: err, Wait: wait}
}

// RetryRateLimited asks for another attempt after wait without spending the timeout budget.
func RetryRateLimited(err error, wait time.Duration) Attempt {
	return Attempt{Outcome: OutcomeRetry, Err: err, Wait: wait, RateLimited: true}
}

// Fatal stops retrying.
func Fatal(err error) Attempt {
	return Attempt{Outcome: OutcomeFatal, Err: err}
}

// RetryPolicy bounds how often an operation is attempted.
type RetryPolicy struct {
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep       func(ctx context.Context, d time.Duration) error
	MaxAttempts int
	// MaxRateLimited caps consecutive rate-limited retries; zero means 4*MaxAttempts.
	MaxRateLimited int
}

// DefaultRetryPolicy allows three attempts per batch.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3}
}

// RateLimitWait is the pause after an HTTP 429 on the given zero-based attempt.
func RateLimitWait(attempt int) time.Duration {
	if attempt >= 4 {
		return 60 * time.Second
	}
	wait := time.Duration(1<<attempt) * 5 * time.Second
	return min(wait, 60*time.Second)
}

// TimeoutWait is the exponential backoff after a timeout on the given zero-based attempt.
func TimeoutWait(attempt int) time.Duration {
	return time.Duration(1<<min(attempt, 6)) * time.Second
}

// Do runs fn until it is done, fatal, or the attempt budget is spent.
// fn receives the zero-based index of the try, which drives backoff growth.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(try int) Attempt) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	maxRateLimited := p.MaxRateLimited
	if maxRateLimited <= 0 {
		maxRateLimited = 4 * maxAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	attempt, rateLimited := 0, 0
	var lastErr error
	for attempt < maxAttempts {
		res := fn(attempt + rateLimited)
		switch res.Outcome {
		case OutcomeDone:
			return nil
		case OutcomeFatal:
			var fatal *FatalError
			if errors.As(res.Err, &fatal) {
				return res.Err
			}
			return &FatalError{Op: op, Err: res.Err}
		}

		lastErr = res.Err
		if res.RateLimited {
			rateLimited++
			if rateLimited > maxRateLimited {
				break
			}
			log.Warn().Str("op", op).Dur("wait", res.Wait).Msg("Rate limited, waiting")
		} else {
			attempt++
			if attempt >= maxAttempts {
				return &TransientError{Op: op, Attempts: attempt, Err: res.Err}
			}
			log.Warn().Err(res.Err).Str("op", op).Int("attempt", attempt).Int("max", maxAttempts).Msg("Request timed out, retrying")
		}

		if err := sleep(ctx, res.Wait); err != nil {
			return err
		}
	}

	return &TransientError{Op: op, Attempts: attempt + rateLimited, Err: errors.Join(ErrRetriesExhausted, lastErr)}
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
