package delivery

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 10 * time.Minute
	maxBackoffShift    = 62
)

// Backoff returns the delay before the next attempt of an event that has
// already failed retryCount times.
type Backoff func(retryCount int) time.Duration

// ExponentialBackoff doubles base per retry, caps at maxDelay (if positive) and
// applies equal jitter, so the delay lands in [d/2, d).
func ExponentialBackoff(base, maxDelay time.Duration) Backoff {
	return func(retryCount int) time.Duration {
		delay := exponential(base, retryCount)
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}

		return equalJitter(delay)
	}
}

// ConstantBackoff always waits delay.
func ConstantBackoff(delay time.Duration) Backoff {
	return func(int) time.Duration {
		return delay
	}
}

func exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

func equalJitter(delay time.Duration) time.Duration {
	if delay <= 1 {
		return delay
	}

	half := delay / 2

	return half + time.Duration(rand.Int64N(int64(delay-half))) // #nosec G404 -- jitter only
}
