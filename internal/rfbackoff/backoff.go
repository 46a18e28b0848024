// Package rfbackoff holds the single exponential-backoff schedule every
// reconnecting component in this bridge uses, so CometD (spec.md §4.D) and
// the Sink Manager (§4.G, "same backoff schedule as 4.D") stay identical.
package rfbackoff

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// New builds the shared schedule: base 1s, factor 2, cap 30s, ±20% jitter.
// v5's ExponentialBackOff carries no elapsed-time budget of its own — see
// RetryOptions for that.
func New() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// RetryOptions returns the backoff.Retry options enforcing budget as the
// overall elapsed retry time, on top of the shared schedule from New.
// budget <= 0 means retry indefinitely: a zero WithMaxElapsedTime lifts
// backoff.Retry's own default elapsed-time limit.
func RetryOptions(budget time.Duration) []backoff.RetryOption {
	if budget < 0 {
		budget = 0
	}
	return []backoff.RetryOption{backoff.WithBackOff(New()), backoff.WithMaxElapsedTime(budget)}
}
