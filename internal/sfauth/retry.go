package sfauth

import (
	"context"
	"errors"
	"net/http"
)

// ErrUnauthorized is the sentinel a caller should wrap its transport error
// with to signal a 401/INVALID_SESSION_ID response, triggering the
// invalidate-and-retry-once policy of spec.md §4.B.
var ErrUnauthorized = errors.New("sfauth: unauthorized")

// Do runs fn with a fresh Session, retrying exactly once (after invalidating
// the authenticator) if fn returns an error wrapping ErrUnauthorized. A
// second 401 is returned to the caller as-is, which is fatal per spec.
func Do[T any](ctx context.Context, a *Authenticator, fn func(Session) (T, error)) (T, error) {
	var zero T
	sess, err := a.Session(ctx)
	if err != nil {
		return zero, err
	}

	result, err := fn(sess)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, ErrUnauthorized) {
		return zero, err
	}

	a.Invalidate()
	sess, err = a.Session(ctx)
	if err != nil {
		return zero, err
	}
	return fn(sess)
}

// StatusToUnauthorized wraps err with ErrUnauthorized when status is 401.
func StatusToUnauthorized(status int, err error) error {
	if status == http.StatusUnauthorized {
		return errors.Join(ErrUnauthorized, err)
	}
	return err
}
