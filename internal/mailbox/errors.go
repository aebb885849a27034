package mailbox

import "github.com/pkg/errors"

// ErrNoLocalMailbox is returned by a routing policy that cannot place a
// message.
var ErrNoLocalMailbox = errors.New("no local mailbox configured")

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient: the engine retries the whole cycle
// instead of stopping.  Retryable(nil) is nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err}
}

// IsRetryable reports whether err, or any error it wraps, was marked
// with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
