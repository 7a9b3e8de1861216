package queue

import "errors"

// ErrLeaseExpired is recorded when a job's lease lapsed without an ack.
var ErrLeaseExpired = errors.New("job lease expired before completion")

// ErrNotActive is returned by Complete and Fail when the job is no longer leased, for
// example because its lease lapsed and another worker picked it up.
var ErrNotActive = errors.New("job is not active")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: Fail moves the job straight to failed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
