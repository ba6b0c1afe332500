package venue

import (
	"errors"
	"fmt"
)

// The core distinguishes two failure classes: transport problems (timeouts,
// connection resets, rate limits) which higher layers retry, and venue
// rejections (bad symbol, insufficient margin) which retrying will not fix.
var (
	ErrTransport = errors.New("venue transport error")
	ErrRejected  = errors.New("venue rejected request")
	ErrUnavail   = errors.New("venue temporarily unavailable")
)

// TransportErr wraps err as a transport-class failure.
func TransportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// RejectedErr wraps err as a venue rejection.
func RejectedErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRejected, err)
}

// IsTransport reports whether err is a transport-class failure, including
// circuit-open errors from the guard.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrUnavail)
}

// IsRejected reports whether the venue understood and refused the request.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
