package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy for the session client
var (
	// Remote errors
	ErrUnavailable = errors.New("auth service unavailable") // transport failure, service unreachable
	ErrRejected    = errors.New("rejected by auth service") // bad credential, expired token, provider error

	// Local storage
	ErrStorage = errors.New("storage unavailable")

	// Session state errors
	ErrAuthInProgress = errors.New("authentication already in progress")
	ErrStaleResult    = errors.New("session changed while request was in flight")

	// Trust errors
	ErrUntrustedToken = errors.New("token not signed by a trusted root")

	// General errors
	ErrNotFound = errors.New("not found")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
