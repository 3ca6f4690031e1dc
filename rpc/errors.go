package rpc

import (
	"fmt"

	autherrors "github.com/jrsteele09/estate-session/internal/errors"
)

// RemoteError is an application-level error returned by the auth service.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return autherrors.ErrRejected
}

// ClassifyError maps any error from a Client into the session error taxonomy:
// ErrRejected when the service declined, ErrUnavailable otherwise. Errors that
// already carry a classification are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if autherrors.Is(err, autherrors.ErrRejected) || autherrors.Is(err, autherrors.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", autherrors.ErrUnavailable, err)
}
