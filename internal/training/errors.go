package training

import (
	"errors"
	"fmt"
)

// ErrInvalidSpec marks validation failures detected before any remote call.
// These are programmer errors and are never retried.
var ErrInvalidSpec = errors.New("invalid job spec")

// ErrRemote marks any failure surfaced by the training platform. The
// platform's message is passed through verbatim; no local recovery is
// attempted.
var ErrRemote = errors.New("remote platform error")

type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("platform returned status %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}

func invalidSpecf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSpec, fmt.Sprintf(format, args...))
}
