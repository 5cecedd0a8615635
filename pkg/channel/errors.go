package channel

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrInvalidState      = errors.New("invalid channel state")
	ErrValidation        = errors.New("converter validation failed")
	ErrMalformedMetadata = errors.New("malformed metadata")
)

// NotConnectedError reports a connect that failed or was cancelled.
type NotConnectedError struct {
	Source string
	Err    error
}

func (e *NotConnectedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("not connected: %s", e.Source)
	}
	return fmt.Sprintf("not connected: %s: %v", e.Source, e.Err)
}

func (e *NotConnectedError) Unwrap() error {
	return e.Err
}

func (e *NotConnectedError) Is(target error) bool {
	return target == ErrNotConnected
}
