package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrRemote           = errors.New("remote operation failed")
)

// Validation builds an error of kind ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Permission builds an error of kind ErrPermissionDenied.
func Permission(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}

// NotFound builds an error of kind ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Remote wraps a substrate failure as ErrRemote, keeping the cause in the chain.
// Already classified errors pass through unchanged.
func Remote(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrRemote) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrRemote, op, err)
}

// Kind returns the sentinel an error is classified under, or nil.
func Kind(err error) error {
	for _, kind := range []error{ErrValidation, ErrPermissionDenied, ErrNotFound, ErrRemote} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
