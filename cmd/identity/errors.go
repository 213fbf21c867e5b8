package identity

import (
	"errors"
	"fmt"
)

// OpError carries the failing operation and its sentinel kind.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// ConflictError reports that UserID is already registered.
type ConflictError struct {
	Op     string
	UserID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s: %v: user %q", e.Op, ErrConflict, e.UserID)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports that UserID is not registered.
type NotFoundError struct {
	Op     string
	UserID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s: %v: user %q", e.Op, ErrNotFound, e.UserID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}
