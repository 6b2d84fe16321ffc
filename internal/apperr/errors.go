package apperr

import (
	"errors"
	"fmt"
)

// Shared error taxonomy. Domain packages wrap these with %w so the HTTP
// edge can map them with errors.Is without importing every package.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConflict means a concurrent writer won a uniqueness race.
	// Callers retry the whole unit of work once.
	ErrConflict = errors.New("concurrency conflict")
)

// NotFoundError carries the kind and id of the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Transition reports an operation that is not legal from the current state.
func Transition(entity, from, op string) error {
	return fmt.Errorf("%w: %s in %s cannot %s", ErrInvalidTransition, entity, from, op)
}
