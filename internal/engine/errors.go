package engine

import (
	"errors"
	"fmt"
)

// ErrClaimConflict signals a lost race to claim a work item. Routine under
// concurrent workers; callers pick different work instead of logging it.
var ErrClaimConflict = errors.New("claim conflict")

// ValidationError marks a malformed operation bundle or request. No work
// item is ever created for one.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AuthorizationError marks a basket/workspace scope mismatch. Like
// validation errors it leaves no trace.
type AuthorizationError struct {
	Msg string
}

func (e AuthorizationError) Error() string { return e.Msg }

// ConflictError marks an idempotency key replayed with a divergent payload.
// The ledger fails closed rather than guessing which payload wins.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// ExecutionError wraps a failure inside operation execution. Retriable
// failures re-queue the work item while the attempt budget lasts.
type ExecutionError struct {
	Err       error
	Retriable bool
}

func (e ExecutionError) Error() string { return e.Err.Error() }
func (e ExecutionError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

func IsAuthorization(err error) bool {
	var ae AuthorizationError
	return errors.As(err, &ae)
}

func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}
