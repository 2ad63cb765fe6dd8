package coordinator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSeatLimit     = errors.New("seats must be between 1 and 6")
	ErrFareFloor     = errors.New("fare must be at least 1000")
	ErrPlateFormat   = errors.New("plate must match LL-DD-LL or LL-LL-DD")
	ErrMissingTime   = errors.New("departure time is required")
	ErrMissingFields = errors.New("field is required")

	ErrDriverHasActiveTrip    = errors.New("driver already has an active trip")
	ErrPassengerHasActiveTrip = errors.New("passenger already has an active trip")
	ErrTripNotFound           = errors.New("trip not found")
	ErrTripFull               = errors.New("trip has no available seats")
	ErrTripNotOpen            = errors.New("trip is not accepting passengers")
	ErrAlreadyJoined          = errors.New("passenger already joined this trip")
	ErrOwnTrip                = errors.New("driver cannot join own trip")
	ErrNotTripOwner           = errors.New("only the trip driver may do this")
	ErrInvalidTransition      = errors.New("trip status does not allow this transition")
	ErrNoActiveTrip           = errors.New("no active trip")
)

// FieldError is one violated rule on one form field.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string { return e.Field + ": " + e.Err.Error() }

func (e FieldError) Unwrap() error { return e.Err }

// ValidationError lists every violated rule. errors.Is matches any of them.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Error()
	}
	return "invalid trip: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() []error {
	out := make([]error, len(e.Fields))
	for i, f := range e.Fields {
		out[i] = f
	}
	return out
}

// StepError reports a step that failed after an earlier step committed. The
// committed part is not rolled back.
type StepError struct {
	Op   string
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: step %s: %v", e.Op, e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }
