package record

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingID is returned when a raw object has no identifier to promote.
	ErrMissingID = errors.New("missing id")

	// ErrInvalidTimestamp is returned when an epoch field is not numeric.
	ErrInvalidTimestamp = errors.New("invalid epoch timestamp")
)

// NormalizationError reports a raw object that could not be turned into a Record.
type NormalizationError struct {
	Kind  Kind
	Field string
	Err   error
}

// Error implements the error interface.
func (e *NormalizationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("normalize %s: field %q: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("normalize %s: %v", e.Kind, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NormalizationError) Unwrap() error {
	return e.Err
}
