package pagination

import (
	"errors"
	"fmt"
)

// ErrSourceConsumed is returned when Records is iterated a second time.
var ErrSourceConsumed = errors.New("source already consumed")

// FetchError reports a transport failure or an application error object
// returned for one page request.
type FetchError struct {
	Descriptor Descriptor
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Descriptor, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a successful response that does not carry the
// expected records field.
type ProtocolError struct {
	Descriptor Descriptor
	Field      string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("fetch %s: response has no %q field", e.Descriptor, e.Field)
}
