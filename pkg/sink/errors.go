package sink

import (
	"errors"
	"fmt"
)

// ErrSinkClosed is reported for records accepted after Close.
var ErrSinkClosed = errors.New("sink closed")

// WriteError reports a failed write of one record.
type WriteError struct {
	Collection string
	ID         string
	Err        error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("write %s: %v", e.Collection, e.Err)
	}
	return fmt.Sprintf("write %s/%s: %v", e.Collection, e.ID, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *WriteError) Unwrap() error {
	return e.Err
}
