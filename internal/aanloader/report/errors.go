package report

import (
	"fmt"
)

// ErrInvalidName is returned when the run token or the creation timestamp cannot be located in,
// or parsed from, a report identifier.
type ErrInvalidName struct {
	Identifier string
	Message    string
}

func (err *ErrInvalidName) Error() string {
	return fmt.Sprintf("invalid report name %q: %s", err.Identifier, err.Message)
}

// ErrMalformedReport is returned when the content of a report cannot be turned into staging rows.
// Job is the zero based index of the offending job, or -1 when the document as a whole is broken.
type ErrMalformedReport struct {
	Identifier string
	Job        int
	Message    string
	Err        error
}

func (err *ErrMalformedReport) Error() (s string) {
	if err.Job >= 0 {
		s = fmt.Sprintf("malformed report %q at job %d: %s", err.Identifier, err.Job, err.Message)
	} else {
		s = fmt.Sprintf("malformed report %q: %s", err.Identifier, err.Message)
	}
	if err.Err != nil {
		s = s + fmt.Sprintf("; %s", err.Err)
	}
	return
}

func (err *ErrMalformedReport) Unwrap() error {
	return err.Err
}
