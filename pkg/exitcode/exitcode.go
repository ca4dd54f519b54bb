// Package exitcode maps supervisor errors onto the process exit codes
// shared with the rest of the pg_autoctl tool family.
package exitcode

import (
	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
)

type Code int

const (
	Success       Code = 0
	BadArgs       Code = 1
	BadConfig     Code = 2
	BadState      Code = 3
	InternalError Code = 12
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case BadArgs:
		return "bad_args"
	case BadConfig:
		return "bad_config"
	case BadState:
		return "bad_state"
	case InternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// categorizedError pins an exit code onto an error whose type alone is ambiguous
type categorizedError struct {
	code Code
	err  error
}

func (e *categorizedError) Error() string { return e.err.Error() }
func (e *categorizedError) Unwrap() error { return e.err }

// WithCategory returns err tagged with code. A nil err stays nil.
func WithCategory(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &categorizedError{code: code, err: err}
}

// FromError returns the exit code for err. Explicit categories win over
// the error type of the outermost domain error.
func FromError(err error) Code {
	if err == nil {
		return Success
	}

	var ce *categorizedError
	if errors.As(err, &ce) {
		return ce.code
	}

	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation, errors.ErrorTypeIO:
		return BadConfig
	case errors.ErrorTypeNotFound, errors.ErrorTypeConflict:
		return BadState
	default:
		return InternalError
	}
}
