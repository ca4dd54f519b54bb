package errors

import (
	"go.uber.org/multierr"
)

// ErrorCollection accumulates errors from steps that must all run
// even when an earlier one fails.
type ErrorCollection struct {
	err error
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{}
}

func (c *ErrorCollection) Add(err error) {
	c.err = multierr.Append(c.err, err)
}

func (c *ErrorCollection) HasErrors() bool {
	return c.err != nil
}

func (c *ErrorCollection) Errors() []error {
	return multierr.Errors(c.err)
}

func (c *ErrorCollection) Error() string {
	if c.err == nil {
		return ""
	}
	return c.err.Error()
}

// ToError returns nil when nothing was collected, the single error when one
// was, and a combined error otherwise. The first error is kept as the
// combined error's cause so that type checks still see it.
func (c *ErrorCollection) ToError() error {
	errs := multierr.Errors(c.err)
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &collectedError{first: errs[0], all: c.err}
	}
}

type collectedError struct {
	first error
	all   error
}

func (e *collectedError) Error() string { return e.all.Error() }
func (e *collectedError) Unwrap() error { return e.first }
