package errorarray

import (
	"fmt"
	"strings"
)

type Errors struct {
	Msg     string
	Wrapped []error
}

var _ error = (*Errors)(nil)

func Wrap(errs []error, msg string) Errors {
	if len(errs) == 0 {
		panic("passing empty errs argument")
	}
	return Errors{Msg: msg, Wrapped: errs}
}

// Collect drops nil entries of errs and wraps the rest.
// Returns nil if no error remains.
func Collect(msg string, errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	return Wrap(nonNil, msg)
}

func (e Errors) Unwrap() []error {
	return e.Wrapped
}

func (e Errors) Error() string {
	if len(e.Wrapped) == 1 {
		return fmt.Sprintf("%s: %s", e.Msg, e.Wrapped[0])
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s: %d errors:", e.Msg, len(e.Wrapped))
	for _, err := range e.Wrapped {
		fmt.Fprintf(&buf, "\n\t%s", err)
	}
	return buf.String()
}
