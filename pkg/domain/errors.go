// Package domain defines the coded error convention shared by every core
// component. A coded error carries a stable machine-readable code that
// survives to the command boundary, where the transport layer shapes it.
package domain

import (
	"errors"
	"fmt"
)

// Error is a domain invariant violation with a stable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E constructs a coded error.
func E(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Code extracts the stable code from err, or "" when err carries none.
func Code(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Is matches by code so sentinel comparisons work across wrapping.
func (e *Error) Is(target error) bool {
	var de *Error
	if errors.As(target, &de) {
		return de.Code == e.Code
	}
	return false
}
