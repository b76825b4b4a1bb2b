package webapi

import (
	"fmt"

	"github.com/cryguy/edgeruntime/internal/core"
)

// jsError is a host error that crosses into the script as an instance of
// a named error class. Its message has the "Class: text" form understood
// by __makeError.
type jsError struct {
	class string
	msg   string
	err   error
}

func (e *jsError) Error() string { return e.class + ": " + e.msg }
func (e *jsError) Unwrap() error { return e.err }

func permissionDenied(format string, args ...any) error {
	return &jsError{class: "PermissionDenied", msg: fmt.Sprintf(format, args...), err: core.ErrPermissionDenied}
}

func notSupported(format string, args ...any) error {
	return &jsError{class: "NotSupported", msg: fmt.Sprintf(format, args...), err: core.ErrNotSupported}
}

func typeError(format string, args ...any) error {
	return &jsError{class: "TypeError", msg: fmt.Sprintf(format, args...)}
}
