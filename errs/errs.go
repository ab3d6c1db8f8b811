// Package errs defines the error taxonomy shared by every redoflow worker.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a stable numeric identifier logged alongside every fatal error,
// so operators can grep dashboards and runbooks without parsing messages.
type Code int

const (
	CodeUnknown Code = iota
	CodeConfiguration
	CodeData
	CodeRedo
	CodeRuntime
	CodeShutdown
)

// ConfigurationError is fatal at startup: bad JSON, an invalid enum value,
// or a feature that isn't compiled into this build.
type ConfigurationError struct {
	Reason string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Cause)
	}
	return "configuration error: " + e.Reason
}
func (e *ConfigurationError) Unwrap() error { return e.Cause }
func (e *ConfigurationError) Code() Code    { return CodeConfiguration }

// NewConfigurationError builds a ConfigurationError, wrapping |cause| if given.
func NewConfigurationError(reason string, cause error) error {
	return errors.WithStack(&ConfigurationError{Reason: reason, Cause: cause})
}

// DataError is a logged warning: a malformed redo block, a missing LOB
// page. The affected transaction may emit degraded frames; it is never
// fatal on its own.
type DataError struct {
	XID    string
	Object string
	Reason string
	Cause  error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data error: xid=%s object=%s: %s", e.XID, e.Object, e.Reason)
}
func (e *DataError) Unwrap() error { return e.Cause }
func (e *DataError) Code() Code    { return CodeData }

// NewDataError builds a DataError, wrapping |cause| if given. DataError
// is the one taxonomy member a caller typically logs and continues past
// rather than propagating, so unlike the others this constructor is not
// wrapped in errors.WithStack: a stack trace on every missing LOB page
// or malformed record would be noise, not signal.
func NewDataError(xid, object, reason string, cause error) error {
	return &DataError{XID: xid, Object: object, Reason: reason, Cause: cause}
}

// RedoError is a structural inconsistency: checksum mismatch, a message
// too large for the configured write buffer. Always fatal, always dumps a
// stack trace.
type RedoError struct {
	Reason string
	Cause  error
}

func (e *RedoError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("redo error: %s: %v", e.Reason, e.Cause)
	}
	return "redo error: " + e.Reason
}
func (e *RedoError) Unwrap() error { return e.Cause }
func (e *RedoError) Code() Code    { return CodeRedo }

func NewRedoError(reason string, cause error) error {
	return errors.WithStack(&RedoError{Reason: reason, Cause: cause})
}

// RuntimeError is file I/O, an OS allocation failure, or a sink connection
// problem. The owning component may retry; otherwise it escalates to a
// soft shutdown.
type RuntimeError struct {
	Reason string
	Cause  error
}

func (e *RuntimeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("runtime error: %s: %v", e.Reason, e.Cause)
	}
	return "runtime error: " + e.Reason
}
func (e *RuntimeError) Unwrap() error { return e.Cause }
func (e *RuntimeError) Code() Code    { return CodeRuntime }

func NewRuntimeError(reason string, cause error) error {
	return errors.WithStack(&RuntimeError{Reason: reason, Cause: cause})
}

// ErrShutdownSignaled is returned from a blocked wait to let a worker
// unwind cleanly after a hard or soft shutdown. It is not an error in the
// taxonomy sense and must never be logged as one.
var ErrShutdownSignaled = errors.New("shutdown signaled")

// Coded reports the stable numeric code of an error in the taxonomy above,
// or CodeUnknown if it isn't one of ours.
func Coded(err error) Code {
	type coder interface{ Code() Code }
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeUnknown
}
