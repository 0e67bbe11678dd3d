package cmn

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel errors, one per runtime exit-code / error-category entry.
// Validation errors are returned bare (programmer mistakes, no stack worth
// keeping); resource/protocol/remote/fatal errors get wrapped with
// pkg/errors at the point they're raised so a stack survives to the fatal
// handler while callers can still errors.Is/As against the sentinel.
var (
	ErrInvalid        = errors.New("EINVAL: invalid argument")
	ErrNoMem          = errors.New("ENOMEM: out of memory")
	ErrNotSupported   = errors.New("ENOTSUP: not supported")
	ErrTimeout        = errors.New("ETIMEOUT: operation timed out")
	ErrGuidExists     = errors.New("EGUIDEXISTS: guid already exists")
	ErrBusy           = errors.New("EBUSY: resource busy")
	ErrCanceled       = errors.New("ECANCELED: operation canceled")
	ErrGuidNotFound   = errors.New("guid not found")
	ErrModeViolation  = errors.New("data block mode violation")
	ErrDeadlock       = errors.New("deadlock: cyclic producer/waiter dependence")
	ErrRetry          = errors.New("retry: outgoing queue full")
	ErrDuplicateDep   = errors.New("duplicate dependence on slot")
	ErrRemoteRefused  = errors.New("remote: target refused or unreachable")
)

// ErrorCategory classifies an error by the surface it was raised at:
// validation, resource exhaustion, protocol violation, a remote failure, or
// a fatal invariant break.
type ErrorCategory int

const (
	CategoryValidation ErrorCategory = iota
	CategoryResource
	CategoryProtocol
	CategoryRemote
	CategoryFatal
)

// WrapResource, WrapProtocol, and WrapRemote attach a stack trace (via
// pkg/errors) to a sentinel, to be unwound by a fatal handler or surfaced to
// a waiter; Validation errors deliberately skip this — see the sentinel
// block above.
func WrapResource(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

func WrapProtocol(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

func WrapRemote(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// Fatal wraps err with a stack and panics — the caller is expected to be a
// top-level recover that flushes logs and aborts the process on a runtime
// invariant violation.
func Fatal(format string, args ...interface{}) {
	panic(pkgerrors.New(fmt.Sprintf(format, args...)))
}
