package model

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded rejects a placement when the live anchor table is full.
	ErrQuotaExceeded = errors.New("anchor quota exceeded")
	// ErrNoSurfaceAtLocation rejects a surface-attached placement whose surface is not live.
	ErrNoSurfaceAtLocation = errors.New("no surface at location")
	// ErrResolutionFailed reports a backend that declined to resolve an anchor.
	ErrResolutionFailed = errors.New("anchor resolution failed")
	// ErrLocalizationTimedOut ends a session that never localized in time.
	ErrLocalizationTimedOut = errors.New("localization timed out")
	// ErrSessionFatal ends a session on a collaborator failure.
	ErrSessionFatal = errors.New("session fatal error")
	// ErrNotLocalized rejects placement while the pose is not trustworthy.
	ErrNotLocalized = errors.New("session is not localized")
	// ErrUnknownAnchorType rejects an anchor type outside the known backends.
	ErrUnknownAnchorType = errors.New("unknown anchor type")
	// ErrSessionTerminated is returned once a session has been torn down.
	ErrSessionTerminated = errors.New("session terminated")
)

// FatalError carries the user-facing reason for an unrecoverable session
// error. Cause is ErrSessionFatal or ErrLocalizationTimedOut.
type FatalError struct {
	Cause  error
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%v: %s", e.Cause, e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Fatal builds a FatalError with a formatted reason.
func Fatal(cause error, format string, args ...any) *FatalError {
	return &FatalError{Cause: cause, Reason: fmt.Sprintf(format, args...)}
}
