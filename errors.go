package probehub

import (
	"errors"
	"fmt"
)

// ErrKind is the closed set of error kinds surfaced by the dispatcher and
// the HTTP API. Each maps to exactly one status string and HTTP code (§7).
type ErrKind string

const (
	ErrInvalidRequest     ErrKind = "InvalidRequest"
	ErrUnknownTarget      ErrKind = "UnknownTarget"
	ErrUnknownProbe       ErrKind = "UnknownProbe"
	ErrIncompatibleProbe  ErrKind = "IncompatibleProbe"
	ErrInvalidTransport   ErrKind = "InvalidTransport"
	ErrProbeNotConnected  ErrKind = "ProbeNotConnected"
	ErrProbeBusy          ErrKind = "ProbeBusy"
	ErrTemplateError      ErrKind = "TemplateError"
	ErrContainerStart     ErrKind = "ContainerStartFailed"
	ErrToolFailed         ErrKind = "ToolFailed"
	ErrNoSuchSession      ErrKind = "NoSuchSession"
	ErrInternal           ErrKind = "InternalError"
)

// HubError wraps an underlying error with the status kind the HTTP layer
// needs to pick a response code. Validation and resource-acquisition
// failures are reported this way; tool output (stdout/stderr) rides
// alongside in Log when available.
type HubError struct {
	Kind ErrKind
	Err  error
	Log  string
}

func (e *HubError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *HubError) Unwrap() error { return e.Err }

func newErr(kind ErrKind, format string, args ...any) *HubError {
	return &HubError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrKind from err, defaulting to ErrInternal for
// errors that didn't originate as a HubError.
func KindOf(err error) ErrKind {
	var he *HubError
	if errors.As(err, &he) {
		return he.Kind
	}
	return ErrInternal
}

// HTTPStatus maps an ErrKind to the HTTP status code from spec §7.
func HTTPStatus(kind ErrKind) int {
	switch kind {
	case ErrInvalidRequest, ErrIncompatibleProbe, ErrInvalidTransport:
		return 400
	case ErrUnknownTarget, ErrUnknownProbe, ErrNoSuchSession:
		return 404
	case ErrProbeNotConnected, ErrContainerStart:
		return 503
	case ErrProbeBusy:
		return 409
	case ErrTemplateError, ErrToolFailed, ErrInternal:
		return 500
	default:
		return 500
	}
}
