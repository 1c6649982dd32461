package rohc

import "fmt"

// ErrKind classifies a ProtocolError so callers can decide between local
// recovery and session teardown.
type ErrKind int

const (
	ErrTransientIO ErrKind = iota
	ErrCodecFailure
	ErrPeerProtocol
	ErrAuthFailure
	ErrResourceExhausted
	ErrFatal
)

func (k ErrKind) String() string {
	switch k {
	case ErrTransientIO:
		return "transient-io"
	case ErrCodecFailure:
		return "codec-failure"
	case ErrPeerProtocol:
		return "peer-protocol"
	case ErrAuthFailure:
		return "auth-failure"
	case ErrResourceExhausted:
		return "resource-exhausted"
	case ErrFatal:
		return "fatal"
	}
	return "unknown"
}

// ProtocolError is the typed error a session reports when it fails. The
// client session returns it from Run, carrying a received CONNECT_KO
// reason in Message; the server's CONNECT_KO reasons are fixed strings
// and are not built from a ProtocolError.
type ProtocolError struct {
	Kind    ErrKind
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Recoverable reports whether the error is handled locally (logged and
// counted) or must propagate to a session-ending action.
func (e *ProtocolError) Recoverable() bool {
	switch e.Kind {
	case ErrTransientIO, ErrCodecFailure:
		return true
	default:
		return false
	}
}

func newProtocolError(kind ErrKind, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
