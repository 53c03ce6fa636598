// Package protoerr defines the typed errors the RTSP session state machine
// uses instead of exception-for-control-flow: a handler returns a
// *ProtocolError and the session loop decides the wire reply and whether to
// shut the connection down.
package protoerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a protocol failure the way spec.md §7 enumerates them.
type Kind int

const (
	KindProtocolViolation Kind = iota
	KindAuthFailure
	KindNotFound
	KindAlreadyPublishing
	KindTransportMismatch
	KindTimeout
	KindPeerShutdown
	KindInternal
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "protocol_violation"
	case KindAuthFailure:
		return "auth_failure"
	case KindNotFound:
		return "not_found"
	case KindAlreadyPublishing:
		return "already_publishing"
	case KindTransportMismatch:
		return "transport_mismatch"
	case KindTimeout:
		return "timeout"
	case KindPeerShutdown:
		return "peer_shutdown"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}

// ProtocolError carries the RTSP status line a handler wants sent, plus
// whether the session must be torn down after the reply is flushed.
type ProtocolError struct {
	Kind    Kind
	Status  int
	Detail  string
	Fatal   bool
	cause   error
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%d %s): %v", e.Kind, e.Status, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s (%d %s)", e.Kind, e.Status, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.cause }

func newErr(kind Kind, status int, fatal bool, detail string) *ProtocolError {
	return &ProtocolError{Kind: kind, Status: status, Detail: detail, Fatal: fatal}
}

// Violation builds a 4xx ProtocolViolation that terminates the session.
func Violation(status int, detail string) *ProtocolError {
	return newErr(KindProtocolViolation, status, true, detail)
}

// Auth builds a 401 that keeps the connection open for a retry.
func Auth(detail string) *ProtocolError {
	return newErr(KindAuthFailure, 401, false, detail)
}

// NotFound builds a 404, fatal per spec (player with no stream is dropped).
func NotFound(detail string) *ProtocolError {
	return newErr(KindNotFound, 404, true, detail)
}

// AlreadyPublishing builds a 406.
func AlreadyPublishing(detail string) *ProtocolError {
	return newErr(KindAlreadyPublishing, 406, true, detail)
}

// TransportMismatch builds a 461.
func TransportMismatch(detail string) *ProtocolError {
	return newErr(KindTransportMismatch, 461, true, detail)
}

// Timeout builds a fatal, replyless shutdown error.
func Timeout(detail string) *ProtocolError {
	return newErr(KindTimeout, 0, true, detail)
}

// PeerShutdown marks a clean, replyless disconnect initiated by the peer.
func PeerShutdown(detail string) *ProtocolError {
	return newErr(KindPeerShutdown, 0, true, detail)
}

// InvalidArgument builds a fatal, replyless error for a caller-supplied
// value that violates an API's own invariants (e.g. a listener asked to
// delegate to itself), as opposed to a wire-level protocol violation.
func InvalidArgument(detail string) *ProtocolError {
	return newErr(KindInvalidArgument, 0, true, detail)
}

// Internal wraps an unexpected error as a fatal 500 with stack context.
func Internal(cause error, detail string) *ProtocolError {
	e := newErr(KindInternal, 500, true, detail)
	e.cause = errors.WithStack(cause)
	return e
}

// HasReply reports whether the session loop should write a status line
// before tearing the connection down.
func (e *ProtocolError) HasReply() bool {
	return e.Status != 0
}
