package core

import "fmt"

// Kind classifies a protocol failure so the dispatcher can decide whether to
// keep the connection open and which wire sentinel to emit, without string
// sniffing the underlying error.
type Kind int

const (
	// KindProtocolViolation covers malformed frames, wrong command for the
	// current state, or an out-of-range length. The connection is closed.
	KindProtocolViolation Kind = iota
	// KindAuthFailure covers a failed handshake step: wrong digest, an
	// untrusted key, or a decrypt failure. The connection is closed.
	KindAuthFailure
	// KindAccessDenied covers an access-control rule refusing the request.
	// The failure sentinel is sent and the connection stays open.
	KindAccessDenied
	// KindNotFound covers a missing path, oversize path, or similar
	// in-band failure reported to the peer; the connection stays open.
	KindNotFound
	// KindReadError covers a local I/O failure while serving a request.
	KindReadError
	// KindSourceChanged is the mid-transfer size-change detection.
	KindSourceChanged
	// KindClockSkew is the SYNCH clock drift refusal.
	KindClockSkew
	// KindTimeout covers a socket operation exceeding its budget; the
	// connection is closed.
	KindTimeout
	// KindFatal covers corrupted local state or a missing key pair. While
	// serving, it closes the connection like any other non-KeepOpen kind;
	// the process keeps running. Only startup paths that return it to
	// cmd/confsyncd end the process.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "protocol-violation"
	case KindAuthFailure:
		return "auth-failure"
	case KindAccessDenied:
		return "access-denied"
	case KindNotFound:
		return "not-found"
	case KindReadError:
		return "read-error"
	case KindSourceChanged:
		return "source-changed"
	case KindClockSkew:
		return "clock-skew"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ProtoError is the error type returned by every protocol-facing operation.
// It carries enough information for the dispatcher in protocol.go to decide
// keep-open vs close, and to pick a wire sentinel, without re-deriving the
// classification from an error string.
type ProtoError struct {
	Kind    Kind
	Op      string
	Wrapped error
}

func (e *ProtoError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *ProtoError) Unwrap() error { return e.Wrapped }

// NewProtoError constructs a ProtoError, wrapping err (which may be nil).
func NewProtoError(kind Kind, op string, err error) *ProtoError {
	return &ProtoError{Kind: kind, Op: op, Wrapped: err}
}

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// KeepOpen reports whether a connection should remain open after err is
// returned from a command handler. In-band, per-request failures keep the
// connection alive; protocol and authentication failures close it.
func KeepOpen(err error) bool {
	if err == nil {
		return true
	}
	var pe *ProtoError
	if ok := asProtoError(err, &pe); ok {
		switch pe.Kind {
		case KindAccessDenied, KindNotFound, KindReadError, KindSourceChanged, KindClockSkew:
			return true
		default:
			return false
		}
	}
	return false
}

func asProtoError(err error, target **ProtoError) bool {
	for err != nil {
		if pe, ok := err.(*ProtoError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
