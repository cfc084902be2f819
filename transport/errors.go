package transport

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrorKind classifies a transport error so callers can branch on it
// without matching error strings, per the taxonomy in §7.
type ErrorKind int

const (
	// KindIO marks a connect/accept/send/receive failure local to one
	// connection. It never affects other connections.
	KindIO ErrorKind = iota
	// KindBadArgument marks a nil payload, out-of-range constructor
	// parameter, or a handoff missing its connection.
	KindBadArgument
	// KindStateMisuse marks a role-scoped call made in the wrong role.
	KindStateMisuse
	// KindProtocol marks a correlation id collision or a frame whose
	// length field is smaller than the header size.
	KindProtocol
	// KindCanceled marks an operation unblocked by Close.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindBadArgument:
		return "bad-argument"
	case KindStateMisuse:
		return "state-misuse"
	case KindProtocol:
		return "protocol"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is the package's error type. It carries a Kind in addition to the
// usual message/cause chain so callers can use Kind() instead of errors.Is
// for every sentinel they care about, while still supporting errors.Is/As
// against the sentinels below and errors.Unwrap against the wrapped cause.
type Error struct {
	kind ErrorKind
	msg  string
	err  error
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func wrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{kind: kind, msg: msg, err: pkgerrors.WithMessage(err, msg)}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind reports the error's classification.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

// Sentinel errors for the cases that don't carry a wrapped cause.
var (
	// ErrNilPayload is returned by ClientSend/ServerSend when the payload
	// is nil.
	ErrNilPayload = newError(KindBadArgument, "transport: payload is nil")
	// ErrInvalidBufferSize is returned by New when buffer_size < 256.
	ErrInvalidBufferSize = newError(KindBadArgument, "transport: buffer size must be >= 256")
	// ErrInvalidMaxConnections is returned by New when max_connections < 1.
	ErrInvalidMaxConnections = newError(KindBadArgument, "transport: max connections must be >= 1")
	// ErrMissingConnection is returned by ServerSend when the handoff's
	// connection is absent (already closed).
	ErrMissingConnection = newError(KindBadArgument, "transport: handoff has no connection")
	// ErrMissingHandler is returned by Listen when no handler is supplied.
	ErrMissingHandler = newError(KindBadArgument, "transport: handler is required")

	// ErrWrongRole is returned when a role-scoped method is called while
	// the facade is in a different role.
	ErrWrongRole = newError(KindStateMisuse, "transport: method not valid for current role")
	// ErrAlreadyActive is returned by Connect/Listen when the facade is
	// not idle.
	ErrAlreadyActive = newError(KindStateMisuse, "transport: facade already has an active role")
	// ErrDisposed is returned by any operation on a disposed facade.
	ErrDisposed = newError(KindStateMisuse, "transport: facade has been disposed")

	// ErrCorrelationIDInUse is returned by register when a caller reuses
	// an id that is already outstanding. It is a caller bug, not an I/O
	// failure.
	ErrCorrelationIDInUse = newError(KindProtocol, "transport: correlation id already registered")
	// ErrWaiterNotFound is returned by ClientReceive when called with a
	// correlation id that was never registered (e.g. ClientSend was called
	// with registerForResponse=false, or the id already unregistered).
	ErrWaiterNotFound = newError(KindBadArgument, "transport: correlation id has no registered waiter")
	// ErrFrameTooShort is returned by the decoder when a frame's length
	// field is smaller than the 8-byte header.
	ErrFrameTooShort = newError(KindProtocol, "transport: frame length field is smaller than the header")

	// ErrCanceled is delivered to waiters that are still outstanding when
	// Close is invoked, and to blocked queue/semaphore operations that are
	// unblocked by Close.
	ErrCanceled = newError(KindCanceled, "transport: operation canceled by close")

	// ErrConnectionClosed is returned by Conn.Send once the connection has
	// been closed. KindCanceled rather than KindIO: the connection wasn't
	// dropped by a failure, it was torn down deliberately.
	ErrConnectionClosed = newError(KindCanceled, "transport: connection closed")
)

// ioError wraps a low-level I/O failure with context, e.g. the remote
// address, while preserving Kind()==KindIO and errors.Is/As against the
// original cause via Unwrap.
func ioError(err error, format string, args ...any) *Error {
	return wrapError(KindIO, err, fmt.Sprintf(format, args...))
}
