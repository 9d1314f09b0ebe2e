// Package ioerr defines the error taxonomy shared across the runtime: a
// closed set of Kind values every component reports through, wrapped in an
// Error that carries the failing operation name and an optional cause.
package ioerr

import (
	"errors"
	"fmt"
)

// Kind classifies the failure. The zero Kind is never produced by this
// package; a Kind value is always paired with an *Error.
type Kind int

const (
	// OperationAborted means the operation was cancelled, either by an
	// explicit cancel or by a stop token firing.
	OperationAborted Kind = iota + 1
	// NotImplemented means the feature is out of scope for this runtime
	// (e.g. DNS resolution, TLS).
	NotImplemented
	// Internal means an unexpected internal failure (a bug, or a syscall
	// failure this package has no more specific Kind for).
	Internal
	// InvalidArgument means a caller-supplied argument was malformed.
	InvalidArgument
	// InvalidEndpoint means an endpoint value was invalid or unsupported
	// for the requested operation.
	InvalidEndpoint
	// UnsupportedAddressFamily means the address family is not supported
	// by this object or backend.
	UnsupportedAddressFamily
	// MessageSize means an operation would exceed an allowed maximum size.
	MessageSize
	// NotOpen means the handle has no open file descriptor.
	NotOpen
	// Busy means a conflicting operation is already in flight on the same
	// handle and direction.
	Busy
	// NotBound means a datagram socket has no local address bound.
	NotBound
	// NotListening means an acceptor is open but listen() was never
	// called successfully.
	NotListening
	// NotConnected means a stream socket has no established peer.
	NotConnected
	// AlreadyConnected means a connect was attempted on an already
	// connected socket.
	AlreadyConnected
	// EOF means the peer performed an orderly shutdown (read returned 0).
	EOF
	// BrokenPipe means a write failed because the peer, or the local
	// write side, is shut down.
	BrokenPipe
	// ConnectionReset means the peer reset the connection.
	ConnectionReset
	// TimedOut means an operation's deadline elapsed before completion.
	TimedOut
)

func (k Kind) String() string {
	switch k {
	case OperationAborted:
		return "operation_aborted"
	case NotImplemented:
		return "not_implemented"
	case Internal:
		return "internal_error"
	case InvalidArgument:
		return "invalid_argument"
	case InvalidEndpoint:
		return "invalid_endpoint"
	case UnsupportedAddressFamily:
		return "unsupported_address_family"
	case MessageSize:
		return "message_size"
	case NotOpen:
		return "not_open"
	case Busy:
		return "busy"
	case NotBound:
		return "not_bound"
	case NotListening:
		return "not_listening"
	case NotConnected:
		return "not_connected"
	case AlreadyConnected:
		return "already_connected"
	case EOF:
		return "eof"
	case BrokenPipe:
		return "broken_pipe"
	case ConnectionReset:
		return "connection_reset"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown_error"
	}
}

// Error is the concrete error type produced by this module. Op names the
// failing operation (e.g. "socket.Read", "ioctx.Run"); Err is an optional
// underlying cause (a syscall error, for instance).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

// Unwrap exposes the cause for errors.Is/errors.As chaining.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with an equal Kind, regardless of Op or cause, so
// that errors.Is(err, New(TimedOut, "", nil)) is the idiomatic way to test
// for a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err's chain contains an *Error of the given Kind. It is
// the usual way calling code checks the error taxonomy, e.g.
// ioerr.Is(err, ioerr.TimedOut).
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Fatal reports a hard contract violation — a condition the teacher's own
// eventloop treats as a programmer error rather than a recoverable runtime
// failure (double Run, operating on a closed handle from the wrong thread).
// It panics rather than returning an error, matching that philosophy.
func Fatal(op, msg string) {
	panic(&Error{Kind: Internal, Op: op, Err: fmt.Errorf("%s", msg)})
}
