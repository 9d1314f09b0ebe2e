// Package reactor wraps the OS-level readiness multiplexer (epoll by
// default, io_uring in POLL_ADD mode behind a build tag) behind one small
// interface: register a file descriptor's interest set, get a callback when
// it becomes ready, and be able to wake a blocked Wait call from any
// goroutine.
//
// The reactor never performs I/O itself — that is socket.Handle's job. It
// only answers "is fd ready", which keeps the backend swappable without
// touching anything above it (ioctx, socket).
package reactor

import "errors"

// Direction is a bitmask of interest/readiness conditions.
type Direction uint32

const (
	Read Direction = 1 << iota
	Write
	Error
	Hangup
)

// Callback is invoked with the readiness bits observed for the registered
// fd. It runs on whichever goroutine called Wait — never concurrently with
// another callback for the same Backend.
type Callback func(Direction)

// Backend is the minimum contract a readiness multiplexer must satisfy.
// Implementations are not safe for use before Init or after Close.
type Backend interface {
	// Init prepares the backend (creates the underlying epoll/io_uring fd).
	Init() error
	// Register starts monitoring fd for the given interest set.
	Register(fd int, interest Direction, cb Callback) error
	// Modify updates the interest set for an already-registered fd.
	Modify(fd int, interest Direction) error
	// Unregister stops monitoring fd. Safe to call even if the fd was
	// already closed by the caller (some backends require it be called
	// first; see implementation docs).
	Unregister(fd int) error
	// Wait blocks until at least one registered fd is ready, Wakeup is
	// called, or timeoutMs elapses (a negative timeoutMs blocks
	// indefinitely). It returns the number of callbacks it invoked.
	Wait(timeoutMs int) (int, error)
	// Wakeup causes a concurrent, blocked Wait call to return promptly.
	// Safe to call from any goroutine, including from within a callback.
	Wakeup() error
	// Close releases the backend's resources. Not safe to call
	// concurrently with Wait.
	Close() error
}

var (
	ErrFDOutOfRange        = errors.New("reactor: fd out of range")
	ErrFDAlreadyRegistered = errors.New("reactor: fd already registered")
	ErrFDNotRegistered     = errors.New("reactor: fd not registered")
	ErrClosed              = errors.New("reactor: backend closed")
)
