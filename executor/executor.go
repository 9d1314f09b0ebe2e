// Package executor defines the scheduling abstraction every other
// component in this runtime programs against: "how to run a continuation",
// decoupled from any particular reactor or thread pool. It is grounded on
// _examples/original_source/include/iocoro/executor.hpp's any_executor
// concept (post/dispatch, IO-agnostic, no reference back to io_context,
// reactors or sockets) translated into a Go interface plus a couple of
// concrete implementations the teacher's eventloop.Loop already embodies
// (inline execution, posting onto a single loop).
package executor

import (
	"reflect"
	"runtime"
	"sync"

	"github.com/joeycumines/go-iocoro/ioctx"
)

// Executor schedules closures for later (Post) or possibly-immediate
// (Dispatch) execution. Implementations must never block the caller for an
// unbounded time and, with the exception of Inline (which runs everything in
// place), must never execute fn synchronously from Post. Equal
// reports whether two Executor values refer to the same underlying
// scheduling target, standing in for the C++ any_executor's operator==
// (identity comparison through type erasure).
type Executor interface {
	// Post enqueues fn to run later, never inline.
	Post(fn func())
	// Dispatch runs fn inline if it is safe to do so (the calling goroutine
	// is already "on" this executor), otherwise behaves like Post.
	Dispatch(fn func())
	// Equal reports whether other refers to the same scheduling target.
	Equal(other Executor) bool
}

// IOExecutor is an Executor additionally capable of driving I/O: anything
// backed by an ioctx.Context, exposed so operation.Await and the socket/net
// packages can register reactor/timer interest against it. Kept as a
// separate interface (mirroring iocoro::io_executor vs iocoro::any_executor)
// so code that only needs scheduling doesn't force a dependency on ioctx.
type IOExecutor interface {
	Executor
	// IOContext returns the ioctx.Context backing this executor.
	IOContext() *ioctx.Context
}

// Inline is an Executor that runs every closure synchronously, in place.
// Grounded on the "dispatch may run inline" half of the any_executor
// contract, taken to its logical extreme; useful as a default/null
// executor and in tests.
type Inline struct{}

func (Inline) Post(fn func())     { fn() }
func (Inline) Dispatch(fn func()) { fn() }
func (Inline) Equal(other Executor) bool {
	_, ok := other.(Inline)
	return ok
}

// Func adapts a plain post function into an Executor whose Dispatch is
// identical to Post: both just call the wrapped function, so whether fn
// runs inline or later is entirely up to that function. Useful for executors
// with no notion of "the calling goroutine is already on this executor".
type Func func(fn func())

func (f Func) Post(fn func())     { f(fn) }
func (f Func) Dispatch(fn func()) { f(fn) }
func (f Func) Equal(other Executor) bool {
	o, ok := other.(Func)
	return ok && reflect.ValueOf(f).Pointer() == reflect.ValueOf(o).Pointer()
}

// ioExecutorAdapter type-erases an *ioctx.Context behind IOExecutor,
// mirroring how any_io_executor wraps a concrete executor type in the
// original sources rather than requiring the concrete type to implement
// the interface directly — which keeps ioctx free of any dependency on
// this package.
type ioExecutorAdapter struct{ ctx *ioctx.Context }

// FromContext returns an IOExecutor backed by ctx.
func FromContext(ctx *ioctx.Context) IOExecutor { return ioExecutorAdapter{ctx: ctx} }

func (a ioExecutorAdapter) Post(fn func())     { a.ctx.Post(fn) }
func (a ioExecutorAdapter) Dispatch(fn func()) { a.ctx.Dispatch(fn) }
func (a ioExecutorAdapter) IOContext() *ioctx.Context { return a.ctx }
func (a ioExecutorAdapter) Equal(other Executor) bool {
	o, ok := other.(ioExecutorAdapter)
	return ok && o.ctx == a.ctx
}

// Strand serializes execution of posted work onto an underlying Executor:
// at most one closure posted to a given Strand runs at a time, even if the
// underlying executor (e.g. a threadpool.Pool) runs work concurrently on
// multiple goroutines. Grounded on iocoro::strand_executor
// (make_strand/strand_executor in the original sources): posting while
// idle starts draining immediately on the caller's (or the underlying
// executor's) goroutine; posting while a drain is already in flight
// appends to the pending queue and returns, with the in-flight drain loop
// picking it up. Dispatch additionally inlines when called from a
// goroutine that is already running this strand's drain loop.
type Strand struct {
	underlying Executor

	mu      sync.Mutex
	pending []func()
	running bool
	owner   int64 // goroutine id currently draining, 0 if none
}

// NewStrand wraps underlying so that all work posted to the returned Strand
// runs with mutual exclusion.
func NewStrand(underlying Executor) *Strand {
	return &Strand{underlying: underlying}
}

// Post enqueues fn to run on this strand, never inline.
func (s *Strand) Post(fn func()) {
	s.enqueue(fn)
}

// Equal reports whether other is the same Strand instance.
func (s *Strand) Equal(other Executor) bool {
	o, ok := other.(*Strand)
	return ok && o == s
}

// Dispatch runs fn inline if the calling goroutine is already draining this
// strand, otherwise enqueues it like Post.
func (s *Strand) Dispatch(fn func()) {
	s.mu.Lock()
	if s.running && s.owner == goroutineID() {
		s.mu.Unlock()
		fn()
		return
	}
	s.mu.Unlock()
	s.enqueue(fn)
}

func (s *Strand) enqueue(fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.underlying.Post(s.drain)
}

// drain runs every closure queued at the time it starts, then re-checks for
// work queued during the run; it only relinquishes s.running when the
// queue is empty, so a burst of posts from other goroutines never spawns
// more than one concurrent drain.
func (s *Strand) drain() {
	s.mu.Lock()
	s.owner = goroutineID()
	s.mu.Unlock()

	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.running = false
			s.owner = 0
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if len(b) < len(prefix) || string(b[:len(prefix)]) != prefix {
		return 0
	}
	b = b[len(prefix):]
	var id int64
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			break
		}
		id = id*10 + int64(ch-'0')
	}
	return id
}
