// Package ioctx provides the I/O context: the component that composes a
// reactor.Backend, a timer.Registry and a queue.Posted into the actual
// event loop, exposing Run/RunOne/RunFor/Stop/Restart. It is the runtime's
// C4, grounded on the teacher's Loop.Run/Shutdown/run/tick state machine
// (eventloop/loop.go) generalized from one hard-coded epoll poller to any
// reactor.Backend, and from "shutdown only" to the stop/restart cycle the
// spec requires (post survives a stop; a fresh run* after restart drains
// it).
package ioctx

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-iocoro/ioerr"
	"github.com/joeycumines/go-iocoro/obslog"
	"github.com/joeycumines/go-iocoro/queue"
	"github.com/joeycumines/go-iocoro/reactor"
	"github.com/joeycumines/go-iocoro/timer"
)

// Context exposes Post/Dispatch directly (see below); executor.FromContext
// wraps a *Context to produce an executor.IOExecutor value, keeping this
// package free of a dependency on executor.

// State mirrors the teacher's LoopState ordering (deliberately not
// iota-renumbered, so any serialized/logged value stays stable across a
// refactor): Awake=0, Terminated=1, Sleeping=2, Running=3, Terminating=4.
type State uint32

const (
	Awake       State = 0
	Terminated  State = 1
	Sleeping    State = 2
	Running     State = 3
	Terminating State = 4
)

func (s State) String() string {
	switch s {
	case Awake:
		return "awake"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Context is a single-threaded I/O context: a reactor, a timer registry and
// a posted-work queue, driven by whichever goroutine calls Run/RunOne/RunFor.
type Context struct {
	backend reactor.Backend
	timers  *timer.Registry
	posted  queue.Posted
	guard   queue.WorkGuard
	logger  obslog.Logger

	state       atomic.Uint32
	goroutineID atomic.Int64

	stopped   atomic.Bool
	fdCount   atomic.Int32
	closeOnce sync.Once
}

// Option configures a Context at construction.
type Option interface{ apply(*Context) }

type optionFunc func(*Context)

func (f optionFunc) apply(c *Context) { f(c) }

// WithBackend selects the reactor.Backend (default: a new reactor.Epoll).
func WithBackend(b reactor.Backend) Option {
	return optionFunc(func(c *Context) { c.backend = b })
}

// WithLogger attaches an obslog.Logger (default: obslog.Default()).
func WithLogger(l obslog.Logger) Option {
	return optionFunc(func(c *Context) { c.logger = l })
}

// New constructs a Context and initializes its reactor backend.
func New(opts ...Option) (*Context, error) {
	c := &Context{timers: timer.New()}
	for _, o := range opts {
		o.apply(c)
	}
	if c.backend == nil {
		c.backend = &reactor.Epoll{}
	}
	if c.logger == nil {
		c.logger = obslog.Default()
	}
	c.state.Store(uint32(Awake))
	if err := c.backend.Init(); err != nil {
		return nil, ioerr.New(ioerr.Internal, "ioctx.New", err)
	}
	return c, nil
}

// Backend returns the reactor.Backend this Context drives. Used by the
// socket package to register file descriptors.
func (c *Context) Backend() reactor.Backend { return c.backend }

// Timers returns the timer.Registry this Context drives.
func (c *Context) Timers() *timer.Registry { return c.timers }

// Post enqueues fn to run on the loop goroutine. Safe from any goroutine.
// If called from the loop goroutine itself while an Executor's Dispatch
// contract permits inlining, callers should prefer Dispatch instead — Post
// always defers at least to the next drain.
func (c *Context) Post(fn func()) {
	c.posted.Post(fn)
	if c.isLoopGoroutine() {
		return
	}
	if State(c.state.Load()) == Sleeping {
		_ = c.backend.Wakeup()
	}
}

// Dispatch runs fn inline if called from the loop goroutine, else behaves
// like Post.
func (c *Context) Dispatch(fn func()) {
	if c.isLoopGoroutine() {
		fn()
		return
	}
	c.Post(fn)
}

// IsLoopGoroutine reports whether the calling goroutine is the one currently
// inside Run/RunOne/RunFor.
func (c *Context) IsLoopGoroutine() bool { return c.isLoopGoroutine() }

func (c *Context) isLoopGoroutine() bool {
	id := c.goroutineID.Load()
	return id != 0 && id == goroutineID()
}

// Guard returns the Context's WorkGuard. A non-zero count only changes how
// long a reactor Wait may block when no timer is pending (see
// pollTimeoutMs); Run does not return because the loop is idle, only on Stop
// or ctx cancellation.
func (c *Context) Guard() *queue.WorkGuard { return &c.guard }

// AddFD/RemoveFD track how many file descriptors are registered with the
// reactor, purely so Run can tell a CPU-only workload (no FDs, no timers,
// no guard) apart from one that might still receive I/O.
func (c *Context) AddFD()    { c.fdCount.Add(1) }
func (c *Context) RemoveFD() { c.fdCount.Add(-1) }

// Run blocks, processing posted work, expired timers and I/O readiness,
// until ctx is cancelled or Stop is called. It returns ctx.Err() on
// cancellation, nil on a clean Stop.
func (c *Context) Run(ctx context.Context) error {
	if c.isLoopGoroutine() {
		ioerr.Fatal("ioctx.Run", "Run called reentrantly from the loop goroutine")
	}
	if !State(c.state.Load()).canStart() {
		return ioerr.New(ioerr.Busy, "ioctx.Run", nil)
	}
	c.state.Store(uint32(Running))

	c.goroutineID.Store(goroutineID())
	defer c.goroutineID.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.backend.Wakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		select {
		case <-ctx.Done():
			c.state.Store(uint32(Terminated))
			return ctx.Err()
		default:
		}
		if c.stopped.Load() {
			c.state.Store(uint32(Terminated))
			return nil
		}

		c.tick(-1)
	}
}

// RunOne runs one drain-timers-poll iteration and returns: every closure
// queued when the drain starts, every timer already due, and whatever one
// reactor Wait delivers. The Wait is bounded the same way Run's is, so RunOne
// returns without progress if nothing becomes ready in that window. ctx is
// checked only before the iteration starts.
func (c *Context) RunOne(ctx context.Context) error {
	if c.isLoopGoroutine() {
		ioerr.Fatal("ioctx.RunOne", "RunOne called reentrantly from the loop goroutine")
	}
	c.goroutineID.Store(goroutineID())
	defer c.goroutineID.Store(0)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.tick(-1)
	return nil
}

// RunFor runs the loop for up to d of wall-clock time, returning sooner if
// Stop is called or the context is cancelled.
func (c *Context) RunFor(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	err := c.Run(runCtx)
	if err == context.DeadlineExceeded {
		return nil
	}
	return err
}

// tick runs one drain-timers-poll cycle.
func (c *Context) tick(maxWaitMs int) {
	c.posted.Drain()
	c.timers.ProcessExpired(time.Now())

	timeout := c.pollTimeoutMs(maxWaitMs)
	if timeout != 0 {
		c.state.Store(uint32(Sleeping))
	}
	n, err := c.backend.Wait(timeout)
	c.state.Store(uint32(Running))
	if err != nil {
		c.logger.Log(obslog.LevelWarn, "ioctx", "reactor wait failed", obslog.F("err", err))
	}
	_ = n

	c.posted.Drain()
	c.timers.ProcessExpired(time.Now())
}

func (c *Context) pollTimeoutMs(maxWaitMs int) int {
	if c.posted.Len() > 0 {
		return 0
	}
	when, ok := c.timers.NextDeadline()
	if !ok {
		if c.fdCount.Load() == 0 && c.guard.Count() == 0 {
			// Nothing can ever wake us on its own; still bound the wait so
			// Stop()'s wakeup (and ctx cancellation) are noticed promptly.
			return 50
		}
		if maxWaitMs < 0 {
			return -1
		}
		return maxWaitMs
	}
	d := time.Until(when)
	if d <= 0 {
		return 0
	}
	ms := int(d.Milliseconds())
	if ms == 0 {
		ms = 1
	}
	if maxWaitMs >= 0 && ms > maxWaitMs {
		ms = maxWaitMs
	}
	return ms
}

// Stop requests the loop to return from Run/RunOne/RunFor at the next
// opportunity. Idempotent and safe from any goroutine. Posted work and
// pending timers survive a Stop; they run on the next Run* after Restart.
func (c *Context) Stop() {
	c.stopped.Store(true)
	_ = c.backend.Wakeup()
}

// Restart clears the stopped flag so a subsequent Run/RunOne/RunFor call
// proceeds instead of returning immediately. It does not touch the posted
// queue or timer registry.
func (c *Context) Restart() {
	c.stopped.Store(false)
	c.state.CompareAndSwap(uint32(Terminated), uint32(Awake))
}

// State returns the Context's current lifecycle state.
func (c *Context) State() State { return State(c.state.Load()) }

// Close releases the reactor backend. Call only after Run has returned.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.backend.Close() })
	return err
}

func (s State) canStart() bool {
	return s == Awake || s == Terminated
}

func goroutineID() int64 {
	// Mirrors the teacher's getGoroutineID: parse the numeric ID out of
	// runtime.Stack's "goroutine N [...]" header. Used only to detect
	// accidental reentrant Run calls and to let Dispatch inline on the
	// loop's own goroutine — never on any hot path.
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineID(buf[:n])
}

func parseGoroutineID(b []byte) int64 {
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
