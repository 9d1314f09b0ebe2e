// Package coro implements the coroutine/awaitable core (C7): a
// promise-equivalent Future[T], a Spawn entry point, and the Ctx threaded
// through a spawned function body exposing Executor/StopToken/SwitchTo.
//
// Go already has stackful goroutines, so unlike the original C++ coroutine
// machinery this package does not need a CPS transform or a suspend/resume
// state machine for the coroutine body itself — Spawn simply runs fn on its
// own goroutine. What it does need, and what it keeps from the original
// design, is executor affinity: a coroutine's continuation after any
// suspension point (an operation.Await, a timer, a SwitchTo) must observe
// the ordering guarantees of whichever executor is "current" at that point,
// exactly as if it had been posted there. SwitchTo implements this with a
// one-shot rendezvous channel — grounded on the purpose-and-scope rendering
// of "coroutine_handle::resume() becomes send on the frame's resume
// channel" — rather than by migrating the running goroutine onto the
// target executor's own goroutine, which Go has no mechanism for.
//
// Every Future produced by Spawn is also tracked in a weak-pointer registry
// (registry.go) so a Future nobody ever awaited can be scavenged instead of
// accumulating forever; see Scavenge and RejectAll.
package coro

import (
	"fmt"
	"sync"

	"github.com/joeycumines/go-iocoro/executor"
	"github.com/joeycumines/go-iocoro/stopctx"
)

// Ctx is threaded through a spawned coroutine's function body, carrying its
// current executor affinity and its cooperative stop token.
type Ctx struct {
	mu       sync.Mutex
	executor executor.Executor
	stopTok  stopctx.Token
}

// Executor returns the coroutine's current executor.
func (c *Ctx) Executor() executor.Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executor
}

// StopToken returns the coroutine's inherited cooperative stop token,
// equivalent to `co_await this_coro::stop_token`.
func (c *Ctx) StopToken() stopctx.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopTok
}

// WithStopToken returns a copy of ctx with its stop token replaced, used by
// async.BindStopToken to scope a narrower token over part of a coroutine.
func (c *Ctx) WithStopToken(tok stopctx.Token) *Ctx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Ctx{executor: c.executor, stopTok: tok}
}

// SwitchTo transfers the coroutine's executor affinity to ex: it posts a
// rendezvous onto ex and blocks until ex's queue reaches it, so everything
// the coroutine does after SwitchTo returns is ordered exactly as if it had
// been posted to ex, then updates Executor() to ex.
func (c *Ctx) SwitchTo(ex executor.IOExecutor) {
	resume := make(chan struct{})
	ex.Post(func() { close(resume) })
	<-resume
	c.mu.Lock()
	c.executor = ex
	c.mu.Unlock()
}

// state is a Future[T]'s settlement state.
type state int32

const (
	pending state = iota
	resolved
	rejected
)

// Future is the generic promise-equivalent result of Spawn. It is
// grounded on eventloop/promise.go's promise type (state + result +
// subscriber fan-out), generalized from `any` to T and simplified since a
// Future here has exactly one conceptual consumer path (Await) rather than
// promise.go's arbitrary ToChannel subscriber fan-out.
type Future[T any] struct {
	mu   sync.Mutex
	st   state
	val  T
	err  error
	done chan struct{}
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(val T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.st != pending {
		return
	}
	f.st = resolved
	f.val = val
	close(f.done)
}

func (f *Future[T]) reject(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.st != pending {
		return
	}
	f.st = rejected
	f.err = err
	close(f.done)
}

// Done returns a channel closed once the Future settles. Lets a caller
// select on multiple futures (the basis for async.WhenAll/WhenAny) without
// blocking in Await.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result returns the settled value/error. Safe to call before settlement,
// in which case it returns the zero value and a nil error — callers should
// check Done() first, or use Await.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Await blocks the calling goroutine until the Future settles, then returns
// its result.
func (f *Future[T]) Await() (T, error) {
	<-f.done
	return f.Result()
}

// Spawn runs fn on a new goroutine with ex as its initial executor and tok
// as its initial stop token, returning a Future that settles with fn's
// result. A panic inside fn rejects the Future with the recovered value
// wrapped as an error instead of crashing the process, matching the
// promisify.go panic-recovery discipline applied per-coroutine instead of
// per-loop.
func Spawn[T any](ex executor.Executor, tok stopctx.Token, fn func(*Ctx) (T, error)) *Future[T] {
	future := newFuture[T]()
	register(defaultRegistry, future)
	cctx := &Ctx{executor: ex, stopTok: tok}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				future.reject(fmt.Errorf("coro: panicked: %v", r))
			}
		}()
		val, err := fn(cctx)
		if err != nil {
			future.reject(err)
		} else {
			future.resolve(val)
		}
	}()
	return future
}

// Detached runs fn like Spawn but discards its Future, reporting any
// terminal error (including a recovered panic) to report instead of
// letting it vanish silently. Grounded on iocoro::detached_t: a completion
// token selecting fire-and-forget execution.
func Detached(ex executor.Executor, tok stopctx.Token, fn func(*Ctx) error, report func(error)) {
	go func() {
		defer func() {
			if r := recover(); r != nil && report != nil {
				report(fmt.Errorf("coro: detached coroutine panicked: %v", r))
			}
		}()
		cctx := &Ctx{executor: ex, stopTok: tok}
		if err := fn(cctx); err != nil && report != nil {
			report(err)
		}
	}()
}
