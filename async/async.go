// Package async provides timer-based awaitables and composition helpers
// over coro.Future/operation.Await: Timer, Sleep, WithTimeout, WhenAll,
// WhenAny, BindExecutor and BindStopToken. Grounded on
// _examples/original_source/include/iocoro/with_timeout.hpp,
// detail/when/when_all_state.hpp/when_any, bind_executor.hpp, and
// eventloop/abort.go's AbortAny composite-signal pattern (the direct model
// for WhenAny's "first settles, remaining cancelled" semantics, already
// generalized once into stopctx.Any).
package async

import (
	"reflect"
	"sync"
	"time"

	"github.com/joeycumines/go-iocoro/coro"
	"github.com/joeycumines/go-iocoro/executor"
	"github.com/joeycumines/go-iocoro/ioerr"
	"github.com/joeycumines/go-iocoro/operation"
	"github.com/joeycumines/go-iocoro/stopctx"
	"github.com/joeycumines/go-iocoro/timer"
)

// Timer is a single-shot, re-armable awaitable deadline, grounded on
// iocoro::steady_timer: ExpiresAfter/ExpiresAt schedule (replacing any
// previous pending deadline), Wait suspends until it fires or the
// coroutine's stop token cancels it, Cancel unblocks a pending Wait early.
type Timer struct {
	ex executor.IOExecutor

	mu         sync.Mutex
	when       time.Time
	id         timer.ID
	armed      bool
	cancelWait func()
}

// NewTimer constructs a Timer backed by ex's ioctx.Context timer registry.
func NewTimer(ex executor.IOExecutor) *Timer {
	return &Timer{ex: ex}
}

// ExpiresAfter arms the timer to fire d from now, cancelling any
// previously-armed deadline.
func (t *Timer) ExpiresAfter(d time.Duration) { t.ExpiresAt(time.Now().Add(d)) }

// ExpiresAt arms the timer to fire at when, cancelling any previously-armed
// deadline.
func (t *Timer) ExpiresAt(when time.Time) {
	t.mu.Lock()
	cancelWait := t.cancelWait
	t.mu.Unlock()
	if cancelWait != nil {
		cancelWait()
	}
	t.mu.Lock()
	t.when = when
	t.mu.Unlock()
}

// Cancel unblocks a pending Wait early with an OperationAborted error. A
// no-op if the timer is not currently armed.
func (t *Timer) Cancel() {
	t.mu.Lock()
	cancelWait := t.cancelWait
	t.mu.Unlock()
	if cancelWait != nil {
		cancelWait()
	}
}

// Wait suspends c's coroutine until the timer's deadline elapses, it is
// Cancel'd, or c's stop token fires, whichever happens first.
func (t *Timer) Wait(c *coro.Ctx) error {
	_, err := operation.Await(c, operation.Factory[struct{}](func(_ *coro.Ctx, complete operation.Complete[struct{}]) func() {
		t.mu.Lock()
		when := t.when
		t.armed = true
		cancelWait := func() {
			t.mu.Lock()
			armed := t.armed
			if armed {
				t.armed = false
				t.cancelWait = nil
				t.ex.IOContext().Timers().Cancel(t.id)
			}
			t.mu.Unlock()
			if armed {
				complete(struct{}{}, ioerr.New(ioerr.OperationAborted, "async.Timer.Wait", nil))
			}
		}
		t.cancelWait = cancelWait
		t.id = t.ex.IOContext().Timers().Add(when, func() {
			t.mu.Lock()
			t.armed = false
			t.cancelWait = nil
			t.mu.Unlock()
			complete(struct{}{}, nil)
		})
		t.mu.Unlock()

		return cancelWait
	}))
	return err
}

// Sleep suspends c's coroutine for d, or until c's stop token fires.
func Sleep(c *coro.Ctx, ex executor.IOExecutor, d time.Duration) error {
	t := NewTimer(ex)
	t.ExpiresAfter(d)
	return t.Wait(c)
}

type timeoutResult[T any] struct {
	val T
	err error
}

// WithTimeout runs op as a child coroutine bound to ex, racing it against a
// timer of duration d. If op finishes first, the timer is cancelled and
// op's result is returned. If the timer fires first, op's stop token is
// stopped, op is joined (waited for, its result discarded), and a
// *ioerr.Error with Kind TimedOut is returned. If c's stop token aborts the
// timer's wait instead, op is stopped and joined the same way and the error
// has Kind OperationAborted. Grounded on with_timeout.hpp.
func WithTimeout[T any](c *coro.Ctx, ex executor.IOExecutor, d time.Duration, op func(*coro.Ctx) (T, error)) (T, error) {
	var zero T
	if c.StopToken().Stopped() {
		return zero, ioerr.New(ioerr.OperationAborted, "async.WithTimeout", nil)
	}

	childSrc := stopctx.NewSource(c.StopToken())
	childCtx := c.WithStopToken(childSrc.Token())

	resultCh := make(chan timeoutResult[T], 1)
	go func() {
		v, err := op(childCtx)
		resultCh <- timeoutResult[T]{v, err}
	}()

	t := NewTimer(ex)
	t.ExpiresAfter(d)
	timerDone := make(chan error, 1)
	go func() { timerDone <- t.Wait(c) }()

	select {
	case r := <-resultCh:
		t.Cancel()
		<-timerDone
		return r.val, r.err
	case terr := <-timerDone:
		childSrc.Stop(nil)
		<-resultCh // join
		if terr != nil {
			return zero, ioerr.New(ioerr.OperationAborted, "async.WithTimeout", nil)
		}
		return zero, ioerr.New(ioerr.TimedOut, "async.WithTimeout", nil)
	}
}

// Awaitable pairs a Future with an optional Cancel function invoked on the
// futures that did not win a WhenAny race, letting callers request the
// losing operations unwind instead of leaking.
type Awaitable[T any] struct {
	Future *coro.Future[T]
	Cancel func()
}

// WhenAll blocks until every future has settled and returns their results
// in the same order. Grounded on detail/when/when_all_state.hpp.
func WhenAll[T any](futures ...*coro.Future[T]) ([]T, []error) {
	vals := make([]T, len(futures))
	errs := make([]error, len(futures))
	for i, f := range futures {
		vals[i], errs[i] = f.Await()
	}
	return vals, errs
}

// WhenAny blocks until the first of aws settles, invokes Cancel (if set) on
// every other Awaitable, and returns the winning index and its result.
// Grounded on detail/when_any (first-settles) combined with abort.go's
// composite-signal "first stop wins, propagate to the rest" shape, here
// applied to completion instead of cancellation.
func WhenAny[T any](aws ...Awaitable[T]) (int, T, error) {
	cases := make([]reflect.SelectCase, len(aws))
	for i, a := range aws {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(a.Future.Done())}
	}
	chosen, _, _ := reflect.Select(cases)
	for i, a := range aws {
		if i == chosen {
			continue
		}
		if a.Cancel != nil {
			a.Cancel()
		}
		<-a.Future.Done()
	}
	val, err := aws[chosen].Future.Result()
	return chosen, val, err
}

// BindExecutor switches c's executor affinity to ex (see coro.Ctx.SwitchTo)
// before running fn, so fn observes ex as its current executor throughout.
// Grounded on bind_executor.hpp: "takes ownership of the awaitable ...
// sets the executor on its promise".
func BindExecutor[T any](c *coro.Ctx, ex executor.IOExecutor, fn func(*coro.Ctx) (T, error)) (T, error) {
	c.SwitchTo(ex)
	return fn(c)
}

// BindStopToken runs fn with c's stop token replaced by tok, scoping a
// narrower (or unrelated) cancellation domain over fn without affecting
// the caller's own token.
func BindStopToken[T any](c *coro.Ctx, tok stopctx.Token, fn func(*coro.Ctx) (T, error)) (T, error) {
	return fn(c.WithStopToken(tok))
}
