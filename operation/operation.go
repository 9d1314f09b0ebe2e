// Package operation implements the generic awaiter bridge (C8) between a
// coroutine and a single asynchronous completion: Await installs a stop
// callback, invokes a Factory to register interest with a reactor or timer,
// blocks the calling goroutine until the operation completes or is
// cancelled, and returns the result. Grounded on
// _examples/original_source/include/iocoro/detail/operation_awaiter.hpp
// (capture executor+stop token, register, suspend, resume on completion)
// and detail/socket/op_state.hpp's epoch/active pair for the
// cancel-vs-complete race already adapted once for timer.Registry.
package operation

import (
	"sync"

	"github.com/joeycumines/go-iocoro/coro"
	"github.com/joeycumines/go-iocoro/ioerr"
)

// Complete is called exactly once by a Factory's registration, either with
// a successful value or with an error, to settle the awaited operation.
// Calls after the first are ignored.
type Complete[T any] func(val T, err error)

// Factory registers an asynchronous operation (a reactor readiness
// callback, a timer, anything) and returns a cancel function that Await
// invokes if the coroutine's stop token fires before complete is called.
// cancel may be nil if the operation cannot be cancelled once started.
type Factory[T any] func(c *coro.Ctx, complete Complete[T]) (cancel func())

// Await runs factory, suspending the calling goroutine until either the
// registered operation completes or c's stop token fires, and returns the
// settled result. If the stop token fires first, factory's cancel function
// (if any) is invoked and Await returns a *ioerr.Error with Kind
// OperationAborted.
func Await[T any](c *coro.Ctx, factory Factory[T]) (T, error) {
	var (
		mu     sync.Mutex
		once   sync.Once
		result T
		err    error
	)
	done := make(chan struct{})

	complete := func(val T, e error) {
		once.Do(func() {
			mu.Lock()
			result, err = val, e
			mu.Unlock()
			close(done)
		})
	}

	cancel := factory(c, complete)

	deregister := c.StopToken().StopCallback(func(reason any) {
		if cancel != nil {
			cancel()
		}
		var zero T
		complete(zero, ioerr.New(ioerr.OperationAborted, "operation.Await", nil))
	})
	defer deregister()

	<-done

	mu.Lock()
	defer mu.Unlock()
	return result, err
}
