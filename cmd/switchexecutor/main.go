// Command switchexecutor demonstrates moving a coroutine's executor
// affinity between an IO context and a CPU-bound thread pool mid-flight,
// the Go equivalent of original_source's switch_executor.cpp.
//
// Run with: go run ./cmd/switchexecutor
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-iocoro/async"
	"github.com/joeycumines/go-iocoro/coro"
	"github.com/joeycumines/go-iocoro/executor"
	"github.com/joeycumines/go-iocoro/ioctx"
	"github.com/joeycumines/go-iocoro/stopctx"
	"github.com/joeycumines/go-iocoro/threadpool"
)

func main() {
	ioc, err := ioctx.New()
	if err != nil {
		panic(err)
	}
	ioEx := executor.FromContext(ioc)

	pool, err := threadpool.New(threadpool.WithShards(1))
	if err != nil {
		panic(err)
	}
	cpuEx := pool.Next()

	done := make(chan struct{})
	coro.Detached(ioEx, stopctx.Token{}, func(c *coro.Ctx) error {
		defer close(done)
		fmt.Println("switchexecutor: start on io executor")

		c.SwitchTo(cpuEx)
		fmt.Println("switchexecutor: on thread pool executor")
		var sum uint64
		for i := uint64(0); i < 5_000_000; i++ {
			sum += i
		}
		fmt.Println("switchexecutor: cpu work done, sum =", sum)

		c.SwitchTo(ioEx)
		fmt.Println("switchexecutor: back on io executor")

		if err := async.Sleep(c, ioEx, 20*time.Millisecond); err != nil {
			return err
		}
		fmt.Println("switchexecutor: done")
		ioc.Stop()
		return nil
	}, func(err error) {
		if err != nil {
			fmt.Println("switchexecutor: coroutine error:", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ioc.Run(ctx); err != nil {
		fmt.Println("switchexecutor: run exited with:", err)
	}

	<-done
	pool.Stop()
	if err := pool.Join(); err != nil {
		fmt.Println("switchexecutor: pool join error:", err)
	}
}
