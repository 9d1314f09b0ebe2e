// Command helloioctx is a minimal runnable example showing ioctx.Context +
// coro.Spawn + async.Sleep, the Go equivalent of original_source's
// hello_io_context.cpp.
//
// Run with: go run ./cmd/helloioctx
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
)

func main() {
	ioc, err := ioctx.New()
	if err != nil {
		panic(err)
	}
	ex := executor.FromContext(ioc)

	coro.Detached(ex, stopctx.Token{}, func(c *coro.Ctx) error {
		fmt.Println("helloioctx: start")
		if err := async.Sleep(c, ex, 50*time.Millisecond); err != nil {
			return err
		}
		fmt.Println("helloioctx: after sleep")
		ioc.Stop()
		return nil
	}, func(err error) {
		if err != nil {
			fmt.Println("helloioctx: coroutine error:", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ioc.Run(ctx); err != nil {
		fmt.Println("helloioctx: run exited with:", err)
	}
	fmt.Println("helloioctx: done")
}
