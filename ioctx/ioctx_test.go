package ioctx_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-iocoro/ioctx"
	"github.com/stretchr/testify/require"
)

func newContext(t *testing.T) *ioctx.Context {
	c, err := ioctx.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestContext_RunExecutesPostedWork(t *testing.T) {
	c := newContext(t)
	var ran atomic.Bool
	c.Post(func() {
		ran.Store(true)
		c.Stop()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	require.True(t, ran.Load())
}

func TestContext_StopIsIdempotentAndPreservesQueue(t *testing.T) {
	c := newContext(t)
	var count atomic.Int32

	c.Post(func() {
		count.Add(1)
		c.Stop()
		c.Stop() // idempotent
	})
	c.Post(func() { count.Add(1) }) // queued but should not run before Restart

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	require.Equal(t, int32(1), count.Load())

	c.Restart()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	c.Post(func() { c.Stop() })
	require.NoError(t, c.Run(ctx2))
	require.Equal(t, int32(2), count.Load())
}

func TestContext_RunRejectsReentry(t *testing.T) {
	c := newContext(t)
	done := make(chan struct{})
	c.Post(func() {
		require.Panics(t, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
			defer cancel()
			_ = c.Run(ctx)
		})
		c.Stop()
		close(done)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	<-done
}

func TestContext_RunOneRunsSingleUnit(t *testing.T) {
	c := newContext(t)
	var count atomic.Int32
	c.Post(func() { count.Add(1) })
	c.Post(func() { count.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.RunOne(ctx))
	require.Equal(t, int32(2), count.Load()) // one tick drains the whole queue batch
}

func TestContext_RunForBoundsWallTime(t *testing.T) {
	c := newContext(t)
	start := time.Now()
	require.NoError(t, c.RunFor(context.Background(), 20*time.Millisecond))
	elapsed := time.Since(start)
	require.Less(t, elapsed, 200*time.Millisecond)
}

func TestContext_RunReturnsOnContextCancellation(t *testing.T) {
	c := newContext(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// TestContext_ConcurrentPostAndStopRestart exercises the required property:
// 20000 posts from one goroutine plus 2000 concurrent stop/restart cycles
// from another, while the loop goroutine repeatedly calls RunFor(1ms), must
// never lose or duplicate a post.
func TestContext_ConcurrentPostAndStopRestart(t *testing.T) {
	c := newContext(t)
	const totalPosts = 20000
	const stopCycles = 2000

	var executed atomic.Int64
	var posted atomic.Int64
	var wg sync.WaitGroup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < totalPosts; i++ {
			c.Post(func() { executed.Add(1) })
			posted.Add(1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < stopCycles; i++ {
			c.Stop()
			c.Restart()
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for posted.Load() < totalPosts || executed.Load() < posted.Load() {
			if ctx.Err() != nil {
				return
			}
			_ = c.RunFor(ctx, time.Millisecond)
		}
	}()

	wg.Wait()
	<-done

	// final drain in case the last RunFor window missed a tail batch
	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	for executed.Load() < totalPosts && drainCtx.Err() == nil {
		_ = c.RunFor(drainCtx, time.Millisecond)
	}

	require.Equal(t, int64(totalPosts), posted.Load())
	require.Equal(t, int64(totalPosts), executed.Load())
}

func TestContext_DispatchInlinesOnLoopGoroutine(t *testing.T) {
	c := newContext(t)
	var inlineRan bool
	c.Post(func() {
		c.Dispatch(func() { inlineRan = true })
		require.True(t, inlineRan, "Dispatch should run synchronously on the loop goroutine")
		c.Stop()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
}
