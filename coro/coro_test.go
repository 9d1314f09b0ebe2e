package coro_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-iocoro/coro"
	"github.com/joeycumines/go-iocoro/executor"
	"github.com/joeycumines/go-iocoro/ioctx"
	"github.com/joeycumines/go-iocoro/stopctx"
	"github.com/stretchr/testify/require"
)

func TestSpawn_ResolvesWithValue(t *testing.T) {
	future := coro.Spawn(executor.Inline{}, stopctx.Token{}, func(c *coro.Ctx) (int, error) {
		return 42, nil
	})
	val, err := future.Await()
	require.NoError(t, err)
	require.Equal(t, 42, val)
}

func TestSpawn_RejectsWithError(t *testing.T) {
	wantErr := errors.New("boom")
	future := coro.Spawn(executor.Inline{}, stopctx.Token{}, func(c *coro.Ctx) (int, error) {
		return 0, wantErr
	})
	_, err := future.Await()
	require.Equal(t, wantErr, err)
}

func TestSpawn_RecoversPanic(t *testing.T) {
	future := coro.Spawn(executor.Inline{}, stopctx.Token{}, func(c *coro.Ctx) (int, error) {
		panic("oh no")
	})
	_, err := future.Await()
	require.Error(t, err)
	require.Contains(t, err.Error(), "oh no")
}

func TestFuture_DoneClosesOnSettlement(t *testing.T) {
	future := coro.Spawn(executor.Inline{}, stopctx.Token{}, func(c *coro.Ctx) (int, error) {
		return 1, nil
	})
	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() never closed")
	}
	val, err := future.Result()
	require.NoError(t, err)
	require.Equal(t, 1, val)
}

func TestCtx_ExecutorAndStopToken(t *testing.T) {
	src := stopctx.NewSource()
	var gotTok stopctx.Token
	var gotEx executor.Executor
	future := coro.Spawn(executor.Inline{}, src.Token(), func(c *coro.Ctx) (struct{}, error) {
		gotTok = c.StopToken()
		gotEx = c.Executor()
		return struct{}{}, nil
	})
	_, err := future.Await()
	require.NoError(t, err)
	require.Equal(t, src.Token(), gotTok)
	require.True(t, gotEx.Equal(executor.Inline{}))
}

func TestCtx_SwitchToMovesExecutorAffinity(t *testing.T) {
	c1, err := ioctx.New()
	require.NoError(t, err)
	defer c1.Close()
	c2, err := ioctx.New()
	require.NoError(t, err)
	defer c2.Close()

	ex1 := executor.FromContext(c1)
	ex2 := executor.FromContext(c2)

	done := make(chan struct{})
	var observedOnEx2 bool
	ex1.Post(func() {
		future := coro.Spawn(ex1, stopctx.Token{}, func(cc *coro.Ctx) (struct{}, error) {
			cc.SwitchTo(ex2)
			observedOnEx2 = cc.Executor().Equal(ex2)
			return struct{}{}, nil
		})
		go func() {
			future.Await()
			close(done)
			c1.Stop()
			c2.Stop()
		}()
	})

	ctx1, cancel1 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel1()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()

	go c2.Run(ctx2)
	require.NoError(t, c1.Run(ctx1))
	<-done
	require.True(t, observedOnEx2)
}

func TestDetached_ReportsError(t *testing.T) {
	wantErr := errors.New("detached failure")
	var reported atomic.Value
	done := make(chan struct{})
	coro.Detached(executor.Inline{}, stopctx.Token{}, func(c *coro.Ctx) error {
		defer close(done)
		return wantErr
	}, func(err error) { reported.Store(err) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detached coroutine never ran")
	}
	require.Equal(t, wantErr, reported.Load())
}
