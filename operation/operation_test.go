package operation_test

import (
	"testing"
	"time"

	"github.com/joeycumines/go-iocoro/coro"
	"github.com/joeycumines/go-iocoro/executor"
	"github.com/joeycumines/go-iocoro/ioerr"
	"github.com/joeycumines/go-iocoro/operation"
	"github.com/joeycumines/go-iocoro/stopctx"
	"github.com/stretchr/testify/require"
)

func TestAwait_ReturnsFactoryResult(t *testing.T) {
	c := &coro.Ctx{}
	val, err := operation.Await(c, operation.Factory[int](func(c *coro.Ctx, complete operation.Complete[int]) func() {
		go complete(7, nil)
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, 7, val)
}

func TestAwait_PropagatesFactoryError(t *testing.T) {
	c := &coro.Ctx{}
	wantErr := ioerr.New(ioerr.BrokenPipe, "test", nil)
	_, err := operation.Await(c, operation.Factory[int](func(c *coro.Ctx, complete operation.Complete[int]) func() {
		go complete(0, wantErr)
		return nil
	}))
	require.Equal(t, wantErr, err)
}

func TestAwait_CancelsOnStop(t *testing.T) {
	src := stopctx.NewSource()
	future := coro.Spawn(executor.Inline{}, src.Token(), func(c *coro.Ctx) (int, error) {
		return operation.Await(c, operation.Factory[int](func(c *coro.Ctx, complete operation.Complete[int]) func() {
			// never completes on its own; only Stop should settle it
			return func() {}
		}))
	})

	src.Stop(nil)
	val, err := future.Await()
	require.Equal(t, 0, val)
	require.Error(t, err)
	require.True(t, ioerr.Is(err, ioerr.OperationAborted))
}

func TestAwait_StopCallbackInvokesCancelFunc(t *testing.T) {
	src := stopctx.NewSource()
	cancelCalled := make(chan struct{})

	future := coro.Spawn(executor.Inline{}, src.Token(), func(c *coro.Ctx) (struct{}, error) {
		_, err := operation.Await(c, operation.Factory[struct{}](func(c *coro.Ctx, complete operation.Complete[struct{}]) func() {
			return func() { close(cancelCalled) }
		}))
		return struct{}{}, err
	})

	src.Stop("shutting down")

	select {
	case <-cancelCalled:
	case <-time.After(time.Second):
		t.Fatal("cancel function never invoked")
	}
	_, err := future.Await()
	require.True(t, ioerr.Is(err, ioerr.OperationAborted))
}
