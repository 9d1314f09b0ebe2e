package coro

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/joeycumines/go-iocoro/executor"
	"github.com/joeycumines/go-iocoro/stopctx"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ScavengeDropsSettledFuture(t *testing.T) {
	r := newRegistry()
	f := newFuture[int]()
	register(r, f)
	f.resolve(7)

	r.scavenge(10)

	r.mu.RLock()
	defer r.mu.RUnlock()
	require.Empty(t, r.data)
}

func TestRegistry_ScavengeKeepsPendingFuture(t *testing.T) {
	r := newRegistry()
	f := newFuture[int]()
	register(r, f)

	r.scavenge(10)

	r.mu.RLock()
	defer r.mu.RUnlock()
	require.Len(t, r.data, 1)
}

func TestRegistry_ScavengeDropsGarbageCollectedFuture(t *testing.T) {
	r := newRegistry()
	func() {
		f := newFuture[string]()
		register(r, f)
	}()

	for i := 0; i < 5; i++ {
		runtime.GC()
		r.scavenge(10)
		r.mu.RLock()
		n := len(r.data)
		r.mu.RUnlock()
		if n == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("garbage collected future was never scavenged")
}

func TestRegistry_RejectAllSettlesPendingFutures(t *testing.T) {
	r := newRegistry()
	f := newFuture[int]()
	register(r, f)

	wantErr := errors.New("shutdown")
	r.rejectAll(wantErr)

	_, err := f.Await()
	require.Equal(t, wantErr, err)

	r.mu.RLock()
	defer r.mu.RUnlock()
	require.Empty(t, r.data)
}

func TestSpawn_RegistersFutureInDefaultRegistry(t *testing.T) {
	before := defaultRegistry.count()
	future := Spawn(executor.Inline{}, stopctx.Token{}, func(c *Ctx) (int, error) {
		return 1, nil
	})
	_, err := future.Await()
	require.NoError(t, err)
	require.Greater(t, defaultRegistry.count(), before)
}
