package executor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-iocoro/executor"
	"github.com/joeycumines/go-iocoro/ioctx"
	"github.com/stretchr/testify/require"
)

func TestFromContext_PostRunsOnOwningLoop(t *testing.T) {
	c, err := ioctx.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ex := executor.FromContext(c)
	var onLoop bool
	ex.Post(func() {
		onLoop = ex.IOContext().IsLoopGoroutine()
		c.Stop()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	require.True(t, onLoop)
}

func TestFromContext_EqualSameUnderlyingContext(t *testing.T) {
	c, err := ioctx.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	a := executor.FromContext(c)
	b := executor.FromContext(c)
	require.True(t, a.Equal(b))

	c2, err := ioctx.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c2.Close() })
	require.False(t, a.Equal(executor.FromContext(c2)))
}

func TestInline_RunsSynchronously(t *testing.T) {
	var ran bool
	executor.Inline{}.Post(func() { ran = true })
	require.True(t, ran)
}

func TestInline_EqualsOnlyInline(t *testing.T) {
	require.True(t, executor.Inline{}.Equal(executor.Inline{}))
	require.False(t, executor.Inline{}.Equal(poolExecutor{}))
}

func TestStrand_EqualsOnlySameInstance(t *testing.T) {
	s1 := executor.NewStrand(poolExecutor{})
	s2 := executor.NewStrand(poolExecutor{})
	require.True(t, s1.Equal(s1))
	require.False(t, s1.Equal(s2))
}

func TestFunc_DelegatesToUnderlying(t *testing.T) {
	var got []int
	f := executor.Func(func(fn func()) { fn() })
	f.Post(func() { got = append(got, 1) })
	f.Dispatch(func() { got = append(got, 2) })
	require.Equal(t, []int{1, 2}, got)
}

// poolExecutor is a minimal goroutine-per-post Executor used only to give
// Strand something concurrent to serialize against.
type poolExecutor struct{}

func (poolExecutor) Post(fn func())     { go fn() }
func (poolExecutor) Dispatch(fn func()) { go fn() }
func (poolExecutor) Equal(other executor.Executor) bool {
	_, ok := other.(poolExecutor)
	return ok
}

func TestStrand_SerializesConcurrentPosts(t *testing.T) {
	s := executor.NewStrand(poolExecutor{})

	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	var done atomic.Int32
	const total = 50

	var wg sync.WaitGroup
	wg.Add(total)
	for i := 0; i < total; i++ {
		s.Post(func() {
			defer wg.Done()
			cur := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			done.Add(1)
		})
	}
	wg.Wait()

	require.Equal(t, int32(total), done.Load())
	require.Equal(t, int32(1), maxInFlight.Load())
}

func TestStrand_DispatchInlinesWhenAlreadyOnStrand(t *testing.T) {
	s := executor.NewStrand(poolExecutor{})

	done := make(chan struct{})
	var order []int
	var mu sync.Mutex

	s.Post(func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()

		s.Dispatch(func() {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
		})

		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
		close(done)
	})

	<-done
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestStrand_DifferentStrandsRunConcurrently(t *testing.T) {
	s1 := executor.NewStrand(poolExecutor{})
	s2 := executor.NewStrand(poolExecutor{})

	var wg sync.WaitGroup
	var maxInFlight atomic.Int32
	var inFlight atomic.Int32
	const perStrand = 10

	post := func(s *executor.Strand) {
		wg.Add(1)
		s.Post(func() {
			defer wg.Done()
			cur := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
		})
	}
	for i := 0; i < perStrand; i++ {
		post(s1)
		post(s2)
	}
	wg.Wait()

	require.GreaterOrEqual(t, maxInFlight.Load(), int32(2))
}
