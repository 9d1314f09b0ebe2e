package queue_test

import (
	"sync"
	"testing"

	"github.com/joeycumines/go-iocoro/queue"
	"github.com/stretchr/testify/require"
)

func TestPosted_DrainRunsInFIFOOrder(t *testing.T) {
	var q queue.Posted
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Post(func() { order = append(order, i) })
	}
	n := q.Drain()
	require.Equal(t, 5, n)
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPosted_DrainEmptyIsNoop(t *testing.T) {
	var q queue.Posted
	require.Equal(t, 0, q.Drain())
}

func TestPosted_PostDuringDrainIsPickedUpNextDrain(t *testing.T) {
	var q queue.Posted
	var ran []string
	q.Post(func() {
		ran = append(ran, "first")
		q.Post(func() { ran = append(ran, "reentrant") })
	})
	q.Drain()
	require.Equal(t, []string{"first"}, ran)
	q.Drain()
	require.Equal(t, []string{"first", "reentrant"}, ran)
}

func TestPosted_SpansMultipleChunks(t *testing.T) {
	var q queue.Posted
	const n = 512 // > one chunk (128)
	count := 0
	for i := 0; i < n; i++ {
		q.Post(func() { count++ })
	}
	require.Equal(t, n, q.Drain())
	require.Equal(t, n, count)
}

func TestPosted_ConcurrentPost(t *testing.T) {
	var q queue.Posted
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Post(func() {})
		}()
	}
	wg.Wait()
	require.Equal(t, 50, q.Drain())
}

func TestWorkGuard_AddAndCount(t *testing.T) {
	var g queue.WorkGuard
	g.Add(3)
	g.Add(-1)
	require.Equal(t, 2, g.Count())
}

func TestWorkGuard_NegativePanics(t *testing.T) {
	var g queue.WorkGuard
	require.Panics(t, func() { g.Add(-1) })
}
