package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int]()
	assert.True(t, q.Empty())

	for i := 0; i < 200; i++ {
		q.Push(i)
	}
	require.Equal(t, 200, q.Len())

	for i := 0; i < 200; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := q.TryPop()
	assert.False(t, ok)
	assert.True(t, q.Empty())
}

func TestQueue_InterleavedPushPopAcrossCompaction(t *testing.T) {
	q := New[int]()
	next := 0
	want := 0
	for round := 0; round < 50; round++ {
		for i := 0; i < 7; i++ {
			q.Push(next)
			next++
		}
		for i := 0; i < 5; i++ {
			v, ok := q.TryPop()
			require.True(t, ok)
			require.Equal(t, want, v)
			want++
		}
	}
	assert.Equal(t, next-want, q.Len())
}

func TestQueue_SingleProducerSingleConsumer(t *testing.T) {
	q := New[int]()
	const n = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(i)
		}
	}()

	got := make([]int, 0, n)
	for len(got) < n {
		if v, ok := q.TryPop(); ok {
			got = append(got, v)
		}
	}
	wg.Wait()

	for i, v := range got {
		require.Equal(t, i, v)
	}
}
