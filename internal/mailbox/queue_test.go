package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[string]()

	for _, s := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(s))
	}

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := New[int]()
	q.Close()
	q.Close() // idempotent

	assert.False(t, q.Enqueue(1))
	assert.True(t, q.Closed())
}

func TestQueue_CloseKeepsQueuedItems(t *testing.T) {
	q := New[int]()
	q.Enqueue(1)
	q.Enqueue(2)
	q.Close()

	v, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_WaitSignals(t *testing.T) {
	q := New[int]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(7)
	}()

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("wait did not signal")
	}
	v, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestForward_DeliversInOrderThenCloses(t *testing.T) {
	q := New[int]()
	out := make(chan int)
	stop := make(chan struct{})
	go Forward(q, out, stop)

	for i := 0; i < 50; i++ {
		q.Enqueue(i)
	}
	q.Close()

	var got []int
	for v := range out {
		got = append(got, v)
	}
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestForward_StopWithoutReader(t *testing.T) {
	q := New[int]()
	out := make(chan int)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Forward(q, out, stop)
		close(done)
	}()

	q.Enqueue(1) // nobody reads out
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward did not stop")
	}
}

func TestQueue_ThreadSafe(t *testing.T) {
	q := New[int]()

	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(id*1000 + i)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for {
		v, ok := q.TryDequeue()
		if !ok {
			break
		}
		seen[v] = true
	}
	assert.Len(t, seen, producers*perProducer)
}
