package reqqueue

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAndRunServesFIFOOrder(t *testing.T) {
	q := New()
	var got []int
	done := make(chan struct{})
	go q.Run(func(r *Request) {
		got = append(got, r.Payload.(int))
		if len(got) == 3 {
			close(done)
		}
	})

	require.NoError(t, q.Enqueue(&Request{Payload: 1}))
	require.NoError(t, q.Enqueue(&Request{Payload: 2}))
	require.NoError(t, q.Enqueue(&Request{Payload: 3}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for requests to drain")
	}
	assert.Equal(t, []int{1, 2, 3}, got)
	q.Close()
}

func TestEnqueueAfterCloseReturnsErrClosed(t *testing.T) {
	q := New()
	q.Close()
	err := q.Enqueue(&Request{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScheduleFiresCallbackAtItsTime(t *testing.T) {
	q := New()
	fired := make(chan struct{})
	go q.Run(func(*Request) {})

	require.NoError(t, q.Schedule(&Event{
		At:       time.Now().Add(20 * time.Millisecond),
		Callback: func(interface{}) { close(fired) },
	}))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("event never fired")
	}
	q.Close()
}

func TestScheduleOrdersEventsByTime(t *testing.T) {
	q := New()
	var order []int
	done := make(chan struct{})
	go q.Run(func(*Request) {})

	now := time.Now()
	require.NoError(t, q.Schedule(&Event{
		At: now.Add(40 * time.Millisecond),
		Callback: func(interface{}) {
			order = append(order, 2)
			close(done)
		},
	}))
	require.NoError(t, q.Schedule(&Event{
		At: now.Add(10 * time.Millisecond),
		Callback: func(interface{}) {
			order = append(order, 1)
		},
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events never fired")
	}
	assert.Equal(t, []int{1, 2}, order)
	q.Close()
}

func TestScheduleBreaksEqualTimeTiesByInsertionOrder(t *testing.T) {
	q := New()
	at := time.Now().Add(10 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Schedule(&Event{At: at}))
	}
	for _, want := range []int64{1, 2, 3, 4, 5} {
		assert.Equal(t, want, q.events[0].seq)
		heap.Pop(&q.events)
	}
}

func TestLenReflectsQueueDepth(t *testing.T) {
	q := New()
	assert.Equal(t, 0, q.Len())
	require.NoError(t, q.Enqueue(&Request{}))
	assert.Equal(t, 1, q.Len())
}
