// Package reqqueue implements the dual priority request-queue scheduler
// (spec §4.E): two FIFO queues, NORMAL and PRIORITY, each with its own
// time-ordered list of Scheduled Events and its own worker goroutine.
package reqqueue

import (
	"container/heap"
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Enqueue once the queue has been closed.
var ErrClosed = errors.New("reqqueue: queue is closed")

// Code is a host request code. The scheduler treats it as an opaque key
// for priority/admission lookups; it does not interpret the value.
type Code int

// Request is a host-initiated work item (§3 Request).
type Request struct {
	Code    Code
	Payload interface{}
	Token   interface{}
}

// Event is a callback plus parameter with an absolute firing time (§3
// Scheduled Event).
type Event struct {
	At       time.Time
	Callback func(param interface{})
	Param    interface{}

	index int   // heap bookkeeping
	seq   int64 // insertion order, for tiebreaking equal At values
}

// eventHeap orders Events by ascending absolute time, ties breaking in
// insertion order (via a monotonically increasing sequence number set by
// the heap's seq field in Queue).
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].At.Equal(h[j].At) {
		return h[i].seq < h[j].seq
	}
	return h[i].At.Before(h[j].At)
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *eventHeap) Push(x interface{}) {
	e := x.(*Event)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is one of the two scheduler queues: a FIFO of Requests and a
// time-ordered list of Events, served by exactly one worker.
type Queue struct {
	mu      sync.Mutex
	reqs    *list.List
	events  eventHeap
	seq     int64
	enabled bool
	closed  bool
	wake    chan struct{}
}

// New creates an open, enabled Queue.
func New() *Queue {
	return &Queue{
		reqs:    list.New(),
		enabled: true,
		wake:    make(chan struct{}, 1),
	}
}

// SetEnabled sets the queue's enabled flag. A disabled queue models the
// PRIORITY queue being unavailable: Scheduler.Submit then routes
// High-priority requests to NORMAL. Enqueue and Schedule do not check
// the flag.
func (q *Queue) SetEnabled(enabled bool) {
	q.mu.Lock()
	q.enabled = enabled
	q.mu.Unlock()
}

// Enabled reports the queue's enabled flag.
func (q *Queue) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends r to the FIFO.
func (q *Queue) Enqueue(r *Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.reqs.PushBack(r)
	q.mu.Unlock()
	q.notify()
	return nil
}

// Schedule adds e to the time-ordered event list.
func (q *Queue) Schedule(e *Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	e.seq = q.seq
	wasEarliest := len(q.events) == 0 || e.At.Before(q.events[0].At)
	heap.Push(&q.events, e)
	q.mu.Unlock()
	if wasEarliest {
		q.notify()
	}
	return nil
}

// Close marks the queue closed and wakes the worker so it can drain and
// exit. Pending requests already in the FIFO are NOT discarded; the
// worker drains them (Run documents the exact drain semantics).
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Len reports the number of requests currently queued (tests only).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reqs.Len()
}

// Run is the worker loop of §4.E: it blocks, handling requests and firing
// events in the order the spec's pseudocode describes, until the queue is
// closed and drained of pending requests. handle is invoked with the
// queue's mutex released.
func (q *Queue) Run(handle func(*Request)) {
	for {
		q.mu.Lock()
		for {
			if q.reqs.Len() > 0 {
				break
			}
			if q.closed {
				q.mu.Unlock()
				return
			}
			if len(q.events) > 0 {
				wait := time.Until(q.events[0].At)
				if wait <= 0 {
					break
				}
				q.mu.Unlock()
				timer := time.NewTimer(wait)
				select {
				case <-q.wake:
				case <-timer.C:
				}
				timer.Stop()
				q.mu.Lock()
				continue
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}

		var req *Request
		if front := q.reqs.Front(); front != nil {
			req = front.Value.(*Request)
			q.reqs.Remove(front)
		}
		var ev *Event
		if len(q.events) > 0 && !q.events[0].At.After(time.Now()) {
			ev = heap.Pop(&q.events).(*Event)
		}
		q.mu.Unlock()

		if ev != nil {
			ev.Callback(ev.Param)
		}
		if req != nil {
			handle(req)
		}
	}
}
