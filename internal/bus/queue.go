package bus

import (
	"errors"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("fragment queue full")
	ErrQueueClosed = errors.New("fragment queue closed")
)

// Fragment is one inbound byte fragment and the connection it came from.
type Fragment struct {
	Source uint32
	Data   []byte
}

// Queue is a bounded, non-blocking fragment queue. Any number of goroutines
// may publish; consumers poll without blocking.
type Queue struct {
	ch      chan Fragment
	closed  uint32
	dropped uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Fragment, capacity)}
}

// TryPublish enqueues a fragment without blocking.
func (q *Queue) TryPublish(f Fragment) (err error) {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	defer func() {
		// send raced with Close
		if recover() != nil {
			err = ErrQueueClosed
		}
	}()
	select {
	case q.ch <- f:
		return nil
	default:
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// TryConsume pops one fragment if available.
func (q *Queue) TryConsume() (Fragment, bool) {
	select {
	case f, ok := <-q.ch:
		return f, ok
	default:
		return Fragment{}, false
	}
}

// Poll hands up to limit queued fragments to handler and returns the count.
func (q *Queue) Poll(handler func(Fragment), limit int) int {
	n := 0
	for limit <= 0 || n < limit {
		f, ok := q.TryConsume()
		if !ok {
			break
		}
		handler(f)
		n++
	}
	return n
}

// Len returns the number of queued fragments.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns how many fragments were refused because the queue was full.
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// Close stops the queue from accepting new fragments. Queued fragments can
// still be consumed.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}
