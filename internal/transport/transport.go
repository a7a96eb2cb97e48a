package transport

import (
	"rms/internal/bus"
)

// FragmentHandler receives one inbound fragment. The slice is only valid
// during the call.
type FragmentHandler func(fragment []byte)

// Subscription is the inbound side of the transport. Poll never blocks.
type Subscription interface {
	Poll(handler FragmentHandler, limit int) int
	Close() error
}

// Publication is the outbound side of the transport. Implementations are not
// safe for concurrent Offer calls.
type Publication interface {
	Offer(frame []byte) error
	Close() error
}

// QueueSubscription serves fragments from an in-process queue.
type QueueSubscription struct {
	q *bus.Queue
}

// NewQueueSubscription wraps q.
func NewQueueSubscription(q *bus.Queue) *QueueSubscription {
	return &QueueSubscription{q: q}
}

func (s *QueueSubscription) Poll(handler FragmentHandler, limit int) int {
	return s.q.Poll(func(f bus.Fragment) { handler(f.Data) }, limit)
}

func (s *QueueSubscription) Close() error {
	s.q.Close()
	return nil
}
