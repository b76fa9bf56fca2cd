package signal

import (
	"sync"

	"meshcall/internal/core/domain"
)

// eventQueue buffers inbound events without bound and feeds them, in
// order, to a channel. Producers never block on a slow consumer.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []domain.TransportEvent
	closed bool

	out       chan domain.TransportEvent
	done      chan struct{}
	abortOnce sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		out:  make(chan domain.TransportEvent),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *eventQueue) push(ev domain.TransportEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	q.cond.Signal()
	return true
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.events) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.events) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.events[0]
		q.events = q.events[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}

// finish stops accepting events; those already queued are still delivered
// before the output channel closes.
func (q *eventQueue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// abort drops undelivered events and closes the output channel.
func (q *eventQueue) abort() {
	q.finish()
	q.abortOnce.Do(func() { close(q.done) })
}
