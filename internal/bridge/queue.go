package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/ehrlich-b/perch/internal/engine"
)

// ErrPullInFlight is returned when Next is called while a previous Next is
// still outstanding. The bridge guarantees exactly one outstanding pull per
// session; a second concurrent pull is a contract violation, not a race to
// tolerate.
var ErrPullInFlight = errors.New("queue: pull already in flight")

// Queue feeds client-submitted turns into a live pull-based engine input
// stream. Multiple producers may Push; a single consumer pulls with Next.
// Push delivers immediately to a waiting consumer, or buffers otherwise.
type Queue struct {
	mu     sync.Mutex
	items  []engine.Turn
	waiter chan engine.Turn
	ended  bool
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push adds a turn. Safe after End (the item is dropped).
func (q *Queue) Push(t engine.Turn) {
	q.mu.Lock()
	if q.ended {
		q.mu.Unlock()
		return
	}
	if q.waiter != nil {
		w := q.waiter
		q.waiter = nil
		q.mu.Unlock()
		w <- t
		return
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
}

// End signals completion to the consumer. Idempotent.
func (q *Queue) End() {
	q.mu.Lock()
	if q.ended {
		q.mu.Unlock()
		return
	}
	q.ended = true
	w := q.waiter
	q.waiter = nil
	q.mu.Unlock()
	if w != nil {
		close(w)
	}
}

// Next returns the next turn, blocking until one is pushed, the queue is
// ended (ok=false), or ctx is done.
func (q *Queue) Next(ctx context.Context) (t engine.Turn, ok bool, err error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		t = q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return t, true, nil
	}
	if q.ended {
		q.mu.Unlock()
		return engine.Turn{}, false, nil
	}
	if q.waiter != nil {
		q.mu.Unlock()
		return engine.Turn{}, false, ErrPullInFlight
	}
	w := make(chan engine.Turn, 1)
	q.waiter = w
	q.mu.Unlock()

	select {
	case t, ok := <-w:
		return t, ok, nil
	case <-ctx.Done():
		q.mu.Lock()
		if q.waiter == w {
			q.waiter = nil
		}
		q.mu.Unlock()
		return engine.Turn{}, false, ctx.Err()
	}
}

// Len reports the number of buffered turns.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
