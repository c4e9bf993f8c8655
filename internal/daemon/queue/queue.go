// Package queue holds the daemon's FIFO turn queue. There are no
// priorities: the conversation state is global, so turns from every client
// serialize through one line.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/jellyj/jelly-j/internal/zellij"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("turn queue closed")

// Turn is one admitted chat request waiting for the executor.
type Turn struct {
	RequestID string
	ClientID  string
	Text      string
	Session   string
	Env       zellij.EnvContext

	// QueuedAhead is the number of turns ahead of this one at admission:
	// the in-flight turn plus the queue length before insert. It is
	// reported in this request's chat_start.
	QueuedAhead int
}

// Queue is a mutex-guarded FIFO with a wakeup channel for the single
// executor goroutine.
type Queue struct {
	mu     sync.Mutex
	items  []*Turn
	closed bool
	// inFlight is set under mu the moment Dequeue hands a turn out and
	// cleared by Done, so Enqueue's QueuedAhead capture is atomic with
	// respect to the executor picking work up.
	inFlight bool
	wake     chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue admits a turn, capturing QueuedAhead from the in-flight state
// and queue depth. Duplicate request ids are admitted as distinct turns.
func (q *Queue) Enqueue(t *Turn) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	t.QueuedAhead = len(q.items)
	if q.inFlight {
		t.QueuedAhead++
	}
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a turn is available, the queue closes, or the
// context ends. The returned turn counts as in flight until Done.
func (q *Queue) Dequeue(ctx context.Context) (*Turn, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.inFlight = true
			q.mu.Unlock()
			return t, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Done marks the dequeued turn finished.
func (q *Queue) Done() {
	q.mu.Lock()
	q.inFlight = false
	q.mu.Unlock()
}

// Len returns the number of waiting turns.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further enqueues and unblocks Dequeue. Already-queued
// turns are still drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}
