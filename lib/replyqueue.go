package lib

import (
	"context"
	"sync"
)

// ReplyQueue holds the replies of one request in arrival order.
//
// A queue is sealed once no further replies can arrive: after the terminal
// reply was pushed, or after the owning request was abandoned. Blocking
// takes on a sealed, empty queue return immediately.
type ReplyQueue struct {
	mu     sync.Mutex
	items  []*Response
	sealed bool
	wake   chan struct{} // closed and replaced on every change
}

func newReplyQueue() *ReplyQueue {
	return &ReplyQueue{wake: make(chan struct{})}
}

// push appends res, sealing the queue if seal is set. It is a no-op on a
// sealed queue.
func (q *ReplyQueue) push(res *Response, seal bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sealed {
		return false
	}
	q.items = append(q.items, res)
	q.sealed = seal
	q.broadcastLocked()
	return true
}

// close seals the queue. A nil failure discards any buffered replies,
// otherwise failure is appended after them.
func (q *ReplyQueue) close(failure *Response) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if failure == nil {
		for i := range q.items {
			q.items[i] = nil
		}
		q.items = q.items[:0]
	} else {
		q.items = append(q.items, failure)
	}
	q.sealed = true
	q.broadcastLocked()
}

func (q *ReplyQueue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Take removes and returns the oldest reply.
//
// drained reports, atomically with the removal, that the queue is sealed and
// now empty. With block unset, or once the queue is sealed and empty, Take
// returns a nil reply without waiting.
func (q *ReplyQueue) Take(ctx context.Context, block bool) (res *Response, drained bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			res = q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			drained = q.sealed && len(q.items) == 0
			q.mu.Unlock()
			return res, drained, nil
		}
		if !block || q.sealed {
			q.mu.Unlock()
			return nil, false, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Len returns the number of buffered replies.
func (q *ReplyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// intermediates returns the number of buffered non-terminal replies.
func (q *ReplyQueue) intermediates() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, res := range q.items {
		if res.Kind() != KindTerminal {
			n++
		}
	}
	return n
}

// Sealed reports whether further replies can still arrive.
func (q *ReplyQueue) Sealed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sealed
}
