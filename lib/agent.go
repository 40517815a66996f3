package lib

import (
	"context"
	"sync"
	"time"
)

// Agent consumes the replies of several requests on one connection in the
// order they become available.
type Agent struct {
	conn *Conn

	mu    sync.Mutex
	reqs  map[uint32]*PendingRequest
	order []uint32
	next  int
}

func NewAgent(conn *Conn) *Agent {
	return &Agent{conn: conn, reqs: make(map[uint32]*PendingRequest)}
}

// Send dispatches req on the agent's connection and tracks it.
func (a *Agent) Send(ctx context.Context, req *Packet, deadline time.Duration) (*PendingRequest, error) {
	r, err := a.conn.Dispatch(ctx, req, deadline, nil)
	if err != nil {
		return nil, err
	}
	a.Add(r)
	return r, nil
}

// Add tracks an already dispatched request.
func (a *Agent) Add(r *PendingRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.reqs[r.ID()]; !ok {
		a.order = append(a.order, r.ID())
	}
	a.reqs[r.ID()] = r
}

// Next returns the next reply from any tracked request. It returns
// ErrNoOutstanding once every tracked request is done.
func (a *Agent) Next(ctx context.Context) (*Response, error) {
	for {
		changed := a.conn.Changed()

		res, remaining := a.poll(ctx)
		if res != nil {
			return res, nil
		}
		if remaining == 0 {
			return nil, ErrNoOutstanding
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// poll takes one reply without blocking, starting after the request served
// last, and forgets requests that are done.
func (a *Agent) poll(ctx context.Context) (*Response, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.order)
	for i := 0; i < n; i++ {
		idx := (a.next + i) % n
		r := a.reqs[a.order[idx]]

		res, err := r.Take(ctx, false)
		if err == nil && res != nil {
			a.next = idx + 1
			a.pruneLocked()
			return res, len(a.order)
		}
	}
	a.pruneLocked()
	return nil, len(a.order)
}

func (a *Agent) pruneLocked() {
	kept := a.order[:0]
	for _, id := range a.order {
		if a.reqs[id].Done() {
			delete(a.reqs, id)
			continue
		}
		kept = append(kept, id)
	}
	a.order = kept
	if a.next >= len(a.order) {
		a.next = 0
	}
}

// Abandon abandons the tracked request id. A non-nil failure is returned by
// a later Next as the request's final reply.
func (a *Agent) Abandon(id uint32, failure error) bool {
	a.mu.Lock()
	r, ok := a.reqs[id]
	a.mu.Unlock()

	if !ok {
		return false
	}
	r.Abandon(failure)
	return true
}

// AbandonAll abandons every tracked request, discarding their replies.
func (a *Agent) AbandonAll() {
	a.mu.Lock()
	reqs := make([]*PendingRequest, 0, len(a.reqs))
	for _, r := range a.reqs {
		reqs = append(reqs, r)
	}
	a.reqs = make(map[uint32]*PendingRequest)
	a.order = nil
	a.next = 0
	a.mu.Unlock()

	for _, r := range reqs {
		r.Abandon(nil)
	}
}

// Outstanding returns the number of tracked requests with replies to come.
func (a *Agent) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, r := range a.reqs {
		if !r.Done() {
			n++
		}
	}
	return n
}

// IsComplete reports whether the terminal reply of request id was received.
func (a *Agent) IsComplete(id uint32) bool {
	a.mu.Lock()
	r, ok := a.reqs[id]
	a.mu.Unlock()
	return ok && r.IsComplete()
}

// Count returns the number of buffered, non-terminal replies of request id.
func (a *Agent) Count(id uint32) int {
	a.mu.Lock()
	r, ok := a.reqs[id]
	a.mu.Unlock()

	if !ok {
		return 0
	}
	return r.PendingCount()
}
