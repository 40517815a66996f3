package lib

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Transport is the connection side of a pending request: it assigns ids,
// keeps the registry of outstanding requests, writes to the wire and owns
// the authentication slot.
type Transport interface {
	NextMessageID() uint32
	Register(r *PendingRequest)
	Deregister(r *PendingRequest)

	// WriteRequest writes p and reports any transport failure.
	WriteRequest(ctx context.Context, p *Packet) error
	// WriteNotification queues p without waiting (abandon, unbind).
	WriteNotification(p *Packet) error

	BindSemaphore() *BindSemaphore
	SetBindProps(props *BindProps)

	// Signal wakes consumers waiting for a reply from any request.
	Signal()
}

// BindProps describes a bind request.
type BindProps struct {
	DN        string // bind identity
	Mechanism string // "" for simple binds
	MultiStep bool   // challenge/response bind spanning several round trips

	// Sequence is the message id of the first round trip of the multi-step
	// bind this request continues, or zero when starting a new bind.
	Sequence uint32
}

type requestState uint8

const (
	stateActive     requestState = iota // accepting replies
	stateCompleting                     // terminal reply buffered, not yet consumed
	stateComplete                       // terminal reply consumed
	stateAbandoned
)

func (s requestState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateCompleting:
		return "completing"
	case stateComplete:
		return "complete"
	case stateAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("state(%d)", s)
}

// PendingRequest tracks one outstanding operation and its replies.
type PendingRequest struct {
	id       uint32
	op       OpType
	deadline time.Duration
	queue    *ReplyQueue

	mu       sync.Mutex
	state    requestState
	t        Transport
	req      *Packet
	bind     *BindProps
	timer    *deadlineTimer
	listed   bool // held by the registry
	complete bool // a terminal reply was accepted
}

// Dispatch assigns req a message id, registers a PendingRequest for it on t
// and writes it. Bind requests first reserve the authentication slot, or
// reuse it when continuing the multi-step bind in progress. A non-zero
// deadline arms a client-side timeout, except for abandon and unbind.
//
// A write failure is returned directly; no request stays registered.
func Dispatch(ctx context.Context, t Transport, req *Packet, deadline time.Duration, bind *BindProps) (*PendingRequest, error) {
	req.MessageID = t.NextMessageID()

	r := &PendingRequest{
		id:       req.MessageID,
		op:       req.Op,
		deadline: deadline,
		queue:    newReplyQueue(),
		t:        t,
		req:      req,
		bind:     bind,
	}

	var sem *BindSemaphore
	if bind != nil {
		sem = t.BindSemaphore()
		if !bind.MultiStep || bind.Sequence == 0 || sem.Sequence() != bind.Sequence {
			if err := sem.Acquire(ctx, r.id); err != nil {
				return nil, err
			}
			if bind.MultiStep {
				sem.SetSequence(r.id)
			}
		}
	}

	r.listed = true
	t.Register(r)

	if err := t.WriteRequest(ctx, req); err != nil {
		r.mu.Lock()
		r.state = stateAbandoned
		r.mu.Unlock()
		r.queue.close(nil)
		if sem != nil {
			sem.ReleaseSequence(r.id)
		}
		r.deregister()
		return nil, err
	}

	if deadline > 0 && Abandonable(req.Op) {
		r.mu.Lock()
		if r.state == stateActive {
			r.timer = startDeadline(deadline, r.expire)
		}
		r.mu.Unlock()
	}

	return r, nil
}

func (r *PendingRequest) expire() {
	r.Abandon(ErrTimeout)
}

// ID returns the correlation id.
func (r *PendingRequest) ID() uint32 { return r.id }

// Op returns the operation type of the request.
func (r *PendingRequest) Op() OpType { return r.op }

// Deadline returns the client-side time limit, zero for none.
func (r *PendingRequest) Deadline() time.Duration { return r.deadline }

// Request returns the request packet, or nil once the request was abandoned.
func (r *PendingRequest) Request() *Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.req
}

// IsBind reports whether this is a bind request.
func (r *PendingRequest) IsBind() bool { return r.op == OpBindRequest }

// Deliver hands a decoded reply to the request. It returns false if the
// request no longer accepts replies, in which case p is dropped.
func (r *PendingRequest) Deliver(p Packet) bool {
	r.mu.Lock()
	if r.state != stateActive {
		r.mu.Unlock()
		return false
	}

	res := &Response{Packet: p, Request: r.req}
	terminal := res.Kind() == KindTerminal
	t := r.t

	if terminal {
		r.state = stateCompleting
		r.complete = true
		r.timer.cancel()
		r.timer = nil

		// only a multi-step bind keeps the slot across round trips
		if r.bind != nil && (!r.bind.MultiStep || p.Result != ResultSaslBindInProgress) {
			if p.Result == ResultSuccess {
				t.SetBindProps(r.bind)
			}
			t.BindSemaphore().ReleaseSequence(r.id)
		}
	}

	r.queue.push(res, terminal)
	r.mu.Unlock()

	t.Signal()
	return true
}

// Take returns the next reply. With block set it waits until a reply
// arrives, the request stops producing replies, or ctx is done. A nil reply
// with a nil error means there is nothing (more) to take.
//
// Consuming the terminal reply deregisters the request.
func (r *PendingRequest) Take(ctx context.Context, block bool) (*Response, error) {
	res, drained, err := r.queue.Take(ctx, block)
	if err != nil || res == nil {
		return nil, err
	}
	if drained {
		r.mu.Lock()
		finished := r.state == stateCompleting
		if finished {
			r.state = stateComplete
		}
		r.mu.Unlock()

		if finished {
			r.deregister()
		}
	}
	return res, nil
}

// Abandon cancels the request. Only the first call has an effect.
//
// An incomplete request stops its timer, frees the authentication slot if it
// is a bind, and notifies the server. A nil failure discards any buffered
// replies. A non-nil failure is queued after them as a final synthetic reply
// so a waiting consumer observes it instead of silence, even when the
// terminal reply was already buffered.
func (r *PendingRequest) Abandon(failure error) {
	r.abandon(failure, false)
}

// fail abandons the request only while it still waits for its result.
func (r *PendingRequest) fail(failure error) {
	r.abandon(failure, true)
}

func (r *PendingRequest) abandon(failure error, activeOnly bool) {
	r.mu.Lock()
	if r.state == stateAbandoned || r.state == stateComplete || (activeOnly && r.state != stateActive) {
		r.mu.Unlock()
		return
	}
	wasActive := r.state == stateActive
	r.state = stateAbandoned

	t, req, bind := r.t, r.req, r.bind
	r.timer.cancel()
	r.timer = nil
	r.mu.Unlock()

	if wasActive {
		// release before the notification, whose write may wait on the slot
		if bind != nil {
			t.BindSemaphore().ReleaseSequence(r.id)
		}
		if Abandonable(r.op) {
			_ = t.WriteNotification(AbandonPacket(r.id))
		}
	}

	var res *Response
	if failure != nil {
		code := ResultUserCancelled
		switch failure {
		case ErrTimeout:
			code = ResultTimeout
		case ErrConnectionLost:
			code = ResultServerDown
		}
		res = failureResponse(req, code, failure)
	}
	r.queue.close(res)

	t.Signal()
	r.deregister()

	r.mu.Lock()
	r.t = nil
	r.req = nil
	r.bind = nil
	r.mu.Unlock()
}

func (r *PendingRequest) deregister() {
	r.mu.Lock()
	listed, t := r.listed, r.t
	r.listed = false
	r.mu.Unlock()

	if listed && t != nil {
		t.Deregister(r)
	}
}

// IsComplete reports whether the terminal reply was received.
func (r *PendingRequest) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete
}

// IsAbandoned reports whether the request was abandoned.
func (r *PendingRequest) IsAbandoned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateAbandoned
}

// Done reports whether Take will never return another reply.
func (r *PendingRequest) Done() bool {
	return r.queue.Sealed() && r.queue.Len() == 0
}

// PendingCount returns the number of buffered replies, not counting a
// buffered terminal reply or synthetic failure.
func (r *PendingRequest) PendingCount() int {
	return r.queue.intermediates()
}

// AbandonPacket builds the notification cancelling request id.
func AbandonPacket(id uint32) *Packet {
	return &Packet{Op: OpAbandonRequest, Body: appendMessageID(nil, id)}
}

// UnbindPacket builds the unbind notification.
func UnbindPacket() *Packet {
	return &Packet{Op: OpUnbindRequest}
}
