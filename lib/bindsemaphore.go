package lib

import (
	"context"
	"sync"
)

// BindSemaphore guards a connection's authentication slot. At most one bind
// sequence holds it at a time. A multi-step bind keeps it across round trips
// under a connection-level sequence id.
//
// Message ids are never zero, so zero means "free" for the owner and "none"
// for the sequence.
type BindSemaphore struct {
	mu    sync.Mutex
	owner uint32
	seq   uint32
	wake  chan struct{}
}

func (s *BindSemaphore) init() {
	if s.wake == nil {
		s.wake = make(chan struct{})
	}
}

// Acquire blocks until the slot is free and reserves it under id. Acquiring
// a slot already held by id returns immediately.
func (s *BindSemaphore) Acquire(ctx context.Context, id uint32) error {
	for {
		s.mu.Lock()
		s.init()
		if s.owner == 0 || s.owner == id {
			s.owner = id
			s.mu.Unlock()
			return nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees the slot if it is held by id. Releasing a slot held by
// someone else, or a free slot, is a no-op that returns false.
func (s *BindSemaphore) Release(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(id)
}

func (s *BindSemaphore) releaseLocked(id uint32) bool {
	if id == 0 || s.owner != id {
		return false
	}
	s.owner = 0
	s.init()
	close(s.wake)
	s.wake = make(chan struct{})
	return true
}

// ReleaseSequence releases the slot through whichever id is authoritative:
// the current sequence id if one is set (clearing it), otherwise requestID.
func (s *BindSemaphore) ReleaseSequence(requestID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := requestID
	if s.seq != 0 {
		id = s.seq
		s.seq = 0
	}
	return s.releaseLocked(id)
}

// Sequence returns the id of the multi-step bind in progress, or zero.
func (s *BindSemaphore) Sequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SetSequence marks id as the multi-step bind in progress.
func (s *BindSemaphore) SetSequence(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = id
}

// ClearSequence forgets the multi-step bind in progress without releasing.
func (s *BindSemaphore) ClearSequence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = 0
}

// Owner returns the id holding the slot, or zero.
func (s *BindSemaphore) Owner() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// WaitIdle blocks until no bind holds the slot.
func (s *BindSemaphore) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		s.init()
		if s.owner == 0 {
			s.mu.Unlock()
			return nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
