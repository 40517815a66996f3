package lib

import (
	"sync"
	"time"
)

// deadlineTimer is a cancelable one-shot alarm. It may still fire after
// cancel was called; callers make the fired action idempotent.
type deadlineTimer struct {
	t    *time.Timer
	stop chan struct{}
	once sync.Once
}

func startDeadline(d time.Duration, fire func()) *deadlineTimer {
	dt := &deadlineTimer{
		t:    timerPool.acquire(d),
		stop: make(chan struct{}),
	}

	go func() {
		defer timerPool.release(dt.t)

		select {
		case <-dt.t.C:
			fire()
		case <-dt.stop:
		}
	}()

	return dt
}

func (dt *deadlineTimer) cancel() {
	if dt == nil {
		return
	}
	dt.once.Do(func() { close(dt.stop) })
}
