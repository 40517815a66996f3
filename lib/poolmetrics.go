package lib

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var DefaultTickerDuration = 1 * time.Second

// na + nr equal the total number of acquires since the last fold
// na + nr - np equal the number of values still out of the pool.
type PoolMetrics struct {
	na uint32 // number of new acquires
	nr uint32 // number of reuse from pool
	np uint32 // number of put back to pool

	naa uint64 // accumulative
	nra uint64 // accumulative
	npa uint64 // accumulative

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// PoolStats is a point-in-time copy of a pool's counters, folded totals included.
type PoolStats struct {
	New, Reused, Returned uint64
}

func newPoolMetrics() *PoolMetrics {
	return &PoolMetrics{}
}

// start folds the window counters into the totals on every tick until release.
func (p *PoolMetrics) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	ticker := time.NewTicker(DefaultTickerDuration)

	go func(stop, done chan struct{}) {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.fold()
			case <-stop:
				p.fold()
				return
			}
		}
	}(p.stop, p.done)
}

func (p *PoolMetrics) release() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (p *PoolMetrics) fold() {
	atomic.AddUint64(&p.naa, uint64(atomic.SwapUint32(&p.na, 0)))
	atomic.AddUint64(&p.nra, uint64(atomic.SwapUint32(&p.nr, 0)))
	atomic.AddUint64(&p.npa, uint64(atomic.SwapUint32(&p.np, 0)))
}

func (p *PoolMetrics) stats() PoolStats {
	return PoolStats{
		New:      atomic.LoadUint64(&p.naa) + uint64(atomic.LoadUint32(&p.na)),
		Reused:   atomic.LoadUint64(&p.nra) + uint64(atomic.LoadUint32(&p.nr)),
		Returned: atomic.LoadUint64(&p.npa) + uint64(atomic.LoadUint32(&p.np)),
	}
}

func (p *PoolMetrics) metricsString() string {
	return fmt.Sprintf("[ %v|%v|%v, %v|%v|%v ]",
		atomic.LoadUint32(&p.na), atomic.LoadUint32(&p.nr), atomic.LoadUint32(&p.np),
		atomic.LoadUint64(&p.naa), atomic.LoadUint64(&p.nra), atomic.LoadUint64(&p.npa),
	)
}

// TimerPoolStats reports the deadline timer pool counters.
func TimerPoolStats() PoolStats { return timerPool.m.stats() }

// PendingWritePoolStats reports the write queue pool counters.
func PendingWritePoolStats() PoolStats { return pendingWritePool.m.stats() }

// ContextPoolStats reports the server handler context pool counters.
func ContextPoolStats() PoolStats { return contextPool.m.stats() }
