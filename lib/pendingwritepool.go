package lib

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

type pendingWrite struct {
	buf  *bytebufferpool.ByteBuffer // encoded frame
	wait bool                       // signal to caller if they're waiting
	err  error                      // keeps track of any socket errors on write
	wg   sync.WaitGroup             // signals the caller that this write is complete
}

// PendingWritePool recycles the entries of a connection's write queue. Each
// entry carries one encoded frame (a request, a reply or a notification)
// until the writer goroutine flushes it.
type PendingWritePool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *PendingWritePool) acquire(buf *bytebufferpool.ByteBuffer, wait bool) *pendingWrite {
	v := p.sp.Get()
	if v == nil {
		v = &pendingWrite{}
		atomic.AddUint32(&p.m.na, uint32(1))
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}

	pw := v.(*pendingWrite)
	pw.buf = buf
	pw.wait = wait
	pw.err = nil
	return pw
}

func (p *PendingWritePool) release(pw *pendingWrite) {
	pw.buf = nil
	pw.err = nil
	p.sp.Put(pw)
	atomic.AddUint32(&p.m.np, uint32(1))
}
