package lib

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithdew/bytesutil"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sync/errgroup"
)

var _ Transport = (*Conn)(nil)

const (
	DefaultReadBufferSize  = 4096
	DefaultWriteBufferSize = 4096
)

// Conn multiplexes requests over one transport. It is the registry of
// pending requests keyed by message id; its reader task routes every decoded
// reply to the request it correlates with.
type Conn struct {
	Handler   Handler
	ConnState ConnStateHandler

	ReadBufferSize  int
	WriteBufferSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *zerolog.Logger

	id   xid.ID
	conn net.Conn
	log  atomic.Pointer[zerolog.Logger]

	mu      sync.Mutex
	once    sync.Once
	started bool
	closing bool

	writerQueue []*pendingWrite
	writerCond  sync.Cond
	writerDone  bool

	reqs map[uint32]*PendingRequest
	seq  uint32

	bindSem   BindSemaphore
	bindProps *BindProps

	wakeMu sync.Mutex
	wake   chan struct{}

	done chan struct{}
	err  error
}

// NewConn wraps nc. Configure the exported fields, then call Serve.
func NewConn(nc net.Conn) *Conn {
	c := &Conn{
		id:   xid.New(),
		conn: nc,
		reqs: make(map[uint32]*PendingRequest),
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.writerCond.L = &c.mu
	c.log.Store(&nopLogger)
	return c
}

// ID returns the connection id used in logs.
func (c *Conn) ID() string { return c.id.String() }

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Serve runs the reader and writer tasks until the connection closes. It
// returns nil after Close, otherwise the error that ended the connection.
func (c *Conn) Serve() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("conn already serving")
	}
	c.started = true
	log := loggerOrNop(c.Logger).With().
		Str("conn_id", c.id.String()).
		Str("remote", c.conn.RemoteAddr().String()).
		Logger()
	c.log.Store(&log)
	c.mu.Unlock()

	c.connState(StateNew)

	var g errgroup.Group
	g.Go(func() error {
		defer c.shutdown()
		return c.writeLoop(bufio.NewWriterSize(c.conn, c.writeBufferSize()))
	})
	g.Go(func() error {
		defer c.shutdown()
		return c.readLoop(bufio.NewReaderSize(c.conn, c.readBufferSize()))
	})
	err := g.Wait()

	c.mu.Lock()
	if c.closing {
		err = nil
	}
	c.err = err
	c.mu.Unlock()

	c.teardown()
	c.connState(StateClosed)
	close(c.done)

	if err != nil {
		c.logger().Debug().Err(err).Msg("connection ended")
	}
	return err
}

// Close flushes queued writes and closes the connection, waiting for Serve
// to return if it is running.
func (c *Conn) Close() error {
	c.mu.Lock()
	started := c.started
	c.started = true
	c.closing = true
	c.writerDone = true
	c.writerCond.Broadcast()
	c.mu.Unlock()

	if !started {
		c.shutdown()
		c.teardown()
		close(c.done)
		return nil
	}
	<-c.done
	return nil
}

// Done is closed once the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) logger() *zerolog.Logger { return c.log.Load() }

func (c *Conn) readBufferSize() int {
	if c.ReadBufferSize > 0 {
		return c.ReadBufferSize
	}
	return DefaultReadBufferSize
}

func (c *Conn) writeBufferSize() int {
	if c.WriteBufferSize > 0 {
		return c.WriteBufferSize
	}
	return DefaultWriteBufferSize
}

func (c *Conn) connState(state ConnState) {
	if c.ConnState != nil {
		c.ConnState.HandleConnState(c, state)
	}
}

// shutdown closes the transport and fails every write still queued.
func (c *Conn) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.writerDone = true
		queue := c.writerQueue
		c.writerQueue = nil
		c.writerCond.Broadcast()
		c.mu.Unlock()

		for _, pw := range queue {
			c.completeWrite(pw, ErrConnClosed)
		}
		_ = c.conn.Close()
	})
}

// teardown fails every request still waiting for its result and frees the
// authentication slot.
func (c *Conn) teardown() {
	c.mu.Lock()
	reqs := make([]*PendingRequest, 0, len(c.reqs))
	for _, r := range c.reqs {
		reqs = append(reqs, r)
	}
	c.mu.Unlock()

	for _, r := range reqs {
		r.fail(ErrConnectionLost)
	}

	c.bindSem.ReleaseSequence(0)
	c.bindSem.Release(c.bindSem.Owner())

	c.Signal()
}

func (c *Conn) writeLoop(bw *bufio.Writer) error {
	for {
		c.mu.Lock()
		for !c.writerDone && len(c.writerQueue) == 0 {
			c.writerCond.Wait()
		}
		done, queue := c.writerDone, c.writerQueue
		c.writerQueue = nil
		c.mu.Unlock()

		if done && len(queue) == 0 {
			return bw.Flush()
		}

		if c.WriteTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
		}

		var err error
		for _, pw := range queue {
			if err == nil {
				_, err = bw.Write(pw.buf.B)
			}
		}
		if err == nil {
			err = bw.Flush()
		}
		for _, pw := range queue {
			c.completeWrite(pw, err)
		}
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
	}
}

func (c *Conn) completeWrite(pw *pendingWrite, err error) {
	if pw.wait {
		pw.err = err
		pw.wg.Done()
		return
	}
	bytebufferpool.Put(pw.buf)
	pendingWritePool.release(pw)
}

func (c *Conn) readLoop(br *bufio.Reader) error {
	var header [4]byte

	for {
		if c.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		}

		if _, err := io.ReadFull(br, header[:]); err != nil {
			return err
		}
		size := bytesutil.Uint32BE(header[:])
		if size > MaxFrameSize {
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}

		// frames are retained by consumers, so each gets its own buffer
		frame := make([]byte, size)
		if _, err := io.ReadFull(br, frame); err != nil {
			return err
		}

		packet, err := UnmarshalPacket(frame)
		if err != nil {
			return fmt.Errorf("failed to decode packet: %w", err)
		}

		c.route(packet)
	}
}

func (c *Conn) route(p Packet) {
	c.mu.Lock()
	r := c.reqs[p.MessageID]
	c.mu.Unlock()

	if r != nil {
		if !r.Deliver(p) {
			c.logger().Debug().Uint32("msg_id", p.MessageID).Str("op", OpName(p.Op)).Msg("dropping reply for finished request")
		}
		return
	}

	if c.Handler == nil {
		c.logger().Debug().Uint32("msg_id", p.MessageID).Str("op", OpName(p.Op)).Msg("dropping unmatched reply")
		return
	}

	ctx := contextPool.acquire(c, p)
	err := c.Handler.HandleMessage(ctx)
	contextPool.release(ctx)

	if err != nil {
		c.logger().Warn().Err(err).Uint32("msg_id", p.MessageID).Str("op", OpName(p.Op)).Msg("handler failed")
	}
}

func (c *Conn) send(p *Packet, wait bool) error {
	buf := bytebufferpool.Get()
	buf.B = p.AppendFrameTo(buf.B[:0])

	pw := pendingWritePool.acquire(buf, wait)
	if wait {
		pw.wg.Add(1)
	}

	c.mu.Lock()
	if c.writerDone {
		c.mu.Unlock()
		if wait {
			pw.wg.Done()
		}
		bytebufferpool.Put(buf)
		pendingWritePool.release(pw)
		return ErrConnClosed
	}
	c.writerQueue = append(c.writerQueue, pw)
	c.writerCond.Signal()
	c.mu.Unlock()

	if !wait {
		return nil
	}

	pw.wg.Wait()
	err := pw.err
	bytebufferpool.Put(buf)
	pendingWritePool.release(pw)
	return err
}

// NextMessageID returns a non-zero id not held by any outstanding request.
func (c *Conn) NextMessageID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		c.seq++
		if c.seq == 0 {
			continue
		}
		if _, taken := c.reqs[c.seq]; !taken {
			return c.seq
		}
	}
}

func (c *Conn) Register(r *PendingRequest) {
	c.mu.Lock()
	c.reqs[r.ID()] = r
	c.mu.Unlock()

	c.logger().Trace().Uint32("msg_id", r.ID()).Str("op", OpName(r.Op())).Msg("registered request")
}

func (c *Conn) Deregister(r *PendingRequest) {
	c.mu.Lock()
	if cur, ok := c.reqs[r.ID()]; ok && cur == r {
		delete(c.reqs, r.ID())
	}
	c.mu.Unlock()

	c.logger().Trace().Uint32("msg_id", r.ID()).Msg("deregistered request")
}

// Lookup returns the outstanding request with the given id.
func (c *Conn) Lookup(id uint32) (*PendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reqs[id]
	return r, ok
}

// Outstanding returns the number of registered requests.
func (c *Conn) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

// WriteRequest writes p and waits for the write to complete. Requests other
// than binds wait while a bind holds the authentication slot.
func (c *Conn) WriteRequest(ctx context.Context, p *Packet) error {
	if p.Op != OpBindRequest {
		if err := c.bindSem.WaitIdle(ctx); err != nil {
			return err
		}
	}
	return c.send(p, true)
}

// WriteNotification queues p without waiting, assigning it a message id
// if it has none.
func (c *Conn) WriteNotification(p *Packet) error {
	if p.MessageID == 0 {
		p.MessageID = c.NextMessageID()
	}
	return c.send(p, false)
}

// Reply queues a reply to request id.
func (c *Conn) Reply(id uint32, p *Packet) error {
	p.MessageID = id
	return c.send(p, false)
}

// Dispatch sends req as a tracked request on this connection.
func (c *Conn) Dispatch(ctx context.Context, req *Packet, deadline time.Duration, bind *BindProps) (*PendingRequest, error) {
	return Dispatch(ctx, c, req, deadline, bind)
}

func (c *Conn) BindSemaphore() *BindSemaphore { return &c.bindSem }

func (c *Conn) SetBindProps(props *BindProps) {
	c.mu.Lock()
	c.bindProps = props
	c.mu.Unlock()

	c.logger().Debug().Str("dn", props.DN).Str("mechanism", props.Mechanism).Msg("bound")
}

// BindProps returns the properties of the last successful bind, or nil.
func (c *Conn) BindProps() *BindProps {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindProps
}

// AbortBindSequence gives up the multi-step bind in progress, freeing the
// authentication slot it holds.
func (c *Conn) AbortBindSequence() bool {
	return c.bindSem.ReleaseSequence(0)
}

// Signal wakes everyone waiting on Changed.
func (c *Conn) Signal() {
	c.wakeMu.Lock()
	close(c.wake)
	c.wake = make(chan struct{})
	c.wakeMu.Unlock()
}

// Changed returns a channel closed on the next Signal. Grab it before
// polling requests so that no wake-up between the poll and the wait is lost.
func (c *Conn) Changed() <-chan struct{} {
	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	return c.wake
}
