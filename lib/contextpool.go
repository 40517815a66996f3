package lib

import (
	"sync"
	"sync/atomic"
)

// Context carries one incoming request to a server Handler. It is recycled
// once the handler returns; handlers that reply later keep Conn and
// MessageID instead of the Context.
type Context struct {
	conn   *Conn
	packet Packet
}

func (c *Context) Conn() *Conn           { return c.conn }
func (c *Context) Packet() Packet        { return c.packet }
func (c *Context) MessageID() uint32     { return c.packet.MessageID }
func (c *Context) Op() OpType            { return c.packet.Op }
func (c *Context) Body() []byte          { return c.packet.Body }
func (c *Context) Reply(p *Packet) error { return c.conn.Reply(c.packet.MessageID, p) }

type ContextPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *ContextPool) acquire(conn *Conn, packet Packet) *Context {
	v := p.sp.Get()
	if v == nil {
		v = &Context{}
		atomic.AddUint32(&p.m.na, uint32(1))
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}
	ctx := v.(*Context)
	ctx.conn = conn
	ctx.packet = packet
	return ctx
}

func (p *ContextPool) release(ctx *Context) {
	ctx.conn = nil
	ctx.packet = Packet{}
	p.sp.Put(ctx)
	atomic.AddUint32(&p.m.np, uint32(1))
}
