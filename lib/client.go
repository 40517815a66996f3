package lib

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

const (
	DefaultDialTimeout  = 3 * time.Second
	DefaultDialAttempts = 4
)

// Client dials connections to Addr and keeps track of them until Shutdown.
type Client struct {
	Addr string

	Handler   Handler
	ConnState ConnStateHandler

	DialTimeout  time.Duration
	DialAttempts int
	Backoff      *backoff.Backoff

	ReadBufferSize  int
	WriteBufferSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *zerolog.Logger

	mu    sync.Mutex
	wg    sync.WaitGroup
	conns map[*Conn]struct{}
	done  bool
}

var errClientShutdown = errors.New("client shut down")

// Dial connects to Addr, retrying with backoff, and starts serving the
// connection in the background.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	log := loggerOrNop(c.Logger)

	b := c.Backoff
	if b == nil {
		b = &backoff.Backoff{
			Factor: 1.25,
			Jitter: true,
			Min:    100 * time.Millisecond,
			Max:    1 * time.Second,
		}
	}

	attempts := c.DialAttempts
	if attempts <= 0 {
		attempts = DefaultDialAttempts
	}

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			duration := b.Duration()
			log.Debug().Str("addr", c.Addr).Dur("sleep", duration).Err(lastErr).Msg("retrying dial")

			select {
			case <-time.After(duration):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		dialer := net.Dialer{Timeout: timeout}
		nc, err := dialer.DialContext(ctx, "tcp", c.Addr)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		conn, err := c.serve(nc)
		if err != nil {
			_ = nc.Close()
			return nil, err
		}
		return conn, nil
	}

	return nil, fmt.Errorf("failed to dial '%s' after %d attempt(s): %w", c.Addr, attempts, lastErr)
}

func (c *Client) serve(nc net.Conn) (*Conn, error) {
	conn := NewConn(nc)
	conn.Handler = c.Handler
	conn.ConnState = c.ConnState
	conn.ReadBufferSize = c.ReadBufferSize
	conn.WriteBufferSize = c.WriteBufferSize
	conn.ReadTimeout = c.ReadTimeout
	conn.WriteTimeout = c.WriteTimeout
	conn.Logger = c.Logger

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return nil, errClientShutdown
	}
	if c.conns == nil {
		c.conns = make(map[*Conn]struct{})
	}
	c.conns[conn] = struct{}{}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = conn.Serve()

		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
	}()

	return conn, nil
}

// Shutdown closes every connection dialed by the client and waits for them.
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.done = true
	conns := make([]*Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	c.wg.Wait()
}
