package lib

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Server accepts connections and hands every incoming request to Handler.
type Server struct {
	Handler   Handler
	ConnState ConnStateHandler

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

// Serve accepts on ln until it fails. It returns nil if the server was
// shut down.
func (s *Server) Serve(ln net.Listener) error {
	log := loggerOrNop(s.Logger)

	handler := s.Handler
	if handler == nil {
		handler = DefaultHandler
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			done := s.done
			s.mu.Unlock()

			if done {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		conn := NewConn(nc)
		conn.Handler = handler
		conn.ConnState = s.ConnState
		conn.ReadBufferSize = s.ReadBufferSize
		conn.WriteBufferSize = s.WriteBufferSize
		conn.ReadTimeout = s.ReadTimeout
		conn.WriteTimeout = s.WriteTimeout
		conn.Logger = s.Logger

		s.mu.Lock()
		if s.done {
			s.mu.Unlock()
			_ = nc.Close()
			return nil
		}
		if s.conns == nil {
			s.conns = make(map[*Conn]struct{})
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		log.Debug().Str("remote", nc.RemoteAddr().String()).Msg("accepted connection")

		go func() {
			defer s.wg.Done()
			_ = conn.Serve()

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Shutdown closes every accepted connection and waits for them. The caller
// closes the listener.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.done = true
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	s.wg.Wait()
}
