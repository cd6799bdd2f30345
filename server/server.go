// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package server accepts command connections from deployers and remote
// relays and runs their commands.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/authentic-execution/eventmanager/logger"
	"github.com/authentic-execution/eventmanager/rate"
	"github.com/authentic-execution/eventmanager/wire"
)

var (
	connectCounter    = []string{"server", "connect"}
	rejectCounter     = []string{"server", "reject"}
	disconnectCounter = []string{"server", "disconnect"}
	limitedCounter    = []string{"server", "rateLimited"}
	activeClientGauge = []string{"server", "activeClients"}
)

// Handler runs a single command, returning the result to write back or nil
type Handler interface {
	Handle(ctx context.Context, cmd *wire.Command) *wire.Result
}

type Config struct {
	// at most this many clients are served at once
	MaxClients int
	// largest accepted LoadEnclave payload
	MaxEnclaveImageBytes uint32
	// clients sending no bytes for this long are disconnected (0 disables)
	IdleTimeout time.Duration
	// limits commands per client address; nil disables limiting
	Limiter rate.Limiter
}

// Server serves each client on its own goroutine. Commands from one client
// are handled strictly in the order they arrive, and the next command is
// not read until the previous result was written.
type Server struct {
	handler Handler
	cfg     Config
	eg      *errgroup.Group
	ctx     context.Context

	mu      sync.Mutex
	clients map[net.Conn]struct{}
}

// New creates a server which must be started with Listen
func New(ctx context.Context, handler Handler, cfg Config) *Server {
	eg, ctx := errgroup.WithContext(ctx)
	return &Server{
		handler: handler,
		cfg:     cfg,
		eg:      eg,
		ctx:     ctx,
		clients: map[net.Conn]struct{}{},
	}
}

// Listen for new connections on ln
//
// Returns only after cancellation or a fatal error is encountered. Listen takes ownership
// of calling Close on the provided net.Listener
func (s *Server) Listen(ln net.Listener) error {
	s.eg.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.ctx.Err() != nil {
					return s.ctx.Err()
				}
				return err
			}
			if !s.add(conn) {
				metrics.IncrCounter(rejectCounter, 1)
				logger.Warnw("rejecting client, too many connected", "client", conn.RemoteAddr())
				conn.Close()
				continue
			}
			metrics.IncrCounter(connectCounter, 1)
			s.eg.Go(func() error {
				defer s.remove(conn)
				s.handleConnection(conn)
				return nil
			})
		}
	})
	<-s.ctx.Done()
	// stop the listener so accept unblocks, and hang up on clients
	ln.Close()
	s.closeClients()
	return s.eg.Wait()
}

func (s *Server) add(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil || len(s.clients) >= s.cfg.MaxClients {
		return false
	}
	s.clients[conn] = struct{}{}
	metrics.SetGauge(activeClientGauge, float32(len(s.clients)))
	return true
}

func (s *Server) remove(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, conn)
	metrics.SetGauge(activeClientGauge, float32(len(s.clients)))
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
	}
}

// idleReader pushes conn's read deadline back before every read, so only a
// client that sends nothing for timeout is cut off, even mid-frame
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r idleReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}

// clientKey identifies a client for rate limiting
func clientKey(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return addr.String()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	log := logger.With("client", conn.RemoteAddr())
	log.Debugw("client connected")
	key := clientKey(conn.RemoteAddr())
	var src io.Reader = conn
	if s.cfg.IdleTimeout > 0 {
		src = idleReader{conn: conn, timeout: s.cfg.IdleTimeout}
	}
	reader := bufio.NewReader(src)
	for {
		cmd, err := wire.ReadCommand(reader, s.cfg.MaxEnclaveImageBytes)
		if err != nil {
			// a partially received command is dropped with the connection
			metrics.IncrCounter(disconnectCounter, 1)
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				log.Debugw("client disconnected")
			} else {
				log.Infow("closing client connection", "err", err)
			}
			return
		}
		if cmd.Code == wire.Invalid {
			s.handler.Handle(s.ctx, cmd)
			continue
		}
		res := s.limit(key, cmd)
		if res == nil {
			res = s.handler.Handle(s.ctx, cmd)
		}
		if res == nil {
			continue
		}
		if err := wire.WriteResult(conn, res); err != nil {
			log.Infow("failed writing result", "err", err)
			return
		}
	}
}

// limit returns a GenericError result if the client exceeded its rate limit
func (s *Server) limit(key string, cmd *wire.Command) *wire.Result {
	if s.cfg.Limiter == nil {
		return nil
	}
	err := s.cfg.Limiter.Limit(s.ctx, key)
	if err == nil {
		return nil
	}
	var exceeded rate.ErrLimitExceeded
	if !errors.As(err, &exceeded) {
		// fail open if the limit can't be checked
		logger.Warnw("failed to check rate limit", "client", key, "err", err)
		return nil
	}
	metrics.IncrCounterWithLabels(limitedCounter, 1, []metrics.Label{{Name: "command", Value: cmd.Code.String()}})
	return &wire.Result{Code: wire.GenericError}
}
