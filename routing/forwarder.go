// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package routing

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/authentic-execution/eventmanager/config"
	"github.com/authentic-execution/eventmanager/logger"
	"github.com/authentic-execution/eventmanager/wire"
)

// RemoteError is a non-Ok result returned by a remote relay
type RemoteError struct {
	Dest netip.AddrPort
	Code wire.ResultCode
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay %v replied %v", e.Dest, e.Code)
}

// Forwarder delivers events to remote relays. Every event uses its own TCP
// connection carrying exactly one RemoteOutput command and its result.
// Delivery is at most once.
type Forwarder struct {
	dialTimeout  time.Duration
	replyTimeout time.Duration
	loopback     netip.Addr

	breakerMu       sync.Mutex
	breakers        map[netip.AddrPort]*gobreaker.CircuitBreaker
	breakerFailures uint32
	breakerOpen     time.Duration
}

var localhost = netip.AddrFrom4([4]byte{127, 0, 0, 1})

func NewForwarder(cfg config.ForwardConfig) *Forwarder {
	f := &Forwarder{
		dialTimeout:     cfg.DialTimeout,
		replyTimeout:    cfg.ReplyTimeout,
		breakers:        map[netip.AddrPort]*gobreaker.CircuitBreaker{},
		breakerFailures: cfg.BreakerFailures,
		breakerOpen:     cfg.BreakerOpenDuration,
	}
	if cfg.LoopbackAddr != "" {
		f.loopback = netip.MustParseAddr(cfg.LoopbackAddr)
	}
	return f
}

// destination applies the loopback rewrite to dest
func (f *Forwarder) destination(dest netip.AddrPort) netip.AddrPort {
	if f.loopback.IsValid() && dest.Addr() == localhost {
		return netip.AddrPortFrom(f.loopback, dest.Port())
	}
	return dest
}

// breaker returns the circuit breaker for dest. A breaker trips after
// breakerFailures consecutive delivery failures; replies from the remote
// relay, even non-Ok ones, count as successes.
func (f *Forwarder) breaker(dest netip.AddrPort) *gobreaker.CircuitBreaker {
	f.breakerMu.Lock()
	defer f.breakerMu.Unlock()
	if cb, ok := f.breakers[dest]; ok {
		return cb
	}
	failures := f.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dest.String(),
		MaxRequests: 1,
		Timeout:     f.breakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			_, remote := err.(*RemoteError)
			return err == nil || remote
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Infow("remote relay breaker changed state", "dest", name, "from", from, "to", to)
		},
	})
	f.breakers[dest] = cb
	return cb
}

// Forward sends p to the relay at dest and waits for its result
func (f *Forwarder) Forward(ctx context.Context, dest netip.AddrPort, p wire.RemoteOutputPayload) error {
	dest = f.destination(dest)
	_, err := f.breaker(dest).Execute(func() (interface{}, error) {
		return nil, f.send(ctx, dest, p)
	})
	return err
}

func (f *Forwarder) send(ctx context.Context, dest netip.AddrPort, p wire.RemoteOutputPayload) error {
	d := net.Dialer{Timeout: f.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", dest.String())
	if err != nil {
		return fmt.Errorf("dial %v: %w", dest, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(f.replyTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	if err := wire.WriteCommand(conn, &wire.Command{Code: wire.RemoteOutput, Payload: p.Marshal()}); err != nil {
		return fmt.Errorf("send to %v: %w", dest, err)
	}
	res, err := wire.ReadResult(conn)
	if err != nil {
		return fmt.Errorf("reply from %v: %w", dest, err)
	}
	if res.Code != wire.Ok {
		return &RemoteError{Dest: dest, Code: res.Code}
	}
	return nil
}
