// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package dispatch maps command frames to the handlers that implement them
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/authentic-execution/eventmanager/enclave"
	"github.com/authentic-execution/eventmanager/invoke"
	"github.com/authentic-execution/eventmanager/logger"
	"github.com/authentic-execution/eventmanager/periodic"
	"github.com/authentic-execution/eventmanager/registry"
	"github.com/authentic-execution/eventmanager/routing"
	"github.com/authentic-execution/eventmanager/wire"
)

// Dispatcher runs one command at a time on behalf of a client. It is safe
// to use from many clients concurrently.
type Dispatcher struct {
	loader    enclave.Loader
	enclave   enclave.Invoker
	modules   *registry.Modules
	conns     *registry.Connections
	invoker   *invoke.Invoker
	router    *routing.Router
	scheduler *periodic.Scheduler
	metrics   *requestMetrics
}

type Config struct {
	Loader      enclave.Loader
	Enclave     enclave.Invoker
	Modules     *registry.Modules
	Connections *registry.Connections
	Invoker     *invoke.Invoker
	Router      *routing.Router
	Scheduler   *periodic.Scheduler
}

func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		loader:    cfg.Loader,
		enclave:   cfg.Enclave,
		modules:   cfg.Modules,
		conns:     cfg.Connections,
		invoker:   cfg.Invoker,
		router:    cfg.Router,
		scheduler: cfg.Scheduler,
		metrics:   newRequestMetrics(),
	}
}

// Handle runs cmd and returns the result to send back, or nil if no result
// should be sent
func (d *Dispatcher) Handle(ctx context.Context, cmd *wire.Command) *wire.Result {
	if cmd.Code == wire.Invalid {
		d.metrics.dropped()
		logger.Debugw("dropping invalid command", "len", len(cmd.Payload))
		return nil
	}
	start := time.Now()
	payload, err := d.handle(ctx, cmd)
	res := &wire.Result{Code: wire.CodeOf(err), Payload: payload}
	d.metrics.record(cmd.Code, res.Code, time.Since(start))
	if err != nil {
		logger.Warnw("command failed", "command", cmd.Code, "result", res.Code, "err", err)
		res.Payload = nil
	}
	return res
}

func (d *Dispatcher) handle(ctx context.Context, cmd *wire.Command) ([]byte, error) {
	switch cmd.Code {
	case wire.AddConnection:
		return nil, d.addConnection(ctx, cmd.Payload)
	case wire.CallEntrypoint:
		return d.callEntrypoint(ctx, cmd.Payload)
	case wire.RemoteOutput:
		return nil, d.remoteOutput(ctx, cmd.Payload)
	case wire.LoadEnclave:
		return nil, d.loadEnclave(ctx, cmd.Payload)
	case wire.Ping:
		return nil, nil
	case wire.RegisterPeriodicEntrypoint:
		return nil, d.registerPeriodic(cmd.Payload)
	case wire.RemoveConnection:
		return nil, d.removeConnection(ctx, cmd.Payload)
	case wire.UnloadEnclave:
		return nil, d.unloadEnclave(ctx, cmd.Payload)
	default:
		return nil, fmt.Errorf("%w: no handler for %v", wire.IllegalCommand, cmd.Code)
	}
}

func (d *Dispatcher) addConnection(ctx context.Context, payload []byte) error {
	p, err := wire.ParseAddConnection(payload)
	if err != nil {
		return err
	}
	d.conns.Add(ctx, registry.FromPayload(p))
	logger.Debugw("added connection", "conn", p.ConnID, "module", p.ModuleID, "local", p.Local, "dest", p.AddrPort())
	return nil
}

func (d *Dispatcher) callEntrypoint(ctx context.Context, payload []byte) ([]byte, error) {
	p, err := wire.ParseCallEntrypoint(payload)
	if err != nil {
		return nil, err
	}
	switch p.Entry {
	case invoke.SetKeyEntry:
		return nil, d.invoker.SetKey(ctx, p.ModuleID, p.Data)
	case invoke.AttestEntry:
		return d.invoker.Attest(ctx, p.ModuleID, p.Data)
	}
	outputs, err := d.invoker.CallUser(ctx, p.ModuleID, p.Entry, p.Data)
	if err != nil {
		return nil, err
	}
	// the entrypoint ran; delivery failures are reported by the router but
	// do not fail the call
	d.router.RouteOutputs(ctx, outputs)
	return nil, nil
}

func (d *Dispatcher) remoteOutput(ctx context.Context, payload []byte) error {
	p, err := wire.ParseRemoteOutput(payload)
	if err != nil {
		return err
	}
	return d.router.Input(ctx, p.ModuleID, p.ConnID, p.Ciphertext, p.Tag)
}

func (d *Dispatcher) loadEnclave(ctx context.Context, payload []byte) error {
	p, err := wire.ParseLoadEnclave(payload)
	if err != nil {
		return err
	}
	if err := d.loader.Install(ctx, p.UUID, p.Image); err != nil {
		return fmt.Errorf("%w: %w", wire.InternalError, err)
	}
	sid, err := d.enclave.OpenSession(ctx, p.UUID)
	if err != nil {
		return fmt.Errorf("%w: %w", wire.InternalError, err)
	}
	for _, old := range d.modules.Add(p.ModuleID, registry.NewSession(p.UUID, sid)) {
		d.closeSession(ctx, old)
	}
	logger.Infow("loaded enclave", "module", p.ModuleID, "uuid", p.UUID, "size", len(p.Image))
	return nil
}

// closeSession waits for any invocation in flight on s, then closes it
func (d *Dispatcher) closeSession(ctx context.Context, s *registry.Session) {
	err := s.Do(ctx, func(ctx context.Context, sid enclave.SessionID, _ *enclave.Operation) error {
		return d.enclave.CloseSession(ctx, sid)
	})
	if err != nil {
		logger.Warnw("failed to close enclave session", "uuid", s.UUID, "err", err)
	}
}

func (d *Dispatcher) registerPeriodic(payload []byte) error {
	p, err := wire.ParseRegisterPeriodic(payload)
	if err != nil {
		return err
	}
	return d.scheduler.Register(p.ModuleID, p.Entry, time.Duration(p.PeriodMillis)*time.Millisecond)
}

func (d *Dispatcher) removeConnection(ctx context.Context, payload []byte) error {
	id, err := wire.ParseID(payload)
	if err != nil {
		return err
	}
	if !d.conns.Remove(ctx, id) {
		return fmt.Errorf("%w: no connection %d", wire.BadRequest, id)
	}
	return nil
}

func (d *Dispatcher) unloadEnclave(ctx context.Context, payload []byte) error {
	moduleID, err := wire.ParseID(payload)
	if err != nil {
		return err
	}
	session, err := d.modules.Remove(moduleID)
	if err != nil {
		return fmt.Errorf("%w: %w", wire.BadRequest, err)
	}
	if n := d.scheduler.CancelModule(moduleID); n > 0 {
		logger.Infow("cancelled periodic entrypoints", "module", moduleID, "count", n)
	}
	if session != nil {
		d.closeSession(ctx, session)
	}
	logger.Infow("unloaded enclave", "module", moduleID)
	return nil
}
