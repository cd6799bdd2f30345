// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package periodic

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/authentic-execution/eventmanager/enclave"
	"github.com/authentic-execution/eventmanager/enclave/enclavetest"
	"github.com/authentic-execution/eventmanager/invoke"
	"github.com/authentic-execution/eventmanager/registry"
	"github.com/authentic-execution/eventmanager/routing"
	"github.com/authentic-execution/eventmanager/wire"
)

const handleInput = 2

func testScheduler(t *testing.T) (*Scheduler, *enclavetest.Enclave, uuid.UUID) {
	ctx := context.Background()
	e := enclavetest.New()
	id := uuid.New()
	if err := e.Install(ctx, id, nil); err != nil {
		t.Fatal(err)
	}
	session, err := e.OpenSession(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	modules := registry.NewModules()
	modules.Add(3, registry.NewSession(id, session))
	conns := registry.NewConnections(nil)
	conns.Add(ctx, registry.Connection{ID: 7, ModuleID: 3, Local: true})
	inv := invoke.New(modules, e, time.Second)
	router := routing.New(conns, inv, nil, nil)
	s := New(time.Millisecond, modules, inv, router)
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s.Run(ctx)
	})
	return s, e, id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPeriodicFiresAndRoutes(t *testing.T) {
	s, e, id := testScheduler(t)
	e.Handle(id, func(command uint32, op *enclave.Operation) error {
		if command == 9 {
			return enclavetest.EmitOutputs(op, enclavetest.Output{ConnID: 7, Ciphertext: []byte{}})
		}
		return nil
	})
	if err := s.Register(3, 9, 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "two ticks", func() bool { return len(e.CallsTo(id, 9)) >= 2 })
	waitFor(t, "routed output", func() bool { return len(e.CallsTo(id, handleInput)) >= 1 })

	if n := s.CancelModule(3); n != 1 {
		t.Errorf("CancelModule(3)=%v, want 1", n)
	}
	after := len(e.CallsTo(id, 9))
	time.Sleep(30 * time.Millisecond)
	if got := len(e.CallsTo(id, 9)); got != after {
		t.Errorf("entrypoint called %d times after cancel", got-after)
	}
}

func TestRegisterReplaces(t *testing.T) {
	s, _, _ := testScheduler(t)
	if err := s.Register(3, 9, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(3, 9, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(3, 10, time.Hour); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Errorf("Len()=%v, want 2", s.Len())
	}
}

func TestRegisterInvalid(t *testing.T) {
	s, _, _ := testScheduler(t)
	if err := s.Register(3, 9, 0); wire.CodeOf(err) != wire.IllegalPayload {
		t.Errorf("Register(period=0)=%v, want %v", err, wire.IllegalPayload)
	}
	if err := s.Register(4, 9, time.Second); wire.CodeOf(err) != wire.BadRequest {
		t.Errorf("Register(unknown module)=%v, want %v", err, wire.BadRequest)
	}
}

func TestRunStopsSchedules(t *testing.T) {
	s, e, id := testScheduler(t)
	if err := s.Register(3, 9, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a tick", func() bool { return len(e.CallsTo(id, 9)) >= 1 })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)
	if s.Len() != 0 {
		t.Errorf("Len() after Run=%v, want 0", s.Len())
	}
	if err := s.Register(3, 9, time.Millisecond); wire.CodeOf(err) != wire.InternalError {
		t.Errorf("Register() after stop=%v, want %v", err, wire.InternalError)
	}
}

func TestRegisterRacingUnload(t *testing.T) {
	s, _, _ := testScheduler(t)
	s.mu.Lock()
	errc := make(chan error, 1)
	go func() { errc <- s.Register(3, 9, time.Millisecond) }()
	// let Register block on the scheduler lock, then unbind the module
	time.Sleep(20 * time.Millisecond)
	if _, err := s.modules.Remove(3); err != nil {
		t.Fatal(err)
	}
	s.mu.Unlock()
	if err := <-errc; wire.CodeOf(err) != wire.BadRequest {
		t.Errorf("Register()=%v, want %v", err, wire.BadRequest)
	}
	if n := s.CancelModule(3); n != 0 {
		t.Errorf("CancelModule()=%v, want 0", n)
	}
	if s.Len() != 0 {
		t.Errorf("Len()=%v, want 0", s.Len())
	}
}
