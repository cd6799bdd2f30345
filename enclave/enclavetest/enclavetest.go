// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package enclavetest provides an in-memory enclave for tests
package enclavetest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/authentic-execution/eventmanager/enclave"
)

// Handler runs a command of a fake module, updating op's output params
type Handler func(command uint32, op *enclave.Operation) error

// Call records one Invoke, with copies of the params as they were passed in
type Call struct {
	Session enclave.SessionID
	UUID    uuid.UUID
	Command uint32
	Params  [4]enclave.Param
}

// Enclave is a programmable enclave.Invoker and enclave.Loader
type Enclave struct {
	mu          sync.Mutex
	installed   map[uuid.UUID][]byte
	handlers    map[uuid.UUID]Handler
	sessions    map[enclave.SessionID]uuid.UUID
	inflight    map[enclave.SessionID]bool
	nextSession enclave.SessionID
	calls       []Call
	overlaps    int

	// InstallErr, if set, is returned by every Install
	InstallErr error
}

var (
	_ enclave.Invoker = (*Enclave)(nil)
	_ enclave.Loader  = (*Enclave)(nil)
)

func New() *Enclave {
	return &Enclave{
		installed: map[uuid.UUID][]byte{},
		handlers:  map[uuid.UUID]Handler{},
		sessions:  map[enclave.SessionID]uuid.UUID{},
		inflight:  map[enclave.SessionID]bool{},
	}
}

// Handle sets the handler for commands invoked on sessions with module id.
// Modules without a handler accept every command and produce no output.
func (e *Enclave) Handle(id uuid.UUID, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[id] = h
}

func (e *Enclave) Install(_ context.Context, id uuid.UUID, image []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InstallErr != nil {
		return e.InstallErr
	}
	e.installed[id] = append([]byte(nil), image...)
	return nil
}

func (e *Enclave) OpenSession(_ context.Context, id uuid.UUID) (enclave.SessionID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.installed[id]; !ok {
		return 0, &enclave.Error{Code: enclave.ErrItemNotFound, Origin: enclave.OriginTEE}
	}
	e.nextSession++
	e.sessions[e.nextSession] = id
	return e.nextSession, nil
}

func (e *Enclave) CloseSession(_ context.Context, session enclave.SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[session]; !ok {
		return &enclave.Error{Code: enclave.ErrBadParameters, Origin: enclave.OriginAPI}
	}
	delete(e.sessions, session)
	return nil
}

func (e *Enclave) Invoke(ctx context.Context, session enclave.SessionID, command uint32, op *enclave.Operation) error {
	e.mu.Lock()
	id, ok := e.sessions[session]
	if !ok {
		e.mu.Unlock()
		return &enclave.Error{Code: enclave.ErrBadParameters, Origin: enclave.OriginAPI}
	}
	if e.inflight[session] {
		e.overlaps++
	}
	e.inflight[session] = true
	call := Call{Session: session, UUID: id, Command: command}
	for i, p := range op.Params {
		p.Buffer = append([]byte(nil), p.Buffer...)
		call.Params[i] = p
	}
	e.calls = append(e.calls, call)
	h := e.handlers[id]
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, session)
		e.mu.Unlock()
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	return h(command, op)
}

// Calls returns every Invoke so far, in order
func (e *Enclave) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallsTo returns the Invokes of command on module id
func (e *Enclave) CallsTo(id uuid.UUID, command uint32) []Call {
	var out []Call
	for _, c := range e.Calls() {
		if c.UUID == id && c.Command == command {
			out = append(out, c)
		}
	}
	return out
}

// Installed returns the image installed for id
func (e *Enclave) Installed(id uuid.UUID) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	image, ok := e.installed[id]
	return image, ok
}

// OpenSessions returns the number of sessions not yet closed
func (e *Enclave) OpenSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Overlaps returns how many Invokes started while another Invoke on the
// same session was still running
func (e *Enclave) Overlaps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overlaps
}

// Output is an event a user entrypoint emits
type Output struct {
	ConnID     uint16
	Ciphertext []byte
	Tag        [16]byte
}

// EmitOutputs fills op the way a module's user entrypoint reports outputs:
// the count in params[0].a, conn ids in params[1], ciphertexts in
// consecutive len(data) sized slots of params[2] and tags in params[3].
func EmitOutputs(op *enclave.Operation, outputs ...Output) error {
	slot := int(op.Params[0].A)
	ids, buf, tags := op.Params[1].Buffer, op.Params[2].Buffer, op.Params[3].Buffer
	for i, out := range outputs {
		if len(out.Ciphertext) != slot {
			return fmt.Errorf("output %d of %d bytes, slot is %d", i, len(out.Ciphertext), slot)
		}
		if 2*i+2 > len(ids) || slot*(i+1) > len(buf) || 16*i+16 > len(tags) {
			// an enclave that overruns still reports its count
			continue
		}
		binary.BigEndian.PutUint16(ids[2*i:], out.ConnID)
		copy(buf[slot*i:], out.Ciphertext)
		copy(tags[16*i:], out.Tag[:])
	}
	op.Params[0].A = uint32(len(outputs))
	return nil
}
