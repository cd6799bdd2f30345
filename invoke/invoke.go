// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package invoke calls module entrypoints through the enclave interface,
// assembling the fixed parameter layouts each entrypoint expects.
package invoke

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/authentic-execution/eventmanager/enclave"
	"github.com/authentic-execution/eventmanager/registry"
	"github.com/authentic-execution/eventmanager/wire"
)

// Entrypoint indexes interpreted by the relay. Every other index is a user
// entrypoint.
const (
	SetKeyEntry uint16 = 0
	AttestEntry uint16 = 1
)

// enclave command ids
const (
	cmdSetKey      uint32 = 0
	cmdAttest      uint32 = 1
	cmdHandleInput uint32 = 2
)

// MaxOutputs is the most output events one user entrypoint call can emit
const MaxOutputs = 16

// Output is an event emitted by a user entrypoint, bound for ConnID
type Output struct {
	ConnID     uint16
	Ciphertext []byte
	Tag        [wire.TagSize]byte
}

type Invoker struct {
	modules     *registry.Modules
	enclave     enclave.Invoker
	callTimeout time.Duration
}

// New returns an Invoker. Each enclave call is bounded by callTimeout if it
// is positive.
func New(modules *registry.Modules, e enclave.Invoker, callTimeout time.Duration) *Invoker {
	return &Invoker{modules: modules, enclave: e, callTimeout: callTimeout}
}

// classify attaches the result code an enclave failure is reported with
func classify(err error) error {
	if enclave.IsCrypto(err) {
		return fmt.Errorf("%w: %w", wire.CryptoError, err)
	}
	return fmt.Errorf("%w: %w", wire.InternalError, err)
}

// invoke runs command on moduleID's session. setup fills the cleared
// operation and collect reads results out of it, both under the session lock.
// A call that outlives callTimeout is reported as failed, but the module
// stays busy until the enclave answers it.
func (i *Invoker) invoke(ctx context.Context, moduleID uint16, command uint32, setup func(op *enclave.Operation), collect func(op *enclave.Operation) error) error {
	s, err := i.modules.Session(moduleID)
	if err != nil {
		return fmt.Errorf("%w: %w", wire.BadRequest, err)
	}
	if i.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.callTimeout)
		defer cancel()
	}
	err = s.Do(ctx, func(ctx context.Context, session enclave.SessionID, op *enclave.Operation) error {
		setup(op)
		if err := i.enclave.Invoke(ctx, session, command, op); err != nil {
			return classify(err)
		}
		if collect != nil {
			return collect(op)
		}
		return nil
	})
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: invoke command %d on module %d: %w", wire.InternalError, command, moduleID, err)
	}
	return err
}

// SetKey hands a module the encrypted key for one of its connections
func (i *Invoker) SetKey(ctx context.Context, moduleID uint16, data []byte) error {
	d, err := wire.ParseSetKey(data)
	if err != nil {
		return err
	}
	return i.invoke(ctx, moduleID, cmdSetKey, func(op *enclave.Operation) {
		op.Params[0] = enclave.Memref(enclave.MemrefInput, d.AD[:])
		op.Params[1] = enclave.Memref(enclave.MemrefInput, d.Ciphertext[:])
		op.Params[2] = enclave.Memref(enclave.MemrefInput, d.Tag[:])
	}, nil)
}

// Attest asks a module to MAC a challenge, returning the MAC
func (i *Invoker) Attest(ctx context.Context, moduleID uint16, data []byte) ([]byte, error) {
	d, err := wire.ParseAttest(data)
	if err != nil {
		return nil, err
	}
	mac := make([]byte, wire.MACSize)
	err = i.invoke(ctx, moduleID, cmdAttest, func(op *enclave.Operation) {
		op.Params[0] = enclave.Memref(enclave.MemrefInput, d.Challenge[:])
		op.Params[1] = enclave.Memref(enclave.MemrefOutput, mac)
	}, nil)
	if err != nil {
		return nil, err
	}
	return mac, nil
}

// HandleInput delivers an event arriving on connID to a module
func (i *Invoker) HandleInput(ctx context.Context, moduleID, connID uint16, ciphertext []byte, tag [wire.TagSize]byte) error {
	return i.invoke(ctx, moduleID, cmdHandleInput, func(op *enclave.Operation) {
		op.Params[0] = enclave.Value(enclave.ValueInput, uint32(connID), 0)
		op.Params[1] = enclave.Memref(enclave.MemrefInput, ciphertext)
		op.Params[2] = enclave.Memref(enclave.MemrefInput, tag[:])
	}, nil)
}

// CallUser runs a user entrypoint with data and returns the output events it
// emitted. The session is released before CallUser returns, so outputs may
// be routed back into the same module.
//
// Every output is the same length as data: the module writes output i's
// ciphertext to the i'th len(data) sized slot of a shared buffer.
func (i *Invoker) CallUser(ctx context.Context, moduleID, entry uint16, data []byte) ([]Output, error) {
	slot := len(data)
	ids := make([]byte, 2*MaxOutputs)
	buf := make([]byte, slot*MaxOutputs)
	tags := make([]byte, wire.TagSize*MaxOutputs)
	copy(buf, data)

	var outputs []Output
	err := i.invoke(ctx, moduleID, uint32(entry), func(op *enclave.Operation) {
		op.Params[0] = enclave.Value(enclave.ValueInout, uint32(slot), 0)
		op.Params[1] = enclave.Memref(enclave.MemrefOutput, ids)
		op.Params[2] = enclave.Memref(enclave.MemrefInout, buf)
		op.Params[3] = enclave.Memref(enclave.MemrefOutput, tags)
	}, func(op *enclave.Operation) error {
		count := op.Params[0].A
		if count > MaxOutputs {
			return fmt.Errorf("%w: module %d entry %d reported %d outputs, at most %d supported",
				wire.InternalError, moduleID, entry, count, MaxOutputs)
		}
		outputs = make([]Output, count)
		for j := range outputs {
			out := &outputs[j]
			out.ConnID = binary.BigEndian.Uint16(ids[2*j:])
			out.Ciphertext = buf[slot*j : slot*(j+1)]
			copy(out.Tag[:], tags[wire.TagSize*j:])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}
