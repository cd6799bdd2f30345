// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/authentic-execution/eventmanager/enclave"
)

// ErrUnknownModule is returned for module ids no enclave was loaded for
var ErrUnknownModule = errors.New("unknown module")

// Session is an open session with one enclave module. Invocations on a
// session are serialized since they share one parameter buffer.
type Session struct {
	UUID uuid.UUID
	ID   enclave.SessionID

	// held while an invocation is in flight
	busy chan struct{}
	op   enclave.Operation
}

func NewSession(id uuid.UUID, session enclave.SessionID) *Session {
	return &Session{UUID: id, ID: session, busy: make(chan struct{}, 1)}
}

// Do runs fn with exclusive use of the session's cleared parameter buffer.
//
// If ctx is done first, Do returns ctx's error but the session stays held
// until fn returns. fn gets a context without ctx's deadline or
// cancellation, so an abandoned call still holds the session until the
// enclave answers it.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context, session enclave.SessionID, op *enclave.Operation) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.busy <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	done := make(chan error, 1)
	go func() {
		defer func() { <-s.busy }()
		s.op.Reset()
		done <- fn(context.WithoutCancel(ctx), s.ID, &s.op)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
			return ctx.Err()
		}
	}
}

// Module describes a loaded module for listing
type Module struct {
	ModuleID uint16    `json:"moduleId"`
	UUID     uuid.UUID `json:"uuid"`
}

// Modules maps module ids to enclave UUIDs, and UUIDs to open sessions.
// Several module ids may refer to the same UUID.
type Modules struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID]*Session
	identities map[uint16]uuid.UUID
}

func NewModules() *Modules {
	return &Modules{
		sessions:   map[uuid.UUID]*Session{},
		identities: map[uint16]uuid.UUID{},
	}
}

// Add binds moduleID to s, replacing any previous binding of moduleID and
// any previous session for s.UUID. Sessions no longer reachable from any
// module id are returned; the caller is responsible for closing them.
func (m *Modules) Add(moduleID uint16, s *Session) (orphaned []*Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[s.UUID]; ok && old != s {
		orphaned = append(orphaned, old)
	}
	m.sessions[s.UUID] = s
	prev, hadPrev := m.identities[moduleID]
	m.identities[moduleID] = s.UUID
	if hadPrev && prev != s.UUID {
		if old := m.releaseLocked(prev); old != nil {
			orphaned = append(orphaned, old)
		}
	}
	return orphaned
}

// releaseLocked drops the session for id if no module id refers to it
func (m *Modules) releaseLocked(id uuid.UUID) *Session {
	for _, u := range m.identities {
		if u == id {
			return nil
		}
	}
	s := m.sessions[id]
	delete(m.sessions, id)
	return s
}

// UUID returns the enclave UUID moduleID refers to
func (m *Modules) UUID(moduleID uint16) (uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[moduleID]
	if !ok {
		return uuid.Nil, fmt.Errorf("module %d: %w", moduleID, ErrUnknownModule)
	}
	return id, nil
}

// Session resolves moduleID to its open session
func (m *Modules) Session(moduleID uint16) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[moduleID]
	if !ok {
		return nil, fmt.Errorf("module %d: %w", moduleID, ErrUnknownModule)
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("module %d (%v) has no session: %w", moduleID, id, ErrUnknownModule)
	}
	return s, nil
}

// Remove unbinds moduleID. If that leaves its session unreachable the
// session is returned for the caller to close.
func (m *Modules) Remove(moduleID uint16) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[moduleID]
	if !ok {
		return nil, fmt.Errorf("module %d: %w", moduleID, ErrUnknownModule)
	}
	delete(m.identities, moduleID)
	return m.releaseLocked(id), nil
}

// List returns all module bindings ordered by module id
func (m *Modules) List() []Module {
	m.mu.RLock()
	out := make([]Module, 0, len(m.identities))
	for moduleID, id := range m.identities {
		out = append(out, Module{ModuleID: moduleID, UUID: id})
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Module) int { return int(a.ModuleID) - int(b.ModuleID) })
	return out
}
