// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package registry holds the relay's mutable routing state: which
// destination each connection id routes to, and which enclave session each
// module id refers to.
package registry

import (
	"context"
	"net/netip"
	"slices"
	"sync"

	"github.com/authentic-execution/eventmanager/logger"
	"github.com/authentic-execution/eventmanager/wire"
)

// Connection is the destination of events with a given conn_id
type Connection struct {
	ID       uint16 `json:"id"`
	ModuleID uint16 `json:"moduleId"`
	Local    bool   `json:"local"`
	// Dest is the remote relay, unused for local connections
	Dest netip.AddrPort `json:"dest"`
}

// FromPayload converts an AddConnection payload to a Connection
func FromPayload(p wire.AddConnectionPayload) Connection {
	return Connection{ID: p.ConnID, ModuleID: p.ModuleID, Local: p.Local, Dest: p.AddrPort()}
}

// Payload converts c back to its AddConnection payload
func (c Connection) Payload() wire.AddConnectionPayload {
	p := wire.AddConnectionPayload{
		ConnID:   c.ID,
		ModuleID: c.ModuleID,
		Local:    c.Local,
		Port:     c.Dest.Port(),
	}
	if addr := c.Dest.Addr().Unmap(); addr.Is4() {
		p.Addr = addr.As4()
	}
	return p
}

// Store persists connections beyond the lifetime of the process
type Store interface {
	Put(ctx context.Context, c Connection) error
	Delete(ctx context.Context, id uint16) error
}

// Connections maps conn_id to Connection. Adding an id that is already
// present replaces the previous entry.
type Connections struct {
	mu    sync.RWMutex
	conns map[uint16]Connection
	store Store
}

// NewConnections returns an empty registry. store may be nil, in which case
// connections only live in memory.
func NewConnections(store Store) *Connections {
	return &Connections{conns: map[uint16]Connection{}, store: store}
}

// Load populates the registry without writing back to the store
func (r *Connections) Load(conns []Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range conns {
		r.conns[c.ID] = c
	}
}

// Add inserts c, replacing any existing connection with the same id.
// Persisting is best effort: the in-memory entry is used even if the store
// could not be updated.
func (r *Connections) Add(ctx context.Context, c Connection) {
	r.mu.Lock()
	_, replaced := r.conns[c.ID]
	r.conns[c.ID] = c
	r.mu.Unlock()
	if replaced {
		logger.Infow("replaced connection", "conn", c.ID, "module", c.ModuleID)
	}
	if r.store != nil {
		if err := r.store.Put(ctx, c); err != nil {
			logger.Warnw("failed to persist connection", "conn", c.ID, "err", err)
		}
	}
}

func (r *Connections) Get(id uint16) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove deletes the connection with id, returning false if there was none
func (r *Connections) Remove(ctx context.Context, id uint16) bool {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			logger.Warnw("failed to delete persisted connection", "conn", id, "err", err)
		}
	}
	return true
}

// List returns all connections ordered by id
func (r *Connections) List() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Connection) int { return int(a.ID) - int(b.ID) })
	return out
}

func (r *Connections) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
