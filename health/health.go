// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package health serves liveness and readiness of the relay over HTTP.
package health

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"
)

// probeTimeout bounds how long a single probe may run while serving
const probeTimeout = 2 * time.Second

// Probe reports whether a dependency is usable, returning nil if it is
type Probe func(ctx context.Context) error

// Health wraps an error (nil means "healthy") and a set of named probes,
// and provides HTTP handling logic to serve the combined state.
type Health struct {
	mu     sync.Mutex
	err    error
	probes map[string]Probe
}

// New creates a new health object, with initial health set based on the
// 'initial' error (nil==healthy).
func New(initial error) *Health {
	return &Health{err: initial, probes: map[string]Probe{}}
}

// Set sets the underlying error for this Health object; err=nil means "OK"
func (h *Health) Set(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// AddProbe registers p under name, replacing any probe with that name.
// Probes are run on every Check.
func (h *Health) AddProbe(name string, p Probe) {
	h.mu.Lock()
	h.probes[name] = p
	h.mu.Unlock()
}

// Check returns the error set with Set, or otherwise the first failing
// probe in name order
func (h *Health) Check(ctx context.Context) error {
	h.mu.Lock()
	err := h.err
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	probes := make([]Probe, 0, len(names))
	slices.Sort(names)
	for _, name := range names {
		probes = append(probes, h.probes[name])
	}
	h.mu.Unlock()

	if err != nil {
		return err
	}
	for i, probe := range probes {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := probe(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", names[i], err)
		}
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.Check(r.Context())
	if err == nil {
		fmt.Fprintf(w, "ok")
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintf(w, "error: %v", err)
}
