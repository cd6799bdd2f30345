// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// package handlers provides http handlers for the relay's control endpoints
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/authentic-execution/eventmanager/logger"
	"github.com/authentic-execution/eventmanager/registry"
)

// ConnectionLister lists the connection registry
type ConnectionLister interface {
	List() []registry.Connection
}

// ModuleLister lists loaded modules
type ModuleLister interface {
	List() []registry.Module
}

// NewConnections returns a handler serving the connection registry as JSON
func NewConnections(conns ConnectionLister) http.Handler {
	return listHandler[registry.Connection]{conns.List}
}

// NewModules returns a handler serving the module registry as JSON
func NewModules(modules ModuleLister) http.Handler {
	return listHandler[registry.Module]{modules.List}
}

type listHandler[T any] struct {
	list func() []T
}

func (l listHandler[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(l.list()); err != nil {
		logger.Infow("failed writing listing", "path", r.URL.Path, "err", err)
	}
}
