// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package web assembles the relay's control HTTP surface.
package web

import (
	"net/http"
	_ "net/http/pprof"

	"go.uber.org/zap"

	"github.com/authentic-execution/eventmanager/auth"
	"github.com/authentic-execution/eventmanager/health"
	"github.com/authentic-execution/eventmanager/rate"
	"github.com/authentic-execution/eventmanager/web/handlers"
	"github.com/authentic-execution/eventmanager/web/middleware"
)

type ControlConfig struct {
	Live, Ready *health.Health
	Connections handlers.ConnectionLister
	Modules     handlers.ModuleLister
	Events      *handlers.Events
	LogLevel    zap.AtomicLevel
	// checks /control and /debug requests; nil allows everyone
	Auth auth.Auth
	// limits /control and /debug requests; nil disables limiting
	Limiter rate.Limiter
}

// NewControlMux returns the control surface. Health endpoints are always
// open; everything else goes through cfg.Auth and cfg.Limiter.
func NewControlMux(cfg ControlConfig) *http.ServeMux {
	authenticator := cfg.Auth
	if authenticator == nil {
		authenticator = auth.AlwaysAllow
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.AlwaysAllow
	}
	guarded := func(h http.Handler) http.Handler {
		return middleware.Instrument(middleware.AuthCheck(authenticator, middleware.RateLimit(limiter, h)))
	}

	mux := http.NewServeMux()
	mux.Handle("/health/live", middleware.Instrument(cfg.Live))
	mux.Handle("/health/ready", middleware.Instrument(cfg.Ready))
	mux.Handle("/control/loglevel", guarded(handlers.NewSetLogLevel(cfg.LogLevel)))
	mux.Handle("/control/connections", guarded(handlers.NewConnections(cfg.Connections)))
	mux.Handle("/control/modules", guarded(handlers.NewModules(cfg.Modules)))
	mux.Handle("/control/events", guarded(cfg.Events))
	// net/http/pprof registers itself on the default mux
	mux.Handle("/debug/pprof/", guarded(http.DefaultServeMux))
	return mux
}
