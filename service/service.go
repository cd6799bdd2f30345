// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package service creates and initializes all components required to run a relay
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/authentic-execution/eventmanager/auth"
	"github.com/authentic-execution/eventmanager/config"
	"github.com/authentic-execution/eventmanager/dispatch"
	"github.com/authentic-execution/eventmanager/enclave"
	"github.com/authentic-execution/eventmanager/health"
	"github.com/authentic-execution/eventmanager/invoke"
	"github.com/authentic-execution/eventmanager/logger"
	"github.com/authentic-execution/eventmanager/periodic"
	"github.com/authentic-execution/eventmanager/rate"
	"github.com/authentic-execution/eventmanager/registry"
	"github.com/authentic-execution/eventmanager/routestore"
	"github.com/authentic-execution/eventmanager/routing"
	"github.com/authentic-execution/eventmanager/server"
	"github.com/authentic-execution/eventmanager/web"
	"github.com/authentic-execution/eventmanager/web/handlers"
)

const (
	loadTimeout     = time.Minute
	shutdownTimeout = 5 * time.Second
)

// Enclave is the TEE the relay runs modules in
type Enclave interface {
	enclave.Invoker
	enclave.Loader
}

// Start starts all relay components and only returns when a component has encountered an
// unrecoverable error or the provided context has been cancelled.
func Start(ctx context.Context, hconfig *config.Config, authenticator auth.Auth, enc Enclave) error {
	g, ctx := errgroup.WithContext(ctx)

	live, ready := health.New(nil), health.New(errors.New("starting"))
	if e, ok := enc.(interface{ Err() error }); ok {
		// without the bridge no command touching a module can succeed
		probe := func(context.Context) error { return e.Err() }
		live.AddProbe("enclave", probe)
		ready.AddProbe("enclave", probe)
	}

	// connections survive restarts if redis is configured
	var rdb redis.UniversalClient
	conns := registry.NewConnections(nil)
	if hconfig.Redis.Enabled() {
		logger.Infof("Connecting to redis at %v", hconfig.Redis.Addrs)
		rdb = routestore.NewClient(hconfig.Redis)
		store := routestore.New(hconfig.Redis, rdb)
		defer store.Close()

		loadCtx, loadCancel := context.WithTimeout(ctx, loadTimeout)
		saved, err := store.Load(loadCtx)
		loadCancel()
		if err != nil {
			return fmt.Errorf("restoring connections: %w", err)
		}
		conns = registry.NewConnections(store)
		conns.Load(saved)
		ready.AddProbe("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	var loader enclave.Loader = enc
	if hconfig.Enclave.TADir != "" {
		logger.Infof("installing enclave images into %v", hconfig.Enclave.TADir)
		loader = enclave.DirLoader{Dir: hconfig.Enclave.TADir}
	}

	modules := registry.NewModules()
	invoker := invoke.New(modules, enc, hconfig.Enclave.CallTimeout)
	events := handlers.NewEvents()
	router := routing.New(conns, invoker, routing.NewForwarder(hconfig.Forward), events)
	scheduler := periodic.New(hconfig.Periodic.MinPeriod, modules, invoker, router)
	g.Go(func() error { return scheduler.Run(ctx) })

	dispatcher := dispatch.New(dispatch.Config{
		Loader:      loader,
		Enclave:     enc,
		Modules:     modules,
		Connections: conns,
		Invoker:     invoker,
		Router:      router,
		Scheduler:   scheduler,
	})

	limiter := rate.NewConfiguredLimiter(rdb, hconfig)

	// control endpoints
	controlServer := &http.Server{
		Addr: hconfig.ControlListenAddr,
		Handler: web.NewControlMux(web.ControlConfig{
			Live:        live,
			Ready:       ready,
			Connections: conns,
			Modules:     modules,
			Events:      events,
			LogLevel:    logger.Level(),
			Auth:        authenticator,
			Limiter:     limiter,
		}),
	}
	g.Go(func() error {
		logger.Infof("Starting control http server on %v", hconfig.ControlListenAddr)
		if err := controlServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return controlServer.Shutdown(shutdownCtx)
	})

	// listen for commands from deployers and other relays
	ln, err := net.Listen("tcp", hconfig.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %v: %w", hconfig.ListenAddr, err)
	}
	relayServer := server.New(ctx, dispatcher, server.Config{
		MaxClients:           hconfig.MaxClients,
		MaxEnclaveImageBytes: hconfig.Frame.MaxEnclaveImageBytes,
		IdleTimeout:          hconfig.Frame.IdleTimeout,
		Limiter:              limiter,
	})
	g.Go(func() error { return relayServer.Listen(ln) })
	logger.Infof("started relay server on %v", ln.Addr())

	// release enclave sessions once everything else stopped using them
	g.Go(func() error {
		<-ctx.Done()
		closeSessions(modules, enc)
		return nil
	})

	// Fully capable of servicing commands, mark ready.
	ready.Set(nil)

	sigtermC := make(chan os.Signal, 1)
	signal.Notify(sigtermC, syscall.SIGTERM)
	defer signal.Stop(sigtermC)
	g.Go(func() error {
		select {
		case <-sigtermC:
			logger.Infof("Received SIGTERM, shutting down")
			ready.Set(errors.New("shutting down"))
			return errors.New("SIGTERM")
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	return g.Wait()
}

func closeSessions(modules *registry.Modules, enc enclave.Invoker) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, m := range modules.List() {
		s, err := modules.Remove(m.ModuleID)
		if err != nil || s == nil {
			continue
		}
		err = s.Do(ctx, func(ctx context.Context, session enclave.SessionID, _ *enclave.Operation) error {
			return enc.CloseSession(ctx, session)
		})
		if err != nil {
			logger.Infow("failed to close enclave session", "module", m.ModuleID, "uuid", s.UUID, "err", err)
		}
	}
}
