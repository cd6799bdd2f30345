// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Binary eventmanager relays encrypted events between enclave modules on
// this node and relays on other nodes.
package main

import (
	"context"
	"os"
	"os/signal"

	stdlog "log"

	"github.com/spf13/pflag"

	"github.com/authentic-execution/eventmanager/auth"
	"github.com/authentic-execution/eventmanager/config"
	"github.com/authentic-execution/eventmanager/enclave"
	"github.com/authentic-execution/eventmanager/logger"
	"github.com/authentic-execution/eventmanager/metrics"
	"github.com/authentic-execution/eventmanager/service"
)

var (
	hconfigPath = pflag.StringP("config", "c", "", "Path to host configuration yaml file")
	listenAddr  = pflag.String("listen", "", "Override the relay listen address (host:port)")
)

func main() {
	pflag.Parse()

	hconfig := config.Default()
	if *hconfigPath != "" {
		var err error
		if hconfig, err = config.Read(*hconfigPath); err != nil {
			stdlog.Fatalf("could not read configuration: %v", err)
		}
	}
	if *listenAddr != "" {
		hconfig.ListenAddr = *listenAddr
	}
	logger.Init(hconfig)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer func() {
		signal.Stop(interrupts)
		cancel()
	}()

	go func() {
		select {
		case <-interrupts:
			logger.Infof("received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownMetrics, err := metrics.Configure(ctx, hconfig)
	if err != nil {
		logger.Fatalf("error initializing metrics: %v", err)
	}
	defer shutdownMetrics()

	authenticator, enabled, err := auth.FromEnv()
	if err != nil {
		logger.Fatalf("bad control credentials: %v", err)
	}
	if !enabled {
		logger.Warnf("%s not set, control endpoints are unauthenticated", auth.SecretEnv)
	}

	enc, err := enclave.NewSocket(enclave.SocketConfig{
		Host:     hconfig.Enclave.Host,
		VsockCID: hconfig.Enclave.VsockCID,
		Port:     hconfig.Enclave.Port,
	})
	if err != nil {
		logger.Fatalf("error connecting to enclave: %v", err)
	}
	defer enc.Close()
	logger.Infow("connected to enclave", "host", hconfig.Enclave.Host, "cid", hconfig.Enclave.VsockCID, "port", hconfig.Enclave.Port)

	err = service.Start(ctx, hconfig, authenticator, enc)
	logger.Errorw("Shutting down", "error", err)
}
