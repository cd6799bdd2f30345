// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Binary miniredis sets up a usable Redis port at --addr, good for running a
// relay with persisted connections and rate limits locally.
package main

import (
	"os"
	"os/signal"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/pflag"

	"github.com/authentic-execution/eventmanager/logger"
)

var (
	addr     = pflag.String("addr", "localhost:6379", "MiniRedis bind address")
	password = pflag.String("password", "", "Require this password from clients")
)

func main() {
	pflag.Parse()
	r := miniredis.NewMiniRedis()
	if *password != "" {
		r.RequireAuth(*password)
	}
	if err := r.StartAddr(*addr); err != nil {
		logger.Fatalf("starting miniredis: %v", err)
	}
	defer r.Close()
	logger.Infof("miniredis listening on %v", r.Addr())

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	<-interrupts
	logger.Infof("received interrupt, shutting down...")
}
