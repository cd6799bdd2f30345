// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics installs the global go-metrics sink selected by the
// configuration.
package metrics

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/datadog"

	"github.com/authentic-execution/eventmanager/config"
	"github.com/authentic-execution/eventmanager/logger"
)

// ServiceName prefixes every emitted metric
const ServiceName = "eventmanager"

// Configure installs a datadog sink if an agent is configured, or otherwise
// an OTLP sink if enabled. With neither, the go-metrics default in-memory
// sink stays in place. The returned function flushes and stops the sink.
func Configure(ctx context.Context, cfg *config.Config) (shutdown func(), err error) {
	var sink metrics.ShutdownSink
	switch {
	case cfg.DatadogAgentHost != "":
		logger.Infof("initializing datadog at %v", cfg.DatadogAgentHost)
		dd, err := datadog.NewDogStatsdSink(cfg.DatadogAgentHost, "")
		if err != nil {
			return nil, fmt.Errorf("initializing statsd client: %w", err)
		}
		sink = dd
	case cfg.OTLPMetrics:
		logger.Infof("initializing otlp metrics")
		otlp, err := NewOTLPSink(ctx, ServiceName)
		if err != nil {
			return nil, err
		}
		sink = otlp
	default:
		return func() {}, nil
	}

	// disable hostname tagging, this can be provided by the downstream sink
	mcfg := metrics.DefaultConfig(ServiceName)
	mcfg.EnableHostname = false
	mcfg.EnableHostnameLabel = false
	if _, err := metrics.NewGlobal(mcfg, sink); err != nil {
		sink.Shutdown()
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return sink.Shutdown, nil
}
