// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/authentic-execution/eventmanager/wire"
)

type metricsWriter interface {
	IncrCounterWithLabels(key []string, val float32, labels []metrics.Label)
	AddSampleWithLabels(key []string, val float32, labels []metrics.Label)
}

var (
	commandCounter = []string{"dispatch", "command"}
	commandLatency = []string{"dispatch", "commandLatency"}
	droppedCounter = []string{"dispatch", "dropped"}
)

// requestMetrics counts handled commands by code and result
type requestMetrics struct {
	writer metricsWriter
}

func newRequestMetrics() *requestMetrics {
	return &requestMetrics{writer: metrics.Default()}
}

func (m *requestMetrics) record(code wire.CommandCode, result wire.ResultCode, elapsed time.Duration) {
	labels := []metrics.Label{
		{Name: "command", Value: code.String()},
		{Name: "result", Value: result.String()},
	}
	m.writer.IncrCounterWithLabels(commandCounter, 1, labels)
	m.writer.AddSampleWithLabels(commandLatency, float32(elapsed.Milliseconds()), labels[:1])
}

func (m *requestMetrics) dropped() {
	m.writer.IncrCounterWithLabels(droppedCounter, 1, nil)
}
