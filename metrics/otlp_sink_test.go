// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package metrics

import (
	"context"
	"testing"

	"github.com/hashicorp/go-metrics"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *metricSDK.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestOTLPSink(t *testing.T) {
	reader := metricSDK.NewManualReader()
	sink := newOTLPSink(metricSDK.NewMeterProvider(metricSDK.WithReader(reader)), "test")

	labels := []metrics.Label{{Name: "command", Value: "Ping"}}
	sink.IncrCounterWithLabels([]string{"dispatch", "count"}, 1, labels)
	sink.IncrCounterWithLabels([]string{"dispatch", "count"}, 2, labels)
	sink.SetGauge([]string{"server", "activeClients"}, 3)
	sink.AddSample([]string{"dispatch", "duration"}, 1.5)
	sink.AddSample([]string{"dispatch", "duration"}, 2.5)

	got := collect(t, reader)

	sum, ok := got["dispatch.count"].Data.(metricdata.Sum[float64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 3 {
		t.Errorf("dispatch.count = %+v, want one point of 3", got["dispatch.count"].Data)
	} else if v, _ := sum.DataPoints[0].Attributes.Value("command"); v.AsString() != "Ping" {
		t.Errorf("dispatch.count command label = %v, want Ping", v.AsString())
	}

	gauge, ok := got["server.activeClients"].Data.(metricdata.Gauge[float64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 3 {
		t.Errorf("server.activeClients = %+v, want 3", got["server.activeClients"].Data)
	}

	hist, ok := got["dispatch.duration"].Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 || hist.DataPoints[0].Sum != 4 {
		t.Errorf("dispatch.duration = %+v, want 2 samples summing to 4", got["dispatch.duration"].Data)
	}
}
