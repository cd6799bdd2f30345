// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package metrics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"

	"github.com/authentic-execution/eventmanager/logger"
)

// OTLPSink forwards go-metrics to an OpenTelemetry meter. Instruments are
// created on first use and reused afterwards.
type OTLPSink struct {
	meter         metric.Meter
	meterProvider *metricSDK.MeterProvider

	counters   sync.Map // name -> metric.Float64Counter
	gauges     sync.Map // name -> metric.Float64Gauge
	histograms sync.Map // name -> metric.Float64Histogram
}

var _ metrics.ShutdownSink = (*OTLPSink)(nil)

// NewOTLPSink initializes the Open Telemetry metrics SDK, exporting over
// OTLP/HTTP as configured by the standard OTEL_EXPORTER_OTLP_* environment,
// and returns a new sink.
func NewOTLPSink(ctx context.Context, serviceName string) (*OTLPSink, error) {
	// this is a greatly condensed adaptation of
	// https://opentelemetry.io/docs/languages/go/getting-started/#initialize-the-opentelemetry-sdk
	metricExporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating new otlp meter exporter: %w", err)
	}
	meterProvider := metricSDK.NewMeterProvider(metricSDK.WithReader(metricSDK.NewPeriodicReader(metricExporter)))
	otel.SetMeterProvider(meterProvider)
	return newOTLPSink(meterProvider, serviceName), nil
}

func newOTLPSink(provider *metricSDK.MeterProvider, serviceName string) *OTLPSink {
	return &OTLPSink{meter: provider.Meter(serviceName), meterProvider: provider}
}

func (s *OTLPSink) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	_ = s.meterProvider.Shutdown(ctx)
}

// instrument returns the instrument cached under name, creating it with
// create if there is none yet
func instrument[T any](cache *sync.Map, name string, create func(string) (T, error)) (T, bool) {
	if v, ok := cache.Load(name); ok {
		return v.(T), true
	}
	i, err := create(name)
	if err != nil {
		logger.Errorf("failed to record %s: %v", name, err)
		return i, false
	}
	v, _ := cache.LoadOrStore(name, i)
	return v.(T), true
}

func (s *OTLPSink) SetGauge(key []string, val float32) {
	s.SetGaugeWithLabels(key, val, nil)
}

func (s *OTLPSink) SetGaugeWithLabels(key []string, val float32, labels []metrics.Label) {
	g, ok := instrument(&s.gauges, name(key), func(n string) (metric.Float64Gauge, error) {
		return s.meter.Float64Gauge(n)
	})
	if ok {
		g.Record(context.Background(), float64(val), metric.WithAttributes(labelsToAttributes(labels)...))
	}
}

// EmitKey is not implemented
func (s *OTLPSink) EmitKey(_ []string, _ float32) {
	logger.Errorf("EmitKey is not implemented")
}

func (s *OTLPSink) IncrCounter(key []string, val float32) {
	s.IncrCounterWithLabels(key, val, nil)
}

func (s *OTLPSink) IncrCounterWithLabels(key []string, val float32, labels []metrics.Label) {
	c, ok := instrument(&s.counters, name(key), func(n string) (metric.Float64Counter, error) {
		return s.meter.Float64Counter(n)
	})
	if ok {
		c.Add(context.Background(), float64(val), metric.WithAttributes(labelsToAttributes(labels)...))
	}
}

func (s *OTLPSink) AddSample(key []string, val float32) {
	s.AddSampleWithLabels(key, val, nil)
}

func (s *OTLPSink) AddSampleWithLabels(key []string, val float32, labels []metrics.Label) {
	h, ok := instrument(&s.histograms, name(key), func(n string) (metric.Float64Histogram, error) {
		return s.meter.Float64Histogram(n)
	})
	if ok {
		h.Record(context.Background(), float64(val), metric.WithAttributes(labelsToAttributes(labels)...))
	}
}

func labelsToAttributes(labels []metrics.Label) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, label := range labels {
		attrs = append(attrs, attribute.String(label.Name, label.Value))
	}

	return attrs
}

func name(key []string) string {
	return strings.Join(key, ".")
}
