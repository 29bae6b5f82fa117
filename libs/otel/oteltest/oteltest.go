// Package oteltest collects metrics in memory for assertions.
package oteltest

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type Metrics struct {
	Provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

func NewMetrics(t testing.TB) *Metrics {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return &Metrics{Provider: mp, reader: reader}
}

func (m *Metrics) collect(t testing.TB) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	return rm
}

// Int64Sum adds up every data point of the named int64 counter or gauge. Missing metrics count as 0.
func (m *Metrics) Int64Sum(t testing.TB, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range m.collect(t).ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// Float64Gauge returns the last value of the named float64 gauge and whether it was reported.
func (m *Metrics) Float64Gauge(t testing.TB, name string) (float64, bool) {
	t.Helper()
	for _, sm := range m.collect(t).ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			if data, ok := md.Data.(metricdata.Gauge[float64]); ok && len(data.DataPoints) > 0 {
				return data.DataPoints[len(data.DataPoints)-1].Value, true
			}
		}
	}
	return 0, false
}
