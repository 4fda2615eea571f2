package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Provider owns the SDK meter provider and the manual reader used by /metrics.
type Provider struct {
	Metrics *Metrics

	meterProvider *sdkmetric.MeterProvider
	reader        *sdkmetric.ManualReader
}

// Point is one exported data point.
type Point struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// Init builds a provider. When enabled is false the instruments are no-ops and
// Snapshot reports nothing.
func Init(enabled bool) (*Provider, error) {
	if !enabled {
		return &Provider{Metrics: Noop()}, nil
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, fmt.Errorf("create metric instruments: %w", err)
	}
	return &Provider{Metrics: m, meterProvider: mp, reader: reader}, nil
}

// Enabled reports whether metrics are collected.
func (p *Provider) Enabled() bool {
	return p != nil && p.reader != nil
}

// Snapshot collects current values keyed by instrument name.
func (p *Provider) Snapshot(ctx context.Context) (map[string][]Point, error) {
	if !p.Enabled() {
		return nil, nil
	}

	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	out := make(map[string][]Point)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = append(out[m.Name], Point{
						Attributes: attributesOf(dp.Attributes),
						Value:      float64(dp.Value),
					})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = append(out[m.Name], Point{
						Attributes: attributesOf(dp.Attributes),
						Value:      dp.Sum,
						Count:      dp.Count,
					})
				}
			}
		}
	}
	for name := range out {
		points := out[name]
		sort.Slice(points, func(i, j int) bool {
			return fmt.Sprint(points[i].Attributes) < fmt.Sprint(points[j].Attributes)
		})
	}
	return out, nil
}

// Shutdown flushes and stops the SDK provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

func attributesOf(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	attrs := make(map[string]string, set.Len())
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	return attrs
}
