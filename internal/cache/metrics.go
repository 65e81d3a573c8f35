package cache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics exposes the cache counters as observable gauges on the
// global meter provider.
func (c *Cache) RegisterMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-render/cache")
	entries, err := meter.Int64ObservableGauge("loqa.render.cache.entries", metric.WithDescription("Entries held by the render cache"))
	if err != nil {
		return err
	}
	hits, err := meter.Int64ObservableCounter("loqa.render.cache.hits", metric.WithDescription("Render cache hits"))
	if err != nil {
		return err
	}
	misses, err := meter.Int64ObservableCounter("loqa.render.cache.misses", metric.WithDescription("Render cache misses"))
	if err != nil {
		return err
	}
	evictions, err := meter.Int64ObservableCounter("loqa.render.cache.evictions", metric.WithDescription("Entries evicted at capacity"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		st := c.Stats()
		obs.ObserveInt64(entries, int64(st.Entries))
		obs.ObserveInt64(hits, st.Hits)
		obs.ObserveInt64(misses, st.Misses)
		obs.ObserveInt64(evictions, st.Evictions)
		return nil
	}, entries, hits, misses, evictions)
	return err
}
