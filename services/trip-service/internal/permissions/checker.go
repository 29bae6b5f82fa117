package permissions

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store is the authoritative permission lookup.
type Store interface {
	Allowed(ctx context.Context, k Key) (bool, error)
}

type Checker struct {
	store  Store
	cache  Cache
	logger *slog.Logger

	lookups metric.Int64Counter
}

func NewChecker(store Store, cache Cache, logger *slog.Logger, mp metric.MeterProvider) *Checker {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	c := &Checker{store: store, cache: cache, logger: logger}
	meter := mp.Meter("github.com/md-rashed-zaman/eventrelay/services/trip-service/internal/permissions")
	var err error
	if c.lookups, err = meter.Int64Counter("permissions.cache.lookups",
		metric.WithDescription("Permission checks by cache result (hit, miss, error)")); err != nil {
		logger.Warn("permission metric init failed", "err", err)
	}
	return c
}

func (c *Checker) count(ctx context.Context, result string) {
	if c.lookups != nil {
		c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.result", result)))
	}
}

// Check answers from the cache when it can and from the store otherwise. A store failure
// is returned as an error; it is never turned into a decision.
func (c *Checker) Check(ctx context.Context, k Key) (bool, error) {
	if err := k.Validate(); err != nil {
		return false, err
	}
	l, err := c.cache.Get(ctx, k)
	if err != nil {
		c.count(ctx, "error")
		c.logger.WarnContext(ctx, "permission cache read failed, using store", "err", err, "resource", k.Resource)
		return c.store.Allowed(ctx, k)
	}
	if l.Hit {
		c.count(ctx, "hit")
		return l.Allowed, nil
	}
	c.count(ctx, "miss")

	allowed, err := c.store.Allowed(ctx, k)
	if err != nil {
		return false, err
	}
	if err := c.cache.Set(ctx, k, allowed, l.Epoch); err != nil {
		c.logger.WarnContext(ctx, "permission cache write failed", "err", err, "resource", k.Resource)
	}
	return allowed, nil
}
