// Package quota enforces per-principal usage limits over daily or monthly windows.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrNoPrincipal   = errors.New("principal is required")
)

// Usage is the state of one principal's current window.
type Usage struct {
	Principal   string    `json:"principal"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
}

func newUsage(w Window, used, limit int64) Usage {
	return Usage{
		Principal:   w.Principal,
		PeriodStart: w.Start,
		PeriodEnd:   w.End,
		Used:        used,
		Limit:       limit,
		Remaining:   max(limit-used, 0),
	}
}

type CounterConfig struct {
	Period        Period
	MeterProvider metric.MeterProvider
}

type Counter struct {
	store  Store
	limits LimitSource
	period Period
	logger *slog.Logger
	now    func() time.Time

	consumed metric.Int64Counter
	rejected metric.Int64Counter
}

func NewCounter(store Store, limits LimitSource, logger *slog.Logger, cfg CounterConfig) *Counter {
	if cfg.Period == "" {
		cfg.Period = Monthly
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter("github.com/md-rashed-zaman/eventrelay/services/usage-service/internal/quota")
	c := &Counter{
		store:  store,
		limits: limits,
		period: cfg.Period,
		logger: logger,
		now:    time.Now,
	}
	var err error
	if c.consumed, err = meter.Int64Counter("quota.consumed", metric.WithDescription("Units granted against quotas")); err != nil {
		logger.Warn("quota metric init failed", "err", err)
	}
	if c.rejected, err = meter.Int64Counter("quota.rejected", metric.WithDescription("Consume calls refused because the quota was reached")); err != nil {
		logger.Warn("quota metric init failed", "err", err)
	}
	return c
}

func (c *Counter) window(principal string) Window {
	now := c.now()
	return Window{Principal: principal, Start: c.period.Start(now), End: c.period.End(now)}
}

// Consume adds amount to the principal's usage. When the result would pass the limit it
// returns ErrQuotaExceeded together with the unchanged usage.
func (c *Counter) Consume(ctx context.Context, principal string, amount int64) (Usage, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return Usage{}, ErrNoPrincipal
	}
	if amount <= 0 {
		return Usage{}, ErrInvalidAmount
	}
	limit, err := c.limits.Limit(ctx, principal)
	if err != nil {
		return Usage{}, err
	}
	w := c.window(principal)
	var (
		used int64
		ok   bool
	)
	if amount > limit {
		// Can never fit; the store is only asked for the current usage.
		used, err = c.store.Used(ctx, w)
	} else {
		used, ok, err = c.store.TryIncrement(ctx, w, amount, limit)
	}
	if err != nil {
		return Usage{}, err
	}
	attrs := metric.WithAttributes(attribute.String("quota.period", string(c.period)))
	if !ok {
		if c.rejected != nil {
			c.rejected.Add(ctx, 1, attrs)
		}
		c.logger.InfoContext(ctx, "quota exceeded", "principal", principal, "used", used, "limit", limit, "amount", amount)
		return newUsage(w, used, limit), fmt.Errorf("%w: %d of %d used", ErrQuotaExceeded, used, limit)
	}
	if c.consumed != nil {
		c.consumed.Add(ctx, amount, attrs)
	}
	return newUsage(w, used, limit), nil
}

func (c *Counter) Usage(ctx context.Context, principal string) (Usage, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return Usage{}, ErrNoPrincipal
	}
	limit, err := c.limits.Limit(ctx, principal)
	if err != nil {
		return Usage{}, err
	}
	w := c.window(principal)
	used, err := c.store.Used(ctx, w)
	if err != nil {
		return Usage{}, err
	}
	return newUsage(w, used, limit), nil
}
