package handler

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
)

// Metrics counts coupon engine outcomes. A nil *Metrics is a no-op, which
// keeps tests free of telemetry wiring.
type Metrics struct {
	validations metric.Int64Counter
	rejections  metric.Int64Counter
	redemptions metric.Int64Counter
}

// NewMetrics registers the coupon engine counters on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("github.com/aitkaci/souq-coupons/internal/handler")

	validations, err := meter.Int64Counter("coupon_validations_total",
		metric.WithDescription("Coupon validations that produced a discount"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("coupon_rejections_total",
		metric.WithDescription("Coupon evaluations rejected, by reason"))
	if err != nil {
		return nil, err
	}
	redemptions, err := meter.Int64Counter("coupon_redemptions_total",
		metric.WithDescription("Committed coupon redemptions"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		validations: validations,
		rejections:  rejections,
		redemptions: redemptions,
	}, nil
}

func (m *Metrics) recordValidation(ctx context.Context) {
	if m == nil {
		return
	}
	m.validations.Add(ctx, 1)
}

func (m *Metrics) recordRejection(ctx context.Context, reason coupon.Reason) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", string(reason)),
	))
}

func (m *Metrics) recordRedemption(ctx context.Context, replayed bool) {
	if m == nil {
		return
	}
	m.redemptions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("replayed", replayed),
	))
}
