package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ves-rate-watcher/internal/logging"
	"ves-rate-watcher/internal/stats"
	"ves-rate-watcher/internal/storage"
)

// FiredAlert describes one threshold crossing that was delivered.
type FiredAlert struct {
	Owner       string
	Series      storage.Series
	Direction   storage.Direction
	ChangePct   decimal.Decimal
	CurrentRate decimal.Decimal
}

// SummarySource supplies the rolling baseline for percent-change math.
type SummarySource interface {
	Summarize(ctx context.Context, window time.Duration) (*stats.Summary, error)
}

// Evaluator walks active subscriptions after each ingestion cycle and fires
// the ones whose threshold the current rate crossed. A subscription fires at
// most once and must be re-created by its owner to watch again.
type Evaluator struct {
	subs     storage.SubscriptionStore
	source   SummarySource
	notifier Notifier
	window   time.Duration
	logger   zerolog.Logger
}

// NewEvaluator constructs an alert evaluator.
func NewEvaluator(subs storage.SubscriptionStore, source SummarySource, notifier Notifier, window time.Duration, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		subs:     subs,
		source:   source,
		notifier: notifier,
		window:   window,
		logger:   logging.Component(logger, "evaluator"),
	}
}

// Evaluate compares currentRate against the rolling window mean and fires
// every active subscription whose threshold the change crossed. When the
// window holds too few samples for a baseline, evaluation is skipped rather
// than fired on noise.
func (e *Evaluator) Evaluate(ctx context.Context, currentRate decimal.Decimal) ([]FiredAlert, error) {
	summary, err := e.source.Summarize(ctx, e.window)
	if err != nil {
		return nil, fmt.Errorf("summarize window: %w", err)
	}
	if summary == nil || summary.Mean.IsZero() {
		e.logger.Debug().Msg("no rolling baseline, skipping evaluation")
		return nil, nil
	}

	changePct := currentRate.Div(summary.Mean).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))

	subs, err := e.subs.ListActiveSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	fired := make([]FiredAlert, 0)
	for _, sub := range subs {
		if !crossed(sub, changePct) {
			continue
		}

		alert := FiredAlert{
			Owner:       sub.Owner,
			Series:      sub.Series,
			Direction:   sub.Direction,
			ChangePct:   changePct,
			CurrentRate: currentRate,
		}

		if e.notifier != nil {
			note := Notification{
				Owner:        sub.Owner,
				Series:       string(sub.Series),
				Direction:    string(sub.Direction),
				ThresholdPct: sub.ThresholdPct,
				ChangePct:    changePct,
				Baseline:     summary.Mean,
				CurrentRate:  currentRate,
				TriggeredAt:  time.Now().UTC(),
			}
			if err := e.notifier.Notify(ctx, note); err != nil {
				// Delivery failed: leave the subscription active so the
				// next cycle retries instead of silently consuming it.
				e.logger.Error().Err(err).
					Int64("subscription_id", sub.ID).
					Msg("alert delivery failed, subscription stays active")
				continue
			}
		}

		if err := e.subs.DeactivateSubscription(ctx, sub.ID, currentRate); err != nil {
			e.logger.Error().Err(err).
				Int64("subscription_id", sub.ID).
				Msg("failed to deactivate fired subscription")
		}

		e.logger.Info().
			Str("owner", sub.Owner).
			Str("direction", string(sub.Direction)).
			Str("change_pct", changePct.StringFixed(3)).
			Msg("alert fired")
		fired = append(fired, alert)
	}

	return fired, nil
}

func crossed(sub storage.AlertSubscription, changePct decimal.Decimal) bool {
	switch sub.Direction {
	case storage.DirectionRise:
		return changePct.GreaterThanOrEqual(sub.ThresholdPct)
	case storage.DirectionFall:
		return changePct.LessThanOrEqual(sub.ThresholdPct.Neg())
	default:
		return false
	}
}
