package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"ves-rate-watcher/internal/alerting"
	"ves-rate-watcher/internal/stats"
	"ves-rate-watcher/internal/storage"
)

// SimulateOptions describe one synthetic threshold-crossing scenario.
type SimulateOptions struct {
	Owner        string
	Series       string
	Direction    string
	ThresholdPct string
	Baseline     string
	CurrentRate  string
}

// SimulateAlert 通过给定的基准/当前价格模拟一次告警流程。 It runs the real
// evaluator and notifier against an in-memory subscription, so it exercises
// the full delivery path without touching the database.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	series, direction, err := parseSubscriptionKey(opts.Series, opts.Direction)
	if err != nil {
		return err
	}
	threshold, err := decimal.NewFromString(opts.ThresholdPct)
	if err != nil {
		return fmt.Errorf("parse threshold: %w", err)
	}
	baseline, err := decimal.NewFromString(opts.Baseline)
	if err != nil {
		return fmt.Errorf("parse baseline: %w", err)
	}
	current, err := decimal.NewFromString(opts.CurrentRate)
	if err != nil {
		return fmt.Errorf("parse current rate: %w", err)
	}

	subs := &memorySubscriptions{sub: storage.AlertSubscription{
		ID:           1,
		Owner:        opts.Owner,
		Series:       series,
		Direction:    direction,
		ThresholdPct: threshold,
		IsActive:     true,
	}}

	eval := alerting.NewEvaluator(subs, staticBaseline{mean: baseline}, notifier, a.Config.Window.Duration, a.Logger)
	fired, err := eval.Evaluate(ctx, current)
	if err != nil {
		return err
	}

	if len(fired) == 0 {
		fmt.Fprintln(os.Stdout, "no threshold crossing; nothing fired")
		return nil
	}
	for _, alert := range fired {
		fmt.Fprintf(os.Stdout, "fired: %s %s %s change=%s%% current=%s\n",
			alert.Owner, alert.Series, alert.Direction, alert.ChangePct.StringFixed(3), alert.CurrentRate.String())
	}
	return nil
}

type memorySubscriptions struct {
	sub storage.AlertSubscription
}

func (m *memorySubscriptions) UpsertSubscription(_ context.Context, owner string, series storage.Series, direction storage.Direction, threshold decimal.Decimal) (storage.AlertSubscription, error) {
	m.sub = storage.AlertSubscription{ID: 1, Owner: owner, Series: series, Direction: direction, ThresholdPct: threshold, IsActive: true}
	return m.sub, nil
}

func (m *memorySubscriptions) ListActiveSubscriptions(context.Context) ([]storage.AlertSubscription, error) {
	if !m.sub.IsActive {
		return nil, nil
	}
	return []storage.AlertSubscription{m.sub}, nil
}

func (m *memorySubscriptions) DeactivateSubscription(_ context.Context, id int64, lastTriggerRate decimal.Decimal) error {
	if m.sub.ID != id {
		return errors.New("subscription not found")
	}
	m.sub.IsActive = false
	rate := lastTriggerRate
	m.sub.LastTriggerRate = &rate
	return nil
}

type staticBaseline struct {
	mean decimal.Decimal
}

func (s staticBaseline) Summarize(context.Context, time.Duration) (*stats.Summary, error) {
	return &stats.Summary{Mean: s.mean, Count: 2}, nil
}

var _ storage.SubscriptionStore = (*memorySubscriptions)(nil)
