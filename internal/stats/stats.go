package stats

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ves-rate-watcher/internal/storage"
)

// extendedMinSamples is the floor below which std-dev and trend are not
// reported. A 2-point "trend" is noise; 5 keeps the reading meaningful
// without starving low-traffic deployments.
const extendedMinSamples = 5

// Trend classifies the latest sample against the window moving average.
type Trend string

const (
	TrendRising  Trend = "RISING"
	TrendFalling Trend = "FALLING"
	TrendFlat    Trend = "FLAT"
)

// Summary is the derived rolling view over market rates in a trailing
// window. StdDev, MovingAvg and Trend are only meaningful when Extended is
// true; callers treat Extended=false as "insufficient data" for those.
type Summary struct {
	Max    decimal.Decimal
	Min    decimal.Decimal
	Mean   decimal.Decimal
	Count  int
	Window time.Duration

	Extended  bool
	StdDev    decimal.Decimal
	MovingAvg decimal.Decimal
	Trend     Trend
}

// SampleSource provides the in-window market samples, oldest first.
type SampleSource interface {
	WindowSamples(ctx context.Context, window time.Duration) ([]storage.MarketRateSample, error)
}

// Engine computes rolling statistics from stored market samples.
type Engine struct {
	source SampleSource
	logger zerolog.Logger
}

// NewEngine constructs a rolling statistics engine.
func NewEngine(source SampleSource, logger zerolog.Logger) *Engine {
	return &Engine{
		source: source,
		logger: logger.With().Str("component", "stats").Logger(),
	}
}

// Summarize computes the rolling summary over the trailing window. It
// returns nil when fewer than 2 samples are stored in-window; with 2-4
// samples only the basic aggregates are filled in.
func (e *Engine) Summarize(ctx context.Context, window time.Duration) (*Summary, error) {
	samples, err := e.source.WindowSamples(ctx, window)
	if err != nil {
		return nil, err
	}

	if len(samples) < 2 {
		e.logger.Debug().Int("samples", len(samples)).Dur("window", window).
			Msg("insufficient samples for summary")
		return nil, nil
	}

	rates := make([]decimal.Decimal, len(samples))
	for i, sample := range samples {
		rates[i] = sample.MarketRate
	}

	summary := &Summary{
		Max:    rates[0],
		Min:    rates[0],
		Count:  len(rates),
		Window: window,
	}

	sum := decimal.Zero
	for _, rate := range rates {
		if rate.GreaterThan(summary.Max) {
			summary.Max = rate
		}
		if rate.LessThan(summary.Min) {
			summary.Min = rate
		}
		sum = sum.Add(rate)
	}
	summary.Mean = sum.Div(decimal.NewFromInt(int64(len(rates))))

	if len(rates) < extendedMinSamples {
		return summary, nil
	}

	summary.Extended = true
	summary.StdDev = stdDev(rates, summary.Mean)
	summary.MovingAvg = summary.Mean
	summary.Trend = classifyTrend(rates[len(rates)-1], summary.MovingAvg)

	return summary, nil
}

func classifyTrend(latest, movingAvg decimal.Decimal) Trend {
	switch latest.Cmp(movingAvg) {
	case 1:
		return TrendRising
	case -1:
		return TrendFalling
	default:
		return TrendFlat
	}
}

// stdDev is the population standard deviation of the rates.
func stdDev(rates []decimal.Decimal, mean decimal.Decimal) decimal.Decimal {
	variance := 0.0
	m := mean.InexactFloat64()
	for _, rate := range rates {
		diff := rate.InexactFloat64() - m
		variance += diff * diff
	}
	variance /= float64(len(rates))
	return decimal.NewFromFloat(math.Sqrt(variance))
}
