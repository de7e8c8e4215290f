package stats

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ves-rate-watcher/internal/storage"
)

type staticSource struct {
	rates []float64
}

func (s *staticSource) WindowSamples(_ context.Context, window time.Duration) ([]storage.MarketRateSample, error) {
	samples := make([]storage.MarketRateSample, len(s.rates))
	base := time.Now().UTC().Add(-window)
	for i, rate := range s.rates {
		samples[i] = storage.MarketRateSample{
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
			MarketRate: decimal.NewFromFloat(rate),
		}
	}
	return samples, nil
}

func newEngine(rates ...float64) *Engine {
	return NewEngine(&staticSource{rates: rates}, zerolog.Nop())
}

func TestSummarizeInsufficientSamples(t *testing.T) {
	for _, rates := range [][]float64{nil, {100}} {
		summary, err := newEngine(rates...).Summarize(context.Background(), 24*time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if summary != nil {
			t.Fatalf("expected nil summary for %d samples, got %+v", len(rates), summary)
		}
	}
}

func TestSummarizeBasic(t *testing.T) {
	summary, err := newEngine(100, 104).Summarize(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == nil {
		t.Fatal("expected a summary for 2 samples")
	}

	if summary.Extended {
		t.Fatal("extended metrics should require at least 5 samples")
	}
	if !summary.Max.Equal(decimal.NewFromInt(104)) || !summary.Min.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("bad min/max: %s/%s", summary.Min, summary.Max)
	}
	if !summary.Mean.Equal(decimal.NewFromInt(102)) {
		t.Fatalf("bad mean: %s", summary.Mean)
	}
	if summary.Count != 2 {
		t.Fatalf("bad count: %d", summary.Count)
	}
}

func TestSummarizeOrderingInvariant(t *testing.T) {
	summary, err := newEngine(101.3, 99.8, 100.4, 102.2).Summarize(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == nil {
		t.Fatal("expected a summary")
	}

	if summary.Min.GreaterThan(summary.Mean) || summary.Mean.GreaterThan(summary.Max) {
		t.Fatalf("min <= mean <= max violated: %s / %s / %s", summary.Min, summary.Mean, summary.Max)
	}
}

func TestSummarizeExtended(t *testing.T) {
	summary, err := newEngine(100, 101, 99, 100, 104).Summarize(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == nil || !summary.Extended {
		t.Fatalf("expected extended summary for 5 samples, got %+v", summary)
	}

	if !summary.StdDev.IsPositive() {
		t.Fatalf("expected positive std dev, got %s", summary.StdDev)
	}
	if summary.Trend != TrendRising {
		t.Fatalf("latest 104 above moving average should classify RISING, got %s", summary.Trend)
	}
}

func TestSummarizeTrendFalling(t *testing.T) {
	summary, err := newEngine(104, 103, 102, 101, 95).Summarize(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == nil || summary.Trend != TrendFalling {
		t.Fatalf("expected FALLING trend, got %+v", summary)
	}
}

func TestSummarizeTrendFlat(t *testing.T) {
	summary, err := newEngine(100, 100, 100, 100, 100).Summarize(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == nil || summary.Trend != TrendFlat {
		t.Fatalf("expected FLAT trend, got %+v", summary)
	}
	if !summary.StdDev.IsZero() {
		t.Fatalf("constant series should have zero std dev, got %s", summary.StdDev)
	}
}
