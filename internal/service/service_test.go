package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ves-rate-watcher/internal/aggregate"
	"ves-rate-watcher/internal/config"
	"ves-rate-watcher/internal/fetcher"
	"ves-rate-watcher/internal/logging"
	"ves-rate-watcher/internal/storage"
)

type fakeStore struct {
	references []storage.ReferenceRateSample
	markets    []storage.MarketRateSample
}

func (f *fakeStore) InsertReferenceSample(_ context.Context, sample storage.ReferenceRateSample) error {
	f.references = append(f.references, sample)
	return nil
}

func (f *fakeStore) LatestReferenceSample(context.Context) (*storage.ReferenceRateSample, error) {
	if len(f.references) == 0 {
		return nil, nil
	}
	latest := f.references[len(f.references)-1]
	return &latest, nil
}

func (f *fakeStore) InsertMarketSample(_ context.Context, sample storage.MarketRateSample) error {
	f.markets = append(f.markets, sample)
	return nil
}

func (f *fakeStore) LatestMarketSample(context.Context) (*storage.MarketRateSample, error) {
	if len(f.markets) == 0 {
		return nil, nil
	}
	latest := f.markets[len(f.markets)-1]
	return &latest, nil
}

func (f *fakeStore) LatestCrossRate(context.Context) (*decimal.Decimal, time.Time, error) {
	for i := len(f.markets) - 1; i >= 0; i-- {
		if f.markets[i].CrossRate != nil {
			return f.markets[i].CrossRate, f.markets[i].ObservedAt, nil
		}
	}
	return nil, time.Time{}, nil
}

func (f *fakeStore) WindowSamples(context.Context, time.Duration) ([]storage.MarketRateSample, error) {
	return f.markets, nil
}

func (f *fakeStore) WindowSummary(context.Context, time.Duration) (*storage.WindowSummary, error) {
	return nil, nil
}

type staticReference struct {
	snap fetcher.ReferenceSnapshot
	err  error
}

func (s staticReference) FetchReference(context.Context) (fetcher.ReferenceSnapshot, error) {
	return s.snap, s.err
}

type staticListings struct {
	listings []aggregate.Listing
	err      error
}

func (s staticListings) FetchListings(context.Context) ([]aggregate.Listing, error) {
	return s.listings, s.err
}

type countingCross struct {
	rate  decimal.Decimal
	err   error
	calls int
}

func (c *countingCross) FetchCrossRate(context.Context) (decimal.Decimal, error) {
	c.calls++
	return c.rate, c.err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Gates.VolatilityThresholdPct = 0.1
	cfg.Gates.RoundingStep = 10
	cfg.Sources.Forex.CacheTTL = 85 * time.Minute
	return cfg
}

func referenceAt(day time.Time, rate string) staticReference {
	return staticReference{snap: fetcher.ReferenceSnapshot{
		EffectiveDate: day,
		PrimaryRate:   decimal.RequireFromString(rate),
	}}
}

func listingsAt(prices ...string) staticListings {
	var out []aggregate.Listing
	for _, p := range prices {
		out = append(out, aggregate.Listing{
			Price:            decimal.RequireFromString(p),
			ReliabilityCount: 10,
			ReliabilityRatio: 1,
		})
	}
	return staticListings{listings: out}
}

func TestRunCycleFirstPersistsBothSeries(t *testing.T) {
	store := &fakeStore{}
	day := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	svc := New(testConfig(), referenceAt(day, "236.52"), listingsAt("300"), nil, store, logging.NewLogger(logging.Config{Level: "disabled"}))

	result, err := svc.RunCycle(context.Background(), false)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !result.PersistedReference || !result.PersistedMarket {
		t.Fatalf("first cycle should persist both, got ref=%v market=%v", result.PersistedReference, result.PersistedMarket)
	}
	if len(store.references) != 1 || len(store.markets) != 1 {
		t.Fatalf("unexpected row counts: %d references, %d markets", len(store.references), len(store.markets))
	}
	if !result.RoundedMarketRate.Equal(decimal.RequireFromString("310")) {
		t.Fatalf("rounded rate = %s, want 310", result.RoundedMarketRate)
	}
}

func TestRunCycleReferenceDateGate(t *testing.T) {
	store := &fakeStore{}
	day := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	svc := New(testConfig(), referenceAt(day, "236.52"), listingsAt("300"), nil, store, logging.NewLogger(logging.Config{Level: "disabled"}))

	ctx := context.Background()
	if _, err := svc.RunCycle(ctx, false); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	result, err := svc.RunCycle(ctx, false)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if result.PersistedReference {
		t.Fatal("same effective date must not be re-persisted")
	}
	if len(store.references) != 1 {
		t.Fatalf("reference rows = %d, want 1", len(store.references))
	}
}

func TestRunCycleVolatilityGate(t *testing.T) {
	store := &fakeStore{}
	day := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	cfg := testConfig()
	logger := logging.NewLogger(logging.Config{Level: "disabled"})
	ctx := context.Background()

	if _, err := New(cfg, referenceAt(day, "236.52"), listingsAt("300"), nil, store, logger).RunCycle(ctx, false); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}

	// 300 -> 300.2 is ~0.067%, below the 0.1% threshold.
	result, err := New(cfg, referenceAt(day, "236.52"), listingsAt("300.2"), nil, store, logger).RunCycle(ctx, false)
	if err != nil {
		t.Fatalf("quiet cycle: %v", err)
	}
	if result.PersistedMarket {
		t.Fatal("sub-threshold move must not persist")
	}

	// 300 -> 301 is ~0.33%, above the threshold.
	result, err = New(cfg, referenceAt(day, "236.52"), listingsAt("301"), nil, store, logger).RunCycle(ctx, false)
	if err != nil {
		t.Fatalf("volatile cycle: %v", err)
	}
	if !result.PersistedMarket {
		t.Fatal("above-threshold move must persist")
	}
	if len(store.markets) != 2 {
		t.Fatalf("market rows = %d, want 2", len(store.markets))
	}
}

func TestRunCycleForceBypassesGate(t *testing.T) {
	store := &fakeStore{}
	day := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	svc := New(testConfig(), referenceAt(day, "236.52"), listingsAt("300"), nil, store, logging.NewLogger(logging.Config{Level: "disabled"}))

	ctx := context.Background()
	if _, err := svc.RunCycle(ctx, false); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}
	result, err := svc.RunCycle(ctx, true)
	if err != nil {
		t.Fatalf("forced cycle: %v", err)
	}
	if !result.PersistedMarket {
		t.Fatal("forced cycle must persist an unchanged rate")
	}
	if len(store.markets) != 2 {
		t.Fatalf("market rows = %d, want 2", len(store.markets))
	}
}

func TestRunCyclePartialFailureDegrades(t *testing.T) {
	store := &fakeStore{}
	broken := staticReference{err: fetcher.ErrSourceUnavailable}
	svc := New(testConfig(), broken, listingsAt("300"), nil, store, logging.NewLogger(logging.Config{Level: "disabled"}))

	result, err := svc.RunCycle(context.Background(), false)
	if err != nil {
		t.Fatalf("partial failure should not error the cycle: %v", err)
	}
	if result.Reference != nil {
		t.Fatal("reference side should be degraded to nil")
	}
	if result.MarketRate == nil || !result.PersistedMarket {
		t.Fatal("market side should survive the reference outage")
	}
}

func TestRunCycleCriticalFailure(t *testing.T) {
	store := &fakeStore{}
	svc := New(testConfig(),
		staticReference{err: fetcher.ErrSourceUnavailable},
		staticListings{err: fetcher.ErrSourceUnavailable},
		nil, store, logging.NewLogger(logging.Config{Level: "disabled"}))

	_, err := svc.RunCycle(context.Background(), false)
	if !errors.Is(err, ErrCriticalRateUnavailable) {
		t.Fatalf("err = %v, want ErrCriticalRateUnavailable", err)
	}
	if len(store.references) != 0 || len(store.markets) != 0 {
		t.Fatal("critical failure must not persist anything")
	}
}

func TestRunCycleCrossRateCache(t *testing.T) {
	store := &fakeStore{}
	day := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	cross := &countingCross{rate: decimal.RequireFromString("1.0842")}
	svc := New(testConfig(), referenceAt(day, "236.52"), listingsAt("300"), cross, store, logging.NewLogger(logging.Config{Level: "disabled"}))

	ctx := context.Background()
	if _, err := svc.RunCycle(ctx, true); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if cross.calls != 1 {
		t.Fatalf("cross calls = %d, want 1", cross.calls)
	}

	// The first cycle stored the cross rate seconds ago, well inside the
	// TTL, so the second cycle must reuse it.
	result, err := svc.RunCycle(ctx, true)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if cross.calls != 1 {
		t.Fatalf("cross calls = %d after cached cycle, want 1", cross.calls)
	}
	if !result.CrossRateCached {
		t.Fatal("second cycle should report a cached cross rate")
	}
	if result.CrossRate == nil || !result.CrossRate.Equal(cross.rate) {
		t.Fatalf("cached cross rate = %v, want %s", result.CrossRate, cross.rate)
	}

	// The cached value must not be written back: restamping it would make
	// the newest cross row perpetually young and the TTL would never
	// elapse.
	if store.markets[1].CrossRate != nil {
		t.Fatal("cache-served cycle must store a nil cross rate")
	}
}

func TestRunCycleCrossRateRefetchAfterTTL(t *testing.T) {
	store := &fakeStore{}
	day := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	cross := &countingCross{rate: decimal.RequireFromString("1.0842")}
	svc := New(testConfig(), referenceAt(day, "236.52"), listingsAt("300"), cross, store, logging.NewLogger(logging.Config{Level: "disabled"}))

	ctx := context.Background()
	if _, err := svc.RunCycle(ctx, true); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if cross.calls != 1 {
		t.Fatalf("cross calls = %d, want 1", cross.calls)
	}

	// Age the fetched row past the 85m TTL. Subsequent cache-served rows
	// hold no cross rate, so this is the row the TTL is measured against.
	store.markets[0].ObservedAt = store.markets[0].ObservedAt.Add(-2 * time.Hour)

	result, err := svc.RunCycle(ctx, true)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if cross.calls != 2 {
		t.Fatalf("cross calls = %d after expired TTL, want 2", cross.calls)
	}
	if result.CrossRateCached {
		t.Fatal("expired TTL must report a fresh cross rate, not a cached one")
	}
	if store.markets[len(store.markets)-1].CrossRate == nil {
		t.Fatal("freshly fetched cross rate must be stored")
	}
}

func TestRunCycleObservedAtKeepsFullPrecision(t *testing.T) {
	store := &fakeStore{}
	day := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	svc := New(testConfig(), referenceAt(day, "236.52"), listingsAt("300"), nil, store, logging.NewLogger(logging.Config{Level: "disabled"}))

	// A poll cycle and a forced report cycle can land in the same second;
	// their keys must still differ or the second insert is silently lost
	// to the observed_at uniqueness constraint.
	ctx := context.Background()
	if _, err := svc.RunCycle(ctx, true); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if _, err := svc.RunCycle(ctx, true); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if len(store.markets) != 2 {
		t.Fatalf("market rows = %d, want 2", len(store.markets))
	}
	if store.markets[0].ObservedAt.Equal(store.markets[1].ObservedAt) {
		t.Fatalf("back-to-back cycles share observed_at %s", store.markets[0].ObservedAt)
	}
}

func TestRunCycleCrossFailureDoesNotBlockMarket(t *testing.T) {
	store := &fakeStore{}
	day := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	cross := &countingCross{err: fetcher.ErrSourceUnavailable}
	svc := New(testConfig(), referenceAt(day, "236.52"), listingsAt("300"), cross, store, logging.NewLogger(logging.Config{Level: "disabled"}))

	result, err := svc.RunCycle(context.Background(), false)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !result.PersistedMarket {
		t.Fatal("market rate must persist without a cross rate")
	}
	if result.CrossRate != nil {
		t.Fatal("cross rate should be nil after fetch failure")
	}
}
