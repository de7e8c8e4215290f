package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ves-rate-watcher/internal/aggregate"
	"ves-rate-watcher/internal/alerting"
	"ves-rate-watcher/internal/config"
	"ves-rate-watcher/internal/fetcher"
	"ves-rate-watcher/internal/logging"
	"ves-rate-watcher/internal/scheduler"
	"ves-rate-watcher/internal/storage"
)

// ErrCriticalRateUnavailable is returned when neither the reference source
// nor the market source produced a usable rate in a cycle. A single failing
// source only degrades its side of the result.
var ErrCriticalRateUnavailable = errors.New("service: no rate source available")

// RateStore is the storage surface the coordinator needs: both rate series
// plus their latest rows for gate checks.
type RateStore interface {
	storage.ReferenceStore
	storage.MarketStore
}

// Evaluator runs alert evaluation against the freshest market rate. It is
// invoked after every cycle that produced a market rate.
type Evaluator interface {
	Evaluate(ctx context.Context, currentRate decimal.Decimal) ([]alerting.FiredAlert, error)
}

// CycleResult carries everything one ingestion cycle observed. Fields stay
// nil when the corresponding source failed or was skipped.
type CycleResult struct {
	ObservedAt time.Time

	Reference *fetcher.ReferenceSnapshot

	MarketRate        *decimal.Decimal
	RoundedMarketRate *decimal.Decimal
	CrossRate         *decimal.Decimal
	CrossRateCached   bool

	PersistedReference bool
	PersistedMarket    bool
}

// Service coordinates fetching, gating, persistence, and alert evaluation.
type Service struct {
	reference fetcher.ReferenceFetcher
	listings  fetcher.ListingFetcher
	cross     fetcher.CrossRateFetcher
	store     RateStore
	evaluator Evaluator
	logger    zerolog.Logger

	threshold    decimal.Decimal
	roundingStep decimal.Decimal
	crossTTL     time.Duration

	locker  storage.AdvisoryLocker
	lockKey int64

	pollSched   *scheduler.Scheduler
	reportSched *scheduler.Scheduler
}

// Option mutates optional service collaborators.
type Option func(*Service)

// WithSchedulers attaches the fast gated schedule and the slower forced one.
func WithSchedulers(poll, report *scheduler.Scheduler) Option {
	return func(s *Service) {
		s.pollSched = poll
		s.reportSched = report
	}
}

// WithEvaluator attaches post-cycle alert evaluation.
func WithEvaluator(e Evaluator) Option {
	return func(s *Service) { s.evaluator = e }
}

// New constructs the ingestion coordinator.
func New(cfg *config.Config, reference fetcher.ReferenceFetcher, listings fetcher.ListingFetcher, cross fetcher.CrossRateFetcher, store RateStore, logger zerolog.Logger, opts ...Option) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	s := &Service{
		reference:    reference,
		listings:     listings,
		cross:        cross,
		store:        store,
		logger:       logging.Component(logger, "service"),
		threshold:    decimal.NewFromFloat(cfg.Gates.VolatilityThresholdPct),
		roundingStep: decimal.NewFromInt(cfg.Gates.RoundingStep),
		crossTTL:     cfg.Sources.Forex.CacheTTL,
		locker:       locker,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks on both schedules until ctx is cancelled. The poll schedule
// runs gated cycles; the report schedule forces persistence so the market
// series never goes silent for longer than the report interval.
func (s *Service) Run(ctx context.Context) error {
	if s.pollSched == nil {
		return fmt.Errorf("poll scheduler not configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.pollSched.Run(ctx, func(ctx context.Context, _ time.Time) error {
			_, err := s.RunCycle(ctx, false)
			return err
		})
	})
	if s.reportSched != nil {
		g.Go(func() error {
			return s.reportSched.Run(ctx, func(ctx context.Context, _ time.Time) error {
				_, err := s.RunCycle(ctx, true)
				return err
			})
		})
	}
	return g.Wait()
}

// RunCycle 执行一次完整的采集周期。 It fetches all sources concurrently,
// applies the persistence gates under the advisory lock, and evaluates
// alerts. force bypasses the market volatility gate.
func (s *Service) RunCycle(ctx context.Context, force bool) (CycleResult, error) {
	result := CycleResult{ObservedAt: time.Now().UTC()}

	var (
		refSnap   fetcher.ReferenceSnapshot
		refErr    error
		market    decimal.Decimal
		marketErr error
	)

	crossRate, crossCached := s.cachedCrossRate(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		refSnap, refErr = s.fetchReference(gctx)
		return nil
	})
	g.Go(func() error {
		market, marketErr = s.fetchMarket(gctx)
		return nil
	})
	if crossRate == nil && s.cross != nil {
		g.Go(func() error {
			rate, err := s.cross.FetchCrossRate(gctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("cross rate fetch failed, degrading")
				return nil
			}
			crossRate = &rate
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	if refErr != nil && marketErr != nil {
		return result, fmt.Errorf("%w: reference: %v; market: %v", ErrCriticalRateUnavailable, refErr, marketErr)
	}
	if refErr != nil {
		s.logger.Warn().Err(refErr).Msg("reference fetch failed, degrading")
	}
	if marketErr != nil {
		s.logger.Warn().Err(marketErr).Msg("market fetch failed, degrading")
	}

	if refErr == nil {
		result.Reference = &refSnap
	}
	if marketErr == nil {
		result.MarketRate = &market
		rounded := aggregate.RoundUpToStep(market, s.roundingStep)
		result.RoundedMarketRate = &rounded
		result.CrossRate = crossRate
		result.CrossRateCached = crossCached
	}

	if err := s.persist(ctx, &result, force); err != nil {
		return result, err
	}

	s.logger.Info().
		Bool("force", force).
		Bool("persisted_reference", result.PersistedReference).
		Bool("persisted_market", result.PersistedMarket).
		Msg("cycle complete")

	if s.evaluator != nil && result.MarketRate != nil {
		fired, err := s.evaluator.Evaluate(ctx, *result.MarketRate)
		if err != nil {
			s.logger.Error().Err(err).Msg("alert evaluation failed")
		} else if len(fired) > 0 {
			s.logger.Info().Int("fired", len(fired)).Msg("alerts dispatched")
		}
	}

	return result, nil
}

func (s *Service) fetchReference(ctx context.Context) (fetcher.ReferenceSnapshot, error) {
	if s.reference == nil {
		return fetcher.ReferenceSnapshot{}, fmt.Errorf("reference fetcher not configured")
	}
	snap, err := s.reference.FetchReference(ctx)
	if err != nil {
		return fetcher.ReferenceSnapshot{}, err
	}
	if snap.PrimaryRate.IsZero() {
		return fetcher.ReferenceSnapshot{}, fmt.Errorf("reference primary rate is zero")
	}
	return snap, nil
}

func (s *Service) fetchMarket(ctx context.Context) (decimal.Decimal, error) {
	if s.listings == nil {
		return decimal.Zero, fmt.Errorf("listing fetcher not configured")
	}
	listings, err := s.listings.FetchListings(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return aggregate.WeightedRate(listings)
}

// cachedCrossRate returns the stored cross rate while it is younger than the
// cache TTL. Cross rates are only stored on a fresh upstream fetch, so the
// newest non-null row's observed_at is the time of the last real fetch and
// the rate-limited API is called at most once per TTL.
func (s *Service) cachedCrossRate(ctx context.Context) (*decimal.Decimal, bool) {
	if s.store == nil || s.crossTTL <= 0 {
		return nil, false
	}
	rate, observedAt, err := s.store.LatestCrossRate(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cross rate cache lookup failed")
		return nil, false
	}
	if rate == nil || time.Since(observedAt) >= s.crossTTL {
		return nil, false
	}
	return rate, true
}

// persist applies both persistence gates under the advisory lock so that the
// gate check and the insert observe the same latest row.
func (s *Service) persist(ctx context.Context, result *CycleResult, force bool) error {
	if s.store == nil {
		return nil
	}
	if result.Reference == nil && result.MarketRate == nil {
		return nil
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Msg("skip persistence, advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if result.Reference != nil {
		persisted, err := s.persistReference(ctx, *result.Reference, result.ObservedAt)
		if err != nil {
			return err
		}
		result.PersistedReference = persisted
	}

	if result.MarketRate != nil {
		// Only a freshly fetched cross rate is stored; serving from cache
		// must not restamp the row, or the newest non-null cross_rate row
		// would always look young and the TTL would never elapse.
		cross := result.CrossRate
		if result.CrossRateCached {
			cross = nil
		}
		persisted, err := s.persistMarket(ctx, *result.MarketRate, cross, result.ObservedAt, force)
		if err != nil {
			return err
		}
		result.PersistedMarket = persisted
	}
	return nil
}

// persistReference stores the snapshot only when the publication advanced to
// a new effective date. Re-reads of the same publication are no-ops.
func (s *Service) persistReference(ctx context.Context, snap fetcher.ReferenceSnapshot, recordedAt time.Time) (bool, error) {
	latest, err := s.store.LatestReferenceSample(ctx)
	if err != nil {
		return false, fmt.Errorf("reference gate: %w", err)
	}
	if latest != nil && sameDay(latest.EffectiveDate, snap.EffectiveDate) {
		return false, nil
	}

	sample := storage.ReferenceRateSample{
		EffectiveDate:  snap.EffectiveDate,
		RecordedAt:     recordedAt,
		PrimaryRate:    snap.PrimaryRate,
		SecondaryRates: snap.SecondaryRates,
	}
	if err := s.store.InsertReferenceSample(ctx, sample); err != nil {
		return false, fmt.Errorf("persist reference: %w", err)
	}
	return true, nil
}

// persistMarket stores the rate when forced, when the series is empty, or
// when it moved more than the volatility threshold relative to the prior row.
func (s *Service) persistMarket(ctx context.Context, rate decimal.Decimal, cross *decimal.Decimal, observedAt time.Time, force bool) (bool, error) {
	if !force {
		latest, err := s.store.LatestMarketSample(ctx)
		if err != nil {
			return false, fmt.Errorf("market gate: %w", err)
		}
		if latest != nil && !s.exceedsThreshold(latest.MarketRate, rate) {
			return false, nil
		}
	}

	sample := storage.MarketRateSample{
		ObservedAt: observedAt,
		MarketRate: rate,
		CrossRate:  cross,
	}
	if err := s.store.InsertMarketSample(ctx, sample); err != nil {
		return false, fmt.Errorf("persist market: %w", err)
	}
	return true, nil
}

func (s *Service) exceedsThreshold(prior, current decimal.Decimal) bool {
	if prior.IsZero() {
		return true
	}
	changePct := current.Sub(prior).Div(prior).Abs().Mul(decimal.NewFromInt(100))
	return changePct.GreaterThan(s.threshold)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
