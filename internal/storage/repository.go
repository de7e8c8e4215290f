package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")

	// ErrConflict indicates a constraint violation other than the expected
	// idempotent duplicate-key case. Duplicate keys are swallowed as no-ops.
	ErrConflict = errors.New("storage: constraint violation")

	// ErrNotFound indicates the targeted row does not exist.
	ErrNotFound = errors.New("storage: row not found")
)

const (
	insertReferenceSQL = `INSERT INTO reference_rates (
        effective_date,
        recorded_at,
        primary_rate,
        secondary_rates
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (effective_date) DO NOTHING;`

	latestReferenceSQL = `SELECT
        effective_date,
        recorded_at,
        primary_rate,
        secondary_rates
    FROM reference_rates
    ORDER BY effective_date DESC
    LIMIT 1;`

	insertMarketSQL = `INSERT INTO market_rates (
        observed_at,
        market_rate,
        cross_rate
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (observed_at) DO NOTHING;`

	latestMarketSQL = `SELECT
        observed_at,
        market_rate,
        cross_rate
    FROM market_rates
    ORDER BY observed_at DESC
    LIMIT 1;`

	latestCrossRateSQL = `SELECT
        observed_at,
        cross_rate
    FROM market_rates
    WHERE cross_rate IS NOT NULL
    ORDER BY observed_at DESC
    LIMIT 1;`

	windowSamplesSQL = `SELECT
        observed_at,
        market_rate,
        cross_rate
    FROM market_rates
    WHERE observed_at >= $1
    ORDER BY observed_at;`

	samplesBetweenSQL = `SELECT
        observed_at,
        market_rate,
        cross_rate
    FROM market_rates
    WHERE observed_at >= $1 AND observed_at < $2
    ORDER BY observed_at;`

	windowSummarySQL = `SELECT
        MAX(market_rate),
        MIN(market_rate),
        AVG(market_rate),
        COUNT(*)
    FROM market_rates
    WHERE observed_at >= $1;`

	upsertSubscriptionSQL = `INSERT INTO alert_subscriptions (
        owner,
        series,
        direction,
        threshold_pct,
        last_trigger_rate,
        is_active
    ) VALUES (
        $1,$2,$3,$4,NULL,TRUE
    )
    ON CONFLICT (owner, series, direction) DO UPDATE
    SET threshold_pct     = EXCLUDED.threshold_pct,
        last_trigger_rate = NULL,
        is_active         = TRUE,
        updated_at        = now()
    RETURNING id, owner, series, direction, threshold_pct, last_trigger_rate, is_active, created_at, updated_at;`

	listActiveSubscriptionsSQL = `SELECT
        id,
        owner,
        series,
        direction,
        threshold_pct,
        last_trigger_rate,
        is_active,
        created_at,
        updated_at
    FROM alert_subscriptions
    WHERE is_active
    ORDER BY id;`

	deactivateSubscriptionSQL = `UPDATE alert_subscriptions
    SET is_active = FALSE,
        last_trigger_rate = $2,
        updated_at = now()
    WHERE id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ReferenceStore persists and reads the low-frequency reference series.
type ReferenceStore interface {
	InsertReferenceSample(ctx context.Context, sample ReferenceRateSample) error
	LatestReferenceSample(ctx context.Context) (*ReferenceRateSample, error)
}

// MarketStore persists and reads the high-frequency market series.
type MarketStore interface {
	InsertMarketSample(ctx context.Context, sample MarketRateSample) error
	LatestMarketSample(ctx context.Context) (*MarketRateSample, error)
	LatestCrossRate(ctx context.Context) (*decimal.Decimal, time.Time, error)
	WindowSamples(ctx context.Context, window time.Duration) ([]MarketRateSample, error)
	WindowSummary(ctx context.Context, window time.Duration) (*WindowSummary, error)
}

// SubscriptionStore manages alert subscriptions.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, owner string, series Series, direction Direction, thresholdPct decimal.Decimal) (AlertSubscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]AlertSubscription, error)
	DeactivateSubscription(ctx context.Context, id int64, lastTriggerRate decimal.Decimal) error
}

// AdvisoryLocker exposes advisory lock helpers for gate-check-then-write
// serialization across concurrent ingestion cycles.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the two rate series and the subscription table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// InsertReferenceSample appends one reference row. A repeated effective date
// is a silent no-op; rows are never updated.
func (s *Store) InsertReferenceSample(ctx context.Context, sample ReferenceRateSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var secondaries []byte
	if len(sample.SecondaryRates) > 0 {
		secondaries, err = json.Marshal(sample.SecondaryRates)
		if err != nil {
			return fmt.Errorf("marshal secondary rates: %w", err)
		}
	}

	recordedAt := sample.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, execErr := pool.Exec(ctx, insertReferenceSQL,
		sample.EffectiveDate,
		recordedAt,
		sample.PrimaryRate.String(),
		secondaries,
	)
	if execErr != nil {
		return wrapConstraintErr("insert reference sample", execErr)
	}
	return nil
}

// LatestReferenceSample returns the newest reference row, or nil when the
// table is empty.
func (s *Store) LatestReferenceSample(ctx context.Context) (*ReferenceRateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		sample      ReferenceRateSample
		primaryStr  string
		secondaries []byte
	)
	row := pool.QueryRow(ctx, latestReferenceSQL)
	if scanErr := row.Scan(&sample.EffectiveDate, &sample.RecordedAt, &primaryStr, &secondaries); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest reference sample: %w", scanErr)
	}

	sample.PrimaryRate, err = decimal.NewFromString(primaryStr)
	if err != nil {
		return nil, fmt.Errorf("parse primary rate: %w", err)
	}

	if len(secondaries) > 0 {
		if err := json.Unmarshal(secondaries, &sample.SecondaryRates); err != nil {
			return nil, fmt.Errorf("parse secondary rates: %w", err)
		}
	}

	return &sample, nil
}

// InsertMarketSample appends one market row. A repeated observation
// timestamp is a silent no-op.
func (s *Store) InsertMarketSample(ctx context.Context, sample MarketRateSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var cross interface{}
	if sample.CrossRate != nil {
		cross = sample.CrossRate.String()
	}

	_, execErr := pool.Exec(ctx, insertMarketSQL,
		sample.ObservedAt,
		sample.MarketRate.String(),
		cross,
	)
	if execErr != nil {
		return wrapConstraintErr("insert market sample", execErr)
	}
	return nil
}

// LatestMarketSample returns the newest market row, or nil when the table is
// empty.
func (s *Store) LatestMarketSample(ctx context.Context) (*MarketRateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	sample, scanErr := scanMarketSample(pool.QueryRow(ctx, latestMarketSQL))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest market sample: %w", scanErr)
	}
	return &sample, nil
}

// LatestCrossRate returns the newest non-null cross rate and when it was
// observed. A nil rate with a zero time means no cross rate is stored yet.
func (s *Store) LatestCrossRate(ctx context.Context) (*decimal.Decimal, time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, time.Time{}, err
	}

	var (
		observedAt time.Time
		crossStr   string
	)
	if scanErr := pool.QueryRow(ctx, latestCrossRateSQL).Scan(&observedAt, &crossStr); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("latest cross rate: %w", scanErr)
	}

	cross, convErr := decimal.NewFromString(crossStr)
	if convErr != nil {
		return nil, time.Time{}, fmt.Errorf("parse cross rate: %w", convErr)
	}
	return &cross, observedAt, nil
}

// WindowSamples lists market samples inside the trailing window, oldest first.
func (s *Store) WindowSamples(ctx context.Context, window time.Duration) ([]MarketRateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	since := time.Now().UTC().Add(-window)
	rows, queryErr := pool.Query(ctx, windowSamplesSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("window samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]MarketRateSample, 0)
	for rows.Next() {
		sample, scanErr := scanMarketSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// SamplesBetween lists market samples in [from, to), oldest first.
func (s *Store) SamplesBetween(ctx context.Context, from, to time.Time) ([]MarketRateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, samplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]MarketRateSample, 0)
	for rows.Next() {
		sample, scanErr := scanMarketSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// WindowSummary computes max/min/mean/count over the trailing window. It
// returns nil when fewer than 2 samples fall in the window.
func (s *Store) WindowSummary(ctx context.Context, window time.Duration) (*WindowSummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	since := time.Now().UTC().Add(-window)

	var (
		maxStr, minStr, meanStr *string
		count                   int64
	)
	row := pool.QueryRow(ctx, windowSummarySQL, since)
	if scanErr := row.Scan(&maxStr, &minStr, &meanStr, &count); scanErr != nil {
		return nil, fmt.Errorf("window summary: %w", scanErr)
	}

	if count < 2 || maxStr == nil || minStr == nil || meanStr == nil {
		return nil, nil
	}

	summary := &WindowSummary{Count: count, Window: window}
	var convErr error
	if summary.Max, convErr = decimal.NewFromString(*maxStr); convErr != nil {
		return nil, fmt.Errorf("parse window max: %w", convErr)
	}
	if summary.Min, convErr = decimal.NewFromString(*minStr); convErr != nil {
		return nil, fmt.Errorf("parse window min: %w", convErr)
	}
	if summary.Mean, convErr = decimal.NewFromString(*meanStr); convErr != nil {
		return nil, fmt.Errorf("parse window mean: %w", convErr)
	}
	return summary, nil
}

// LatestSnapshot merges the newest reference and market rows.
func (s *Store) LatestSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	reference, err := s.LatestReferenceSample(ctx)
	if err != nil {
		return snap, err
	}
	if reference != nil {
		effectiveDate := reference.EffectiveDate
		primary := reference.PrimaryRate
		snap.EffectiveDate = &effectiveDate
		snap.PrimaryRate = &primary
		snap.SecondaryRates = reference.SecondaryRates
	}

	market, err := s.LatestMarketSample(ctx)
	if err != nil {
		return snap, err
	}
	if market != nil {
		observedAt := market.ObservedAt
		rate := market.MarketRate
		snap.ObservedAt = &observedAt
		snap.MarketRate = &rate
		snap.CrossRate = market.CrossRate
	}

	return snap, nil
}

// UpsertSubscription inserts or replaces a subscription by its natural key,
// resetting the threshold and reactivating it.
func (s *Store) UpsertSubscription(ctx context.Context, owner string, series Series, direction Direction, thresholdPct decimal.Decimal) (AlertSubscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertSubscription{}, err
	}

	row := pool.QueryRow(ctx, upsertSubscriptionSQL,
		owner,
		string(series),
		string(direction),
		thresholdPct.String(),
	)

	sub, scanErr := scanSubscription(row)
	if scanErr != nil {
		return AlertSubscription{}, wrapConstraintErr("upsert subscription", scanErr)
	}
	return sub, nil
}

// ListActiveSubscriptions lists subscriptions that have not yet fired.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]AlertSubscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveSubscriptionsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", queryErr)
	}
	defer rows.Close()

	subs := make([]AlertSubscription, 0)
	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// DeactivateSubscription marks a fired subscription inactive and records the
// rate that triggered it.
func (s *Store) DeactivateSubscription(ctx context.Context, id int64, lastTriggerRate decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deactivateSubscriptionSQL, id, lastTriggerRate.String())
	if execErr != nil {
		return fmt.Errorf("deactivate subscription: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("deactivate subscription %d: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarketSample(row rowScanner) (MarketRateSample, error) {
	var (
		sample   MarketRateSample
		rateStr  string
		crossStr *string
	)
	if err := row.Scan(&sample.ObservedAt, &rateStr, &crossStr); err != nil {
		return MarketRateSample{}, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return MarketRateSample{}, fmt.Errorf("parse market rate: %w", err)
	}
	sample.MarketRate = rate

	if crossStr != nil {
		cross, err := decimal.NewFromString(*crossStr)
		if err != nil {
			return MarketRateSample{}, fmt.Errorf("parse cross rate: %w", err)
		}
		sample.CrossRate = &cross
	}
	return sample, nil
}

func scanSubscription(row rowScanner) (AlertSubscription, error) {
	var (
		sub          AlertSubscription
		series       string
		direction    string
		thresholdStr string
		lastTrigger  *string
	)
	if err := row.Scan(
		&sub.ID,
		&sub.Owner,
		&series,
		&direction,
		&thresholdStr,
		&lastTrigger,
		&sub.IsActive,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return AlertSubscription{}, err
	}

	sub.Series = Series(series)
	sub.Direction = Direction(direction)

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return AlertSubscription{}, fmt.Errorf("parse threshold pct: %w", err)
	}
	sub.ThresholdPct = threshold

	if lastTrigger != nil {
		rate, err := decimal.NewFromString(*lastTrigger)
		if err != nil {
			return AlertSubscription{}, fmt.Errorf("parse last trigger rate: %w", err)
		}
		sub.LastTriggerRate = &rate
	}
	return sub, nil
}

// wrapConstraintErr maps postgres integrity violations (class 23) to
// ErrConflict. Expected duplicate keys never reach here since inserts use
// ON CONFLICT DO NOTHING.
func wrapConstraintErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.Message)
	}
	return fmt.Errorf("%s: %w", op, err)
}
