package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Series identifies which rate family an alert subscription tracks.
type Series string

const (
	SeriesMarket    Series = "market"
	SeriesReference Series = "reference"
)

// Direction is the side of a threshold crossing a subscriber cares about.
type Direction string

const (
	DirectionRise Direction = "RISE"
	DirectionFall Direction = "FALL"
)

// ReferenceRateSample is one official-rate snapshot, at most one per
// effective date. Rows are append-only and never mutated.
type ReferenceRateSample struct {
	EffectiveDate  time.Time
	RecordedAt     time.Time
	PrimaryRate    decimal.Decimal
	SecondaryRates map[string]decimal.Decimal
}

// MarketRateSample is one persisted market observation. CrossRate is the
// slow-cadence auxiliary pair rate and may be absent.
type MarketRateSample struct {
	ObservedAt time.Time
	MarketRate decimal.Decimal
	CrossRate  *decimal.Decimal
}

// AlertSubscription is a standing volatility watch for one owner.
type AlertSubscription struct {
	ID              int64
	Owner           string
	Series          Series
	Direction       Direction
	ThresholdPct    decimal.Decimal
	LastTriggerRate *decimal.Decimal
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Snapshot merges the newest reference row and the newest market row into a
// flat view. Market fields win on overlap; either side may be missing when
// its table is empty.
type Snapshot struct {
	EffectiveDate  *time.Time
	PrimaryRate    *decimal.Decimal
	SecondaryRates map[string]decimal.Decimal
	ObservedAt     *time.Time
	MarketRate     *decimal.Decimal
	CrossRate      *decimal.Decimal
}

// WindowSummary holds the basic aggregates over market rates inside a
// trailing window, computed storage-side.
type WindowSummary struct {
	Max    decimal.Decimal
	Min    decimal.Decimal
	Mean   decimal.Decimal
	Count  int64
	Window time.Duration
}
