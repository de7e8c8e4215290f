package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ves-rate-watcher/internal/aggregate"
)

// ErrSourceUnavailable marks a transient, per-source failure. The coordinator
// degrades the affected field for the cycle instead of aborting sibling
// fetches.
var ErrSourceUnavailable = errors.New("fetcher: source unavailable")

// ReferenceSnapshot is one scrape of the official rate publication.
type ReferenceSnapshot struct {
	EffectiveDate  time.Time
	PrimaryRate    decimal.Decimal
	SecondaryRates map[string]decimal.Decimal
}

// ReferenceFetcher retrieves the official reference rates.
type ReferenceFetcher interface {
	FetchReference(ctx context.Context) (ReferenceSnapshot, error)
}

// ListingFetcher retrieves the current peer market listings.
type ListingFetcher interface {
	FetchListings(ctx context.Context) ([]aggregate.Listing, error)
}

// CrossRateFetcher retrieves the auxiliary currency-pair rate. The upstream
// API is rate limited, so callers cache the result.
type CrossRateFetcher interface {
	FetchCrossRate(ctx context.Context) (decimal.Decimal, error)
}
