package aggregate

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNoMarketData indicates a listing batch contained no usable price.
var ErrNoMarketData = errors.New("aggregate: no usable market data in listing batch")

// Listing is one priced peer offer plus the offerer's reliability history.
type Listing struct {
	Price            decimal.Decimal
	ReliabilityCount int
	ReliabilityRatio float64
}

// Weight returns the confidence weight of the listing:
// completed orders scaled by the completion ratio. A one-off offerer with a
// perfect ratio still carries almost no weight, which is what keeps a single
// outlier price from moving the aggregate.
func (l Listing) Weight() decimal.Decimal {
	if l.ReliabilityCount <= 0 || l.ReliabilityRatio <= 0 || l.ReliabilityRatio > 1 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(l.ReliabilityCount)).Mul(decimal.NewFromFloat(l.ReliabilityRatio))
}

// usable reports whether the listing carries a parseable, positive price.
func usable(l Listing) bool {
	return l.Price.IsPositive()
}

// WeightedRate collapses a batch of listings into one representative rate:
// the confidence-weighted mean over listings with positive weight. When no
// listing has positive weight it falls back to the first usable price rather
// than failing the batch. Returns ErrNoMarketData when the batch is empty or
// no listing has a usable price.
func WeightedRate(listings []Listing) (decimal.Decimal, error) {
	var (
		weightedSum decimal.Decimal
		totalWeight decimal.Decimal

		fallback    decimal.Decimal
		hasFallback bool
	)

	for _, listing := range listings {
		if !usable(listing) {
			continue
		}

		if !hasFallback {
			fallback = listing.Price
			hasFallback = true
		}

		weight := listing.Weight()
		if !weight.IsPositive() {
			continue
		}

		weightedSum = weightedSum.Add(listing.Price.Mul(weight))
		totalWeight = totalWeight.Add(weight)
	}

	if totalWeight.IsPositive() {
		return weightedSum.Div(totalWeight), nil
	}

	if hasFallback {
		return fallback, nil
	}

	return decimal.Decimal{}, ErrNoMarketData
}

// RoundUpToStep rounds a rate up to the next multiple of step, e.g. a rate of
// 103.2 with step 10 becomes 110. An exact multiple is still bumped to the
// next one (100 -> 110), matching how the reference display rate has always
// been quoted. A non-positive step returns the rate unchanged.
func RoundUpToStep(rate, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return rate
	}
	return rate.Div(step).Floor().Add(decimal.NewFromInt(1)).Mul(step)
}
