package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ves-rate-watcher/internal/aggregate"
)

// ListingOptions parameterise the peer-market listing fetcher.
type ListingOptions struct {
	BaseURL   string
	Asset     string
	Fiat      string
	TradeType string
	Rows      int
	Timeout   time.Duration
	UserAgent string
}

// Listings fetches priced offers from the peer-to-peer marketplace search
// endpoint, annotated with each offerer's monthly reliability figures.
type Listings struct {
	opts   ListingOptions
	logger zerolog.Logger
	client *http.Client
}

// NewListings constructs a listing fetcher.
func NewListings(opts ListingOptions, logger zerolog.Logger) *Listings {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Rows <= 0 {
		opts.Rows = 20
	}
	if opts.TradeType == "" {
		opts.TradeType = "BUY"
	}

	return &Listings{
		opts:   opts,
		logger: logger.With().Str("component", "listing_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// FetchListings retrieves the current offer book page. Offers with an
// unparseable price are dropped here; reliability weighting happens in the
// aggregate package.
func (l *Listings) FetchListings(ctx context.Context) ([]aggregate.Listing, error) {
	if l.opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: listing url not configured", ErrSourceUnavailable)
	}

	payload := searchRequest{
		Asset:      l.opts.Asset,
		Fiat:       l.opts.Fiat,
		TradeType:  l.opts.TradeType,
		Page:       1,
		Rows:       l.opts.Rows,
		FilterType: "all",
		PayTypes:   []string{},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal listing request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.opts.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create listing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	if ua := strings.TrimSpace(l.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrSourceUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrSourceUnavailable, resp.StatusCode, strings.TrimSpace(string(payloadBytes)))
	}

	var searchRes searchResponse
	if err := json.Unmarshal(payloadBytes, &searchRes); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrSourceUnavailable, err)
	}

	listings := make([]aggregate.Listing, 0, len(searchRes.Data))
	for _, offer := range searchRes.Data {
		price, err := decimal.NewFromString(offer.Adv.Price)
		if err != nil || !price.IsPositive() {
			continue
		}

		listings = append(listings, aggregate.Listing{
			Price:            price,
			ReliabilityCount: offer.Advertiser.MonthOrderCount,
			ReliabilityRatio: normalizeRatio(offer.Advertiser.MonthFinishRate),
		})
	}

	l.logger.Debug().Int("offers", len(searchRes.Data)).Int("usable", len(listings)).
		Msg("listing page fetched")

	return listings, nil
}

// normalizeRatio maps percent-style completion rates (0-100) down to 0-1.
func normalizeRatio(ratio float64) float64 {
	if ratio <= 0 {
		return 0
	}
	if ratio > 1 {
		return ratio / 100
	}
	return ratio
}

type searchRequest struct {
	Asset      string   `json:"asset"`
	Fiat       string   `json:"fiat"`
	TradeType  string   `json:"tradeType"`
	Page       int      `json:"page"`
	Rows       int      `json:"rows"`
	FilterType string   `json:"filterType"`
	PayTypes   []string `json:"payTypes"`
}

type searchResponse struct {
	Data []struct {
		Adv struct {
			Price string `json:"price"`
		} `json:"adv"`
		Advertiser struct {
			MonthOrderCount int     `json:"monthOrderCount"`
			MonthFinishRate float64 `json:"monthFinishRate"`
		} `json:"advertiser"`
	} `json:"data"`
}

var _ ListingFetcher = (*Listings)(nil)
