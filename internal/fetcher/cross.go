package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CrossRateOptions parameterise the forex cross-rate fetcher.
type CrossRateOptions struct {
	BaseURL      string
	APIKey       string
	FromCurrency string
	ToCurrency   string
	Timeout      time.Duration
}

// CrossRate fetches a single currency-pair rate from the forex API. The
// upstream free tier is heavily rate limited; the coordinator caches the
// last stored value and only calls here after the TTL elapses.
type CrossRate struct {
	opts   CrossRateOptions
	logger zerolog.Logger
	client *http.Client
}

// NewCrossRate constructs a cross-rate fetcher.
func NewCrossRate(opts CrossRateOptions, logger zerolog.Logger) *CrossRate {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	return &CrossRate{
		opts:   opts,
		logger: logger.With().Str("component", "cross_rate_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// FetchCrossRate retrieves the configured pair rate.
func (c *CrossRate) FetchCrossRate(ctx context.Context) (decimal.Decimal, error) {
	if c.opts.BaseURL == "" || c.opts.APIKey == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: forex api not configured", ErrSourceUnavailable)
	}

	query := url.Values{}
	query.Set("function", "CURRENCY_EXCHANGE_RATE")
	query.Set("from_currency", c.opts.FromCurrency)
	query.Set("to_currency", c.opts.ToCurrency)
	query.Set("apikey", c.opts.APIKey)

	endpoint := c.opts.BaseURL + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("create cross-rate request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Decimal{}, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	var payload crossRateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: decode response: %v", ErrSourceUnavailable, err)
	}

	// The API reports quota exhaustion with HTTP 200 and a note field.
	if payload.ErrorMessage != "" {
		return decimal.Decimal{}, fmt.Errorf("%w: api error: %s", ErrSourceUnavailable, payload.ErrorMessage)
	}
	if payload.Note != "" {
		return decimal.Decimal{}, fmt.Errorf("%w: rate limited: %s", ErrSourceUnavailable, payload.Note)
	}

	rateStr := payload.RealtimeRate.ExchangeRate
	if rateStr == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: exchange rate missing from response", ErrSourceUnavailable)
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse cross rate %q: %w", rateStr, err)
	}

	return rate, nil
}

type crossRateResponse struct {
	RealtimeRate struct {
		ExchangeRate string `json:"5. Exchange Rate"`
	} `json:"Realtime Currency Exchange Rate"`
	ErrorMessage string `json:"Error Message"`
	Note         string `json:"Note"`
}

var _ CrossRateFetcher = (*CrossRate)(nil)
