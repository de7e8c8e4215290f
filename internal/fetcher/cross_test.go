package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newCrossServer(t *testing.T, payload map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("function"); got != "CURRENCY_EXCHANGE_RATE" {
			t.Fatalf("unexpected function param: %q", got)
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
}

func TestCrossRateFetchSuccess(t *testing.T) {
	srv := newCrossServer(t, map[string]any{
		"Realtime Currency Exchange Rate": map[string]string{
			"5. Exchange Rate": "1.0842",
		},
	})
	defer srv.Close()

	c := NewCrossRate(CrossRateOptions{
		BaseURL:      srv.URL,
		APIKey:       "key",
		FromCurrency: "EUR",
		ToCurrency:   "USD",
		Timeout:      time.Second,
	}, noopLogger())

	rate, err := c.FetchCrossRate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(1.0842)) {
		t.Fatalf("bad rate: %s", rate)
	}
}

func TestCrossRateFetchRateLimited(t *testing.T) {
	srv := newCrossServer(t, map[string]any{
		"Note": "API call frequency exceeded",
	})
	defer srv.Close()

	c := NewCrossRate(CrossRateOptions{BaseURL: srv.URL, APIKey: "key", Timeout: time.Second}, noopLogger())
	if _, err := c.FetchCrossRate(context.Background()); err == nil {
		t.Fatal("rate-limit note should fail the fetch")
	}
}

func TestCrossRateFetchMissingRate(t *testing.T) {
	srv := newCrossServer(t, map[string]any{
		"Realtime Currency Exchange Rate": map[string]string{},
	})
	defer srv.Close()

	c := NewCrossRate(CrossRateOptions{BaseURL: srv.URL, APIKey: "key", Timeout: time.Second}, noopLogger())
	if _, err := c.FetchCrossRate(context.Background()); err == nil {
		t.Fatal("missing exchange rate field should fail the fetch")
	}
}

func TestCrossRateFetchNotConfigured(t *testing.T) {
	c := NewCrossRate(CrossRateOptions{}, noopLogger())
	if _, err := c.FetchCrossRate(context.Background()); err == nil {
		t.Fatal("missing api configuration should fail the fetch")
	}
}
