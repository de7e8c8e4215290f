package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

const referencePage = `<html><body>
<div class="pull-right dinpro center">
  <span class="date-display-single" property="dc:date" content="2026-01-13T00:00:00-04:00">Martes, 13 Enero 2026</span>
</div>
<div id="dolar"><strong> 236,52 </strong></div>
<div id="euro"><strong> 257,89 </strong></div>
<div id="yuan"><strong> 33,11 </strong></div>
<div id="lira"><strong> 5,61 </strong></div>
<div id="rublo"><strong> 2,96 </strong></div>
</body></html>`

func TestReferenceFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(referencePage))
	}))
	defer srv.Close()

	ref := NewReference(ReferenceOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())

	snap, err := ref.FetchReference(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !snap.PrimaryRate.Equal(decimal.NewFromFloat(236.52)) {
		t.Fatalf("bad primary rate: %s", snap.PrimaryRate)
	}
	if got := snap.SecondaryRates["EUR"]; !got.Equal(decimal.NewFromFloat(257.89)) {
		t.Fatalf("bad EUR secondary: %s", got)
	}
	if len(snap.SecondaryRates) != 4 {
		t.Fatalf("expected 4 secondary rates, got %d", len(snap.SecondaryRates))
	}

	want := time.Date(2026, time.January, 13, 0, 0, 0, 0, time.UTC)
	if !snap.EffectiveDate.Equal(want) {
		t.Fatalf("bad effective date: %s", snap.EffectiveDate)
	}
}

func TestReferenceFetchMissingPrimary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div id="euro"><strong>257,89</strong></div></body></html>`))
	}))
	defer srv.Close()

	ref := NewReference(ReferenceOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := ref.FetchReference(context.Background()); err == nil {
		t.Fatal("missing primary rate should fail the fetch")
	}
}

func TestReferenceFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ref := NewReference(ReferenceOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := ref.FetchReference(context.Background()); err == nil {
		t.Fatal("HTTP 503 should fail the fetch")
	}
}

func TestReferenceFetchNotConfigured(t *testing.T) {
	ref := NewReference(ReferenceOptions{}, noopLogger())
	if _, err := ref.FetchReference(context.Background()); err == nil {
		t.Fatal("missing url should fail the fetch")
	}
}

func TestParseSpanishNumber(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"236,52", 236.52},
		{"1.234,56", 1234.56},
		{" 33,1134 ", 33.1134},
	}
	for _, tc := range cases {
		got, err := parseSpanishNumber(tc.in)
		if err != nil {
			t.Fatalf("parseSpanishNumber(%q): %v", tc.in, err)
		}
		if !got.Equal(decimal.NewFromFloat(tc.want)) {
			t.Errorf("parseSpanishNumber(%q) = %s, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := parseSpanishNumber(""); err == nil {
		t.Error("empty value should not parse")
	}
}

func TestParseSpanishDate(t *testing.T) {
	got, err := parseSpanishDate("Martes, 30 Septiembre 2025")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, time.September, 30, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}

	if _, err := parseSpanishDate("30 Brumario 2025"); err == nil {
		t.Fatal("unknown month should not parse")
	}
}
