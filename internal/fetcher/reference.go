package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// currencySections maps the publication's per-currency container IDs to
// currency codes. The first entry is the primary rate.
var currencySections = []struct {
	id   string
	code string
}{
	{"dolar", "USD"},
	{"euro", "EUR"},
	{"yuan", "CNY"},
	{"lira", "TRY"},
	{"rublo", "RUB"},
}

// ReferenceOptions parameterise the official-rate scraper.
type ReferenceOptions struct {
	URL     string
	Timeout time.Duration
}

// Reference scrapes the central-bank publication page for the official
// rates and their effective date.
type Reference struct {
	opts   ReferenceOptions
	logger zerolog.Logger
	client *http.Client
}

// NewReference builds a new official-rate scraper.
func NewReference(opts ReferenceOptions, logger zerolog.Logger) *Reference {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// The publication site serves an incomplete certificate chain.
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec

	return &Reference{
		opts:   opts,
		logger: logger.With().Str("component", "reference_fetcher").Logger(),
		client: &http.Client{Timeout: timeout, Transport: tr},
	}
}

// FetchReference retrieves the published official rates.
func (r *Reference) FetchReference(ctx context.Context) (ReferenceSnapshot, error) {
	if r.opts.URL == "" {
		return ReferenceSnapshot{}, fmt.Errorf("%w: reference url not configured", ErrSourceUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.opts.URL, http.NoBody)
	if err != nil {
		return ReferenceSnapshot{}, fmt.Errorf("create reference request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return ReferenceSnapshot{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ReferenceSnapshot{}, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return ReferenceSnapshot{}, fmt.Errorf("%w: parse document: %v", ErrSourceUnavailable, err)
	}

	snapshot := ReferenceSnapshot{
		SecondaryRates: make(map[string]decimal.Decimal),
	}

	for i, section := range currencySections {
		rate, err := extractSectionRate(doc, section.id)
		if err != nil {
			r.logger.Warn().Str("currency", section.code).Err(err).Msg("rate section not extracted")
			continue
		}

		if i == 0 {
			snapshot.PrimaryRate = rate
			continue
		}
		snapshot.SecondaryRates[section.code] = rate
	}

	if !snapshot.PrimaryRate.IsPositive() {
		return ReferenceSnapshot{}, fmt.Errorf("%w: primary rate missing from page", ErrSourceUnavailable)
	}

	if effective := parseEffectiveDate(doc); effective != nil {
		snapshot.EffectiveDate = *effective
	} else {
		// The page sometimes renders without a date block; fall back to
		// today so the daily persistence gate still works.
		now := time.Now().UTC()
		snapshot.EffectiveDate = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}

	return snapshot, nil
}

// extractSectionRate pulls the <strong> rate value out of a currency div.
func extractSectionRate(doc *goquery.Document, sectionID string) (decimal.Decimal, error) {
	sel := doc.Find("#" + sectionID)
	if sel.Length() == 0 {
		return decimal.Decimal{}, fmt.Errorf("missing element #%s", sectionID)
	}

	txt := strings.TrimSpace(sel.Find("strong").First().Text())
	if txt == "" {
		txt = strings.TrimSpace(sel.Find(".centrado").First().Text())
	}

	return parseSpanishNumber(txt)
}

// parseSpanishNumber parses a rate rendered with comma decimal separator and
// dot thousands separator: "1.234,56" -> 1234.56.
func parseSpanishNumber(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty rate value")
	}

	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")

	rate, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse rate %q: %w", s, err)
	}
	return rate, nil
}

// parseEffectiveDate parses the "value date" block on the publication page.
func parseEffectiveDate(doc *goquery.Document) *time.Time {
	sel := doc.Find(`span.date-display-single[property="dc:date"]`).First()
	if sel.Length() == 0 {
		sel = doc.Find("span.date-display-single").First()
	}
	if sel.Length() == 0 {
		return nil
	}

	// Preferred: the machine-readable datetime attribute.
	if content, ok := sel.Attr("content"); ok && strings.TrimSpace(content) != "" {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(content)); err == nil {
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &day
		}
	}

	txt := strings.TrimSpace(sel.Text())
	if txt == "" {
		return nil
	}

	t, err := parseSpanishDate(txt)
	if err != nil {
		return nil
	}
	return &t
}

var spanishMonths = map[string]time.Month{
	"enero":      time.January,
	"febrero":    time.February,
	"marzo":      time.March,
	"abril":      time.April,
	"mayo":       time.May,
	"junio":      time.June,
	"julio":      time.July,
	"agosto":     time.August,
	"septiembre": time.September,
	"setiembre":  time.September,
	"octubre":    time.October,
	"noviembre":  time.November,
	"diciembre":  time.December,
}

// parseSpanishDate parses dates like "Martes, 30 Septiembre 2025", ignoring
// the day-of-week prefix.
func parseSpanishDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ","); i != -1 {
		s = strings.TrimSpace(s[i+1:])
	}

	parts := strings.Fields(s)
	if len(parts) < 3 {
		return time.Time{}, fmt.Errorf("date format is invalid %q", s)
	}

	day, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse effective date day: %w", err)
	}

	month, ok := spanishMonths[strings.ToLower(parts[1])]
	if !ok {
		return time.Time{}, fmt.Errorf("month is invalid %q", parts[1])
	}

	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse effective date year: %w", err)
	}

	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), nil
}

var _ ReferenceFetcher = (*Reference)(nil)
