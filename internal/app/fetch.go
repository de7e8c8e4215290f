package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"ves-rate-watcher/internal/service"
)

// Fetch runs one forced ingestion cycle and prints what it observed. With a
// configured database the cycle also persists, so this doubles as the manual
// way to guarantee a fresh data point.
func (a *App) Fetch(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	reference, listings, cross := a.newFetchers()

	var rateStore service.RateStore
	if store != nil {
		rateStore = store
	}

	svc := service.New(a.Config, reference, listings, cross, rateStore, a.Logger)
	result, err := svc.RunCycle(ctx, true)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if result.Reference != nil {
		fmt.Fprintf(writer, "Official rate\t%s Bs\t(%s)\n",
			result.Reference.PrimaryRate.StringFixed(2),
			result.Reference.EffectiveDate.Format("2006-01-02"))
	} else {
		fmt.Fprintln(writer, "Official rate\tunavailable\t")
	}
	if result.MarketRate != nil {
		fmt.Fprintf(writer, "Market rate\t%s Bs\t\n", result.MarketRate.StringFixed(2))
		fmt.Fprintf(writer, "Rounded\t%s Bs\t\n", result.RoundedMarketRate.StringFixed(0))
	} else {
		fmt.Fprintln(writer, "Market rate\tunavailable\t")
	}
	if result.CrossRate != nil {
		cached := ""
		if result.CrossRateCached {
			cached = "(cached)"
		}
		fmt.Fprintf(writer, "Cross rate\t%s\t%s\n", result.CrossRate.StringFixed(4), cached)
	}
	fmt.Fprintf(writer, "Persisted\treference=%v market=%v\t\n", result.PersistedReference, result.PersistedMarket)

	return writer.Flush()
}
