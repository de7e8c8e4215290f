package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"ves-rate-watcher/internal/stats"
)

// Show prints the merged latest rates and the rolling window summary.
func (a *App) Show(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show rates")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snapshot, err := store.LatestSnapshot(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	if snapshot.PrimaryRate != nil {
		fmt.Fprintf(writer, "Official rate\t%s Bs\t(%s)\n",
			snapshot.PrimaryRate.StringFixed(2),
			snapshot.EffectiveDate.Format("2006-01-02"))
		for _, code := range sortedCodes(snapshot.SecondaryRates) {
			fmt.Fprintf(writer, "Official %s\t%s Bs\t\n", code, snapshot.SecondaryRates[code].StringFixed(2))
		}
	} else {
		fmt.Fprintln(writer, "Official rate\tn/a\t")
	}

	if snapshot.MarketRate != nil {
		fmt.Fprintf(writer, "Market rate\t%s Bs\t(%s)\n",
			snapshot.MarketRate.StringFixed(2),
			snapshot.ObservedAt.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(writer, "Market rate\tn/a\t")
	}
	if snapshot.CrossRate != nil {
		fmt.Fprintf(writer, "Cross rate\t%s\t\n", snapshot.CrossRate.StringFixed(4))
	}

	summary, err := stats.NewEngine(store, a.Logger).Summarize(ctx, a.Config.Window.Duration)
	if err != nil {
		return err
	}

	fmt.Fprintf(writer, "\nWindow (%s)\t\t\n", a.Config.Window.Duration)
	if summary == nil {
		fmt.Fprintln(writer, "Summary\tinsufficient data\t")
		return writer.Flush()
	}

	fmt.Fprintf(writer, "Samples\t%d\t\n", summary.Count)
	fmt.Fprintf(writer, "Min\t%s Bs\t\n", summary.Min.StringFixed(2))
	fmt.Fprintf(writer, "Max\t%s Bs\t\n", summary.Max.StringFixed(2))
	fmt.Fprintf(writer, "Mean\t%s Bs\t\n", summary.Mean.StringFixed(2))
	if summary.Extended {
		fmt.Fprintf(writer, "Std dev\t%s\t\n", summary.StdDev.StringFixed(4))
		fmt.Fprintf(writer, "Trend\t%s\t\n", summary.Trend)
	}

	return writer.Flush()
}

func sortedCodes(rates map[string]decimal.Decimal) []string {
	codes := make([]string, 0, len(rates))
	for code := range rates {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
