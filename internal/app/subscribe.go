package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"ves-rate-watcher/internal/storage"
)

// Subscribe upserts an alert subscription. Repeating the same
// (owner, series, direction) replaces the threshold and re-arms the watch.
func (a *App) Subscribe(ctx context.Context, opts SubscribeOptions) error {
	series, direction, err := parseSubscriptionKey(opts.Series, opts.Direction)
	if err != nil {
		return err
	}
	if opts.Owner == "" {
		return errors.New("owner must not be empty")
	}

	threshold, err := decimal.NewFromString(opts.ThresholdPct)
	if err != nil {
		return fmt.Errorf("parse threshold: %w", err)
	}
	if !threshold.IsPositive() {
		return errors.New("threshold must be greater than zero")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot subscribe")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sub, err := store.UpsertSubscription(ctx, opts.Owner, series, direction, threshold)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "subscription %d active: %s %s %s @ %s%%\n",
		sub.ID, sub.Owner, sub.Series, sub.Direction, sub.ThresholdPct.String())
	return nil
}

// ListAlerts prints all active subscriptions.
func (a *App) ListAlerts(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot list subscriptions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	subs, err := store.ListActiveSubscriptions(ctx)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		fmt.Fprintln(os.Stdout, "no active subscriptions")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tOwner\tSeries\tDirection\tThreshold%\tSince")
	for _, sub := range subs {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\n",
			sub.ID,
			sub.Owner,
			sub.Series,
			sub.Direction,
			sub.ThresholdPct.String(),
			sub.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}

func parseSubscriptionKey(series, direction string) (storage.Series, storage.Direction, error) {
	var s storage.Series
	switch strings.ToLower(series) {
	case "market", "":
		s = storage.SeriesMarket
	case "reference":
		s = storage.SeriesReference
	default:
		return "", "", fmt.Errorf("unknown series %q (want market or reference)", series)
	}

	var d storage.Direction
	switch strings.ToUpper(direction) {
	case "RISE":
		d = storage.DirectionRise
	case "FALL":
		d = storage.DirectionFall
	default:
		return "", "", fmt.Errorf("unknown direction %q (want RISE or FALL)", direction)
	}
	return s, d, nil
}
