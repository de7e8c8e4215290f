package cli

import (
	"github.com/spf13/cobra"

	"ves-rate-watcher/internal/app"
)

var (
	subscribeOwner     string
	subscribeSeries    string
	subscribeDirection string
	subscribeThreshold string
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Create or replace a volatility alert subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SubscribeOptions{
			Owner:        subscribeOwner,
			Series:       subscribeSeries,
			Direction:    subscribeDirection,
			ThresholdPct: subscribeThreshold,
		}
		return getApp().Subscribe(cmd.Context(), opts)
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List active alert subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context())
	},
}

func init() {
	subscribeCmd.Flags().StringVar(&subscribeOwner, "owner", "", "Subscriber identifier (e.g. Telegram chat id)")
	subscribeCmd.Flags().StringVar(&subscribeSeries, "series", "market", "Tracked series (market or reference)")
	subscribeCmd.Flags().StringVar(&subscribeDirection, "direction", "", "Crossing direction (RISE or FALL)")
	subscribeCmd.Flags().StringVar(&subscribeThreshold, "threshold", "", "Threshold percent, e.g. 1.5")
	_ = subscribeCmd.MarkFlagRequired("owner")
	_ = subscribeCmd.MarkFlagRequired("direction")
	_ = subscribeCmd.MarkFlagRequired("threshold")
}
