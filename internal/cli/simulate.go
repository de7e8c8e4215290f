package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"ves-rate-watcher/internal/app"
)

var (
	simulateOwner     string
	simulateDirection string
	simulateThreshold string
	simulateBaseline  string
	simulateCurrent   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次阈值穿越并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateBaseline == "" || simulateCurrent == "" {
			return errors.New("--baseline 与 --current 必须提供")
		}

		opts := app.SimulateOptions{
			Owner:        simulateOwner,
			Series:       "market",
			Direction:    simulateDirection,
			ThresholdPct: simulateThreshold,
			Baseline:     simulateBaseline,
			CurrentRate:  simulateCurrent,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOwner, "owner", "simulated", "Subscriber identifier to deliver to")
	simulateCmd.Flags().StringVar(&simulateDirection, "direction", "RISE", "Crossing direction (RISE or FALL)")
	simulateCmd.Flags().StringVar(&simulateThreshold, "threshold", "1.5", "Threshold percent")
	simulateCmd.Flags().StringVar(&simulateBaseline, "baseline", "", "基准市场汇率")
	simulateCmd.Flags().StringVar(&simulateCurrent, "current", "", "当前市场汇率")
}
