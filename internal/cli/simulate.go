package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"buy-alerts/internal/app"
)

var (
	simulateSymbol   string
	simulateRefIn    float64
	simulatePrice    float64
	simulateTokenOut float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-buy",
	Short: "模拟一笔买入并触发告警投递",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRefIn <= 0 || simulatePrice <= 0 {
			return errors.New("--ref-in 与 --price 必须大于 0")
		}

		opts := app.SimulateOptions{
			Symbol:   simulateSymbol,
			RefIn:    simulateRefIn,
			Price:    simulatePrice,
			TokenOut: simulateTokenOut,
		}
		return getApp().SimulateBuy(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "SIM", "Symbol to report in the alert")
	simulateCmd.Flags().Float64Var(&simulateRefIn, "ref-in", 0, "Reference asset amount spent")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "Reference asset USD price")
	simulateCmd.Flags().Float64Var(&simulateTokenOut, "token-out", 0, "Token amount received")
}
