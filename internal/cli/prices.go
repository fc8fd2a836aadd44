package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"entsoe-watch/internal/app"
	"entsoe-watch/internal/series"
)

var (
	pricesDate        string
	pricesDataset     string
	pricesCheapest    int
	pricesConsecutive bool
)

var pricesCmd = &cobra.Command{
	Use:     "prices",
	Aliases: []string{"show"},
	Short:   "Print one delivery day of a dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDateFlag("date", pricesDate)
		if err != nil {
			return err
		}
		ds, err := series.ParseDatasetType(pricesDataset)
		if err != nil {
			return fmt.Errorf("invalid --dataset value: %w", err)
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{
			Date:        date,
			Dataset:     ds,
			Cheapest:    pricesCheapest,
			Consecutive: pricesConsecutive,
		})
	},
}

func init() {
	pricesCmd.Flags().StringVar(&pricesDate, "date", "", "Delivery day (YYYY-MM-DD, today, tomorrow); defaults to today")
	pricesCmd.Flags().StringVar(&pricesDataset, "dataset", string(series.DayAheadPrice), "Dataset to print")
	pricesCmd.Flags().IntVar(&pricesCheapest, "cheapest", 0, "Also list the N cheapest slots")
	pricesCmd.Flags().BoolVar(&pricesConsecutive, "consecutive", false, "Require the cheapest slots to be consecutive")
}
