package cli

import (
	"github.com/spf13/cobra"

	"entsoe-watch/internal/app"
)

var (
	planDate string
	planJSON bool

	blocksDate      string
	blocksMaxBlocks int
	blocksJSON      bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the consumption recommendation for a delivery day",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDateFlag("date", planDate)
		if err != nil {
			return err
		}
		return getApp().Plan(cmd.Context(), app.PlanOptions{Date: date, JSON: planJSON})
	},
}

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Print the ranked cheap blocks for a delivery day",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDateFlag("date", blocksDate)
		if err != nil {
			return err
		}
		return getApp().Blocks(cmd.Context(), app.BlocksOptions{
			Date:      date,
			MaxBlocks: blocksMaxBlocks,
			JSON:      blocksJSON,
		})
	},
}

func init() {
	planCmd.Flags().StringVar(&planDate, "date", "", "Delivery day (YYYY-MM-DD, today, tomorrow); defaults to today")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")

	blocksCmd.Flags().StringVar(&blocksDate, "date", "", "Delivery day (YYYY-MM-DD, today, tomorrow); defaults to today")
	blocksCmd.Flags().IntVar(&blocksMaxBlocks, "max-blocks", 0, "Maximum blocks to print (defaults to config)")
	blocksCmd.Flags().BoolVar(&blocksJSON, "json", false, "Print the blocks as JSON")
}
