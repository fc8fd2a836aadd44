package cli

import (
	"github.com/spf13/cobra"
)

var notifyDate string

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send a delivery day's plan through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDateFlag("date", notifyDate)
		if err != nil {
			return err
		}
		return getApp().Notify(cmd.Context(), date)
	},
}

func init() {
	notifyCmd.Flags().StringVar(&notifyDate, "date", "tomorrow", "Delivery day (YYYY-MM-DD, today, tomorrow)")
}
