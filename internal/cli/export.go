package cli

import (
	"github.com/spf13/cobra"

	"entsoe-watch/internal/app"
)

var (
	exportDate    string
	exportPNGPath string
	exportCSVPath string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a delivery day's prices and plan as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDateFlag("date", exportDate)
		if err != nil {
			return err
		}
		return getApp().Export(cmd.Context(), app.ExportOptions{
			Date:    date,
			PNGPath: exportPNGPath,
			CSVPath: exportCSVPath,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportDate, "date", "", "Delivery day (YYYY-MM-DD, today, tomorrow); defaults to today")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
}
