package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"entsoe-watch/internal/app"
	"entsoe-watch/internal/series"
)

var (
	prefetchFrom     string
	prefetchTo       string
	prefetchDatasets []string
	prefetchDryRun   bool
	prefetchWorkers  int
)

var prefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Fill the cache for a range of delivery days",
	RunE: func(cmd *cobra.Command, args []string) error {
		if prefetchFrom == "" {
			return fmt.Errorf("--from is required")
		}
		from, err := parseDateFlag("from", prefetchFrom)
		if err != nil {
			return err
		}
		to := from
		if prefetchTo != "" {
			if to, err = parseDateFlag("to", prefetchTo); err != nil {
				return err
			}
		}

		opts := app.PrefetchOptions{
			From:    from,
			To:      to,
			DryRun:  prefetchDryRun,
			Workers: prefetchWorkers,
		}
		for _, name := range prefetchDatasets {
			ds, err := series.ParseDatasetType(name)
			if err != nil {
				return fmt.Errorf("invalid --datasets value: %w", err)
			}
			opts.Datasets = append(opts.Datasets, ds)
		}

		return getApp().Prefetch(cmd.Context(), opts)
	},
}

func init() {
	prefetchCmd.Flags().StringVar(&prefetchFrom, "from", "", "First delivery day (YYYY-MM-DD, inclusive)")
	prefetchCmd.Flags().StringVar(&prefetchTo, "to", "", "Last delivery day (YYYY-MM-DD, inclusive); defaults to --from")
	prefetchCmd.Flags().StringSliceVar(&prefetchDatasets, "datasets", nil, "Datasets to fetch (defaults to config)")
	prefetchCmd.Flags().BoolVar(&prefetchDryRun, "dry-run", false, "List the work without fetching")
	prefetchCmd.Flags().IntVar(&prefetchWorkers, "workers", 0, "Concurrent fetches (defaults to scheduler parallelism)")
}
