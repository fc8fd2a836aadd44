package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"entsoe-watch/internal/app"
	"entsoe-watch/internal/config"
	"entsoe-watch/internal/logging"
	"entsoe-watch/internal/timeslot"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "entsoewatch",
	Short:         "Fetch ENTSO-E market data and plan consumption around cheap, green hours",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		appHandle.Out = cmd.OutOrStdout()
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pricesCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(blocksCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(prefetchCmd)
	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

func parseDateFlag(name, value string) (timeslot.Date, error) {
	d, err := getApp().ParseDate(value)
	if err != nil {
		return d, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return d, nil
}
