package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tabulahq/tabula/internal/config"
	"github.com/tabulahq/tabula/internal/logging"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile string
	cfg     *config.Config

	// dbLogger feeds the storage layer, which logs through logrus.
	dbLogger *logrus.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tabula",
	Short: "Tabula - versioned tabular datasets with content-addressed storage",
	Long: `Tabula stores tabular datasets as immutable commits of content-addressed
rows, with branches, per-commit schemas, and background jobs for import,
sampling, SQL transforms and profiling.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if _, err := logging.Setup(cfg.Log.Level, cfg.Log.JSON); err != nil {
			return err
		}

		dbLogger = logrus.New()
		level, err := logrus.ParseLevel(cfg.Log.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		dbLogger.SetLevel(level)
		if cfg.Log.JSON {
			dbLogger.SetFormatter(&logrus.JSONFormatter{})
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./tabula.yaml)")
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"tabula %s (built %s, commit %s)\n", Version, BuildTime, GitCommit))
}
