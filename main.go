package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/AnTengye/pagelens/backend/config"
	"github.com/AnTengye/pagelens/backend/pkg/logger"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pagelens",
	Short: "Page analysis service with a credit ledger",
	Long: `pagelens accepts web page analysis jobs, runs them against an AI provider,
caches the resulting reports and bills each analysis against a per-owner
credit ledger.

Running without a subcommand starts the HTTP server.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML config file")
}

// loadConfig loads the config file and initializes logging from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", cfgFile, err)
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
