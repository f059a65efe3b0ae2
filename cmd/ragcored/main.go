// Package main provides the ragcored entrypoint: the indexing worker daemon
// with its operational HTTP listener, plus administrative subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quarry-ai/ragcore/internal/config"
	"github.com/quarry-ai/ragcore/internal/observability"
)

var (
	cfgFile string

	cfg    *config.Config
	logger *observability.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ragcored",
	Short: "Knowledge base core daemon",
	Long: `ragcored runs the knowledge base core: the document indexing worker
consuming jobs from Redis, with an operational HTTP listener for health
checks. Administrative subcommands manage the metadata schema.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Missing .env files are fine; explicit config errors are not.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       cfg.Observability.LogLevel,
			Format:      cfg.Observability.LogFormat,
			ServiceName: "ragcored",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("RAGCORE_CONFIG"),
		"path to the YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
