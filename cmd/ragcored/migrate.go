package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarry-ai/ragcore/internal/metadata"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending metadata schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := metadata.Open(cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("open metadata store: %w", err)
		}
		defer meta.Close()

		if err := meta.Migrate(context.Background()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		logger.Info().Str("driver", cfg.Database.Driver).Msg("Migrations applied")
		return nil
	},
}
