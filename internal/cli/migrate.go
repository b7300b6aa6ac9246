package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"localpulse/internal/store"
)

// NewMigrateCommand applies the embedded Postgres migrations.
func NewMigrateCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the Postgres store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			logger.Info().Msg("migrations applied")
			return nil
		},
	}
}
