package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fest-vibes/etl/internal/config"
	"github.com/fest-vibes/etl/internal/jobs"
	"github.com/fest-vibes/etl/internal/storage/postgres"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	var migrationsPath string

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the catalog database schema",
		Long: `Apply or roll back the catalog schema migrations.

The catalog tables and indexes are managed with golang-migrate. The
migrations ship inside the binary; --path or DATABASE_MIGRATIONS_PATH
points at a directory instead. "migrate up" also installs the job queue
tables used by the worker.

Examples:
  loader migrate up
  loader migrate down --steps 1
  loader migrate version`,
	}
	migrateCmd.PersistentFlags().StringVar(&migrationsPath, "path", "", "migrations directory (default: DATABASE_MIGRATIONS_PATH, else the embedded migrations)")

	// withMigrator loads config and hands an open migrator to fn.
	withMigrator := func(fn func(cfg config.Config, mg *postgres.Migrator) error) error {
		cfg, err := root.loadConfig()
		if err != nil {
			return err
		}
		dir := migrationsPath
		if dir == "" {
			dir = cfg.Database.MigrationsPath
		}
		mg, err := postgres.NewMigrator(cfg.Database.URL, dir)
		if err != nil {
			return err
		}
		defer func() { _ = mg.Close() }()
		return fn(cfg, mg)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(cfg config.Config, mg *postgres.Migrator) error {
				version, err := mg.Up()
				if err != nil {
					return err
				}

				ctx, stop := signalContext()
				defer stop()
				pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
				if err != nil {
					return fmt.Errorf("connect database: %w", err)
				}
				defer pool.Close()
				if err := jobs.Migrate(ctx, pool); err != nil {
					return err
				}

				logger := config.NewLogger(cmd.ErrOrStderr(), cfg.Logging, "migrate")
				logger.Info().
					Uint("version", version).
					Msg("migrations applied")
				return nil
			})
		},
	}

	var steps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(cfg config.Config, mg *postgres.Migrator) error {
				if err := mg.Down(steps); err != nil {
					return err
				}
				logger := config.NewLogger(cmd.ErrOrStderr(), cfg.Logging, "migrate")
				logger.Info().Int("steps", steps).Msg("migrations rolled back")
				return nil
			})
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(_ config.Config, mg *postgres.Migrator) error {
				version, dirty, err := mg.Version()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Version: %d\n", version)
				if dirty {
					fmt.Fprintf(out, "Dirty:   true (fix the failed migration, then force the version)\n")
				}
				return nil
			})
		},
	}

	migrateCmd.AddCommand(upCmd, downCmd, versionCmd)
	return migrateCmd
}
