package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"huddle/api/internal/store"
)

func newMigrateCommand(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.DefaultPoolOptions())
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			applied, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Strings("versions", applied), zap.Int("count", len(applied)))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.DefaultPoolOptions())
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			version, err := store.RollbackLast(cmd.Context(), db, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			if version == "" {
				logger.Info("no migrations to roll back")
				return nil
			}
			logger.Info("migration rolled back", zap.String("version", version))
			return nil
		},
	})
	return cmd
}
