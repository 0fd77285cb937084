package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wlcxs123/prd-system-sub000/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and print the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		sqlDB, err := db.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		// Fails on a fresh file with no schema_version table yet.
		before, _ := db.SchemaVersion(sqlDB)
		if err := db.RunMigrations(sqlDB, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		after, err := db.SchemaVersion(sqlDB)
		if err != nil {
			return err
		}
		log.Info("migrations applied", "path", cfg.DatabasePath, "from", before, "to", after)
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", after)
		return nil
	},
}
