package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wlcxs123/prd-system-sub000/internal/config"
	"github.com/wlcxs123/prd-system-sub000/internal/db"
	"github.com/wlcxs123/prd-system-sub000/internal/logger"
	"github.com/wlcxs123/prd-system-sub000/internal/utils"
)

var (
	version = "dev"

	configPath string
	cfg        *config.Config
	log        *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:               "qms",
	Short:             "Questionnaire data management server",
	Version:           version,
	PersistentPreRunE: bootstrap,
	SilenceErrors:     true,
	SilenceUsage:      true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", utils.SafeEnv("CONFIG_FILE", ""), "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, createUserCmd)
}

func bootstrap(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	var err error
	if cfg, err = config.Load(configPath); err != nil {
		return err
	}
	log = logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	return nil
}

// openStore opens the database and brings the schema up to date.
func openStore() (*db.SQLiteStore, error) {
	sqlDB, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(sqlDB, cfg.MigrationsDir); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	store, err := db.NewSQLiteStore(sqlDB, log)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
