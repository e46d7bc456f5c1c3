package main

import (
	"fmt"
	"os"

	"gitlab-metrics-service/internal/config"
	"gitlab-metrics-service/internal/logging"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Database.Driver != "postgres" {
			return fmt.Errorf("migrate needs the postgres driver, got %q", cfg.Database.Driver)
		}
		log := logging.New(cfg.Log, os.Stderr)
		store, err := openPostgres(cmd.Context(), cfg.Database, log)
		if err != nil {
			return err
		}
		return store.Close()
	},
}
