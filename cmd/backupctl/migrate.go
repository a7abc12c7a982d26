package main

import (
	"github.com/spf13/cobra"

	"github.com/edvin/sitebackup/internal/db"
	"github.com/edvin/sitebackup/internal/logging"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations for the run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("migrate")
		if err != nil {
			return err
		}
		logger := logging.NewLogger(cfg)

		if err := db.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
			return err
		}
		logger.Info().Str("dir", migrationsDir).Msg("migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "directory holding the SQL migrations")
	rootCmd.AddCommand(migrateCmd)
}
