package main

import (
	"errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/open-sspm/open-spend/internal/config"
	"github.com/spf13/cobra"
)

var migrateFlags struct {
	source string
	down   bool
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		m, err := migrate.New(migrateFlags.source, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer m.Close()

		apply := m.Up
		if migrateFlags.down {
			apply = m.Down
		}
		if err := apply(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				slog.Info("no changes to apply")
				return nil
			}
			return err
		}

		slog.Info("migrations applied successfully", "down", migrateFlags.down)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateFlags.source, "path", "file://db/migrations", "migration source url")
	migrateCmd.Flags().BoolVar(&migrateFlags.down, "down", false, "roll back every migration instead of applying")
}
