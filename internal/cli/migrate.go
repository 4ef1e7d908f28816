package cli

import (
	"errors"
	"fmt"

	"notification-dispatch-go/internal/config"
	"notification-dispatch-go/internal/logs"
	"notification-dispatch-go/internal/store"

	"github.com/spf13/cobra"
)

func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres device registry schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return errors.New("migrate requires STORE_DRIVER=postgres")
			}
			logger := logs.New(cfg.LogLevel, cfg.LogFormat)

			pg, err := store.NewPostgresStore(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer pg.Close()

			if err := pg.RunMigrations(cmd.Context()); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			logger.Info("database migrations completed")
			return nil
		},
	}
}
