package cmd

import (
	"fmt"

	"github.com/jmehdipour/ledger-bridge/internal/app"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/jmehdipour/ledger-bridge/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema for the configured database driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Load(cfgPath, "migrate")
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		sqlDB, err := app.OpenSQL(cfg.Database)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		if err := migrations.Apply(cmd.Context(), sqlDB, cfg.Database.Driver); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		log.Info("schema applied", zap.String("driver", cfg.Database.Driver))

		chDB, err := app.OpenClickHouse(cfg.ClickHouse)
		if err != nil {
			return err
		}
		if chDB == nil {
			return nil
		}
		defer chDB.Close()
		if err := repository.NewCHEventArchive(chDB, cfg.ClickHouse.Table).EnsureTable(cmd.Context()); err != nil {
			return fmt.Errorf("clickhouse archive table: %w", err)
		}
		log.Info("archive table ready", zap.String("table", cfg.ClickHouse.Table))
		return nil
	},
}
