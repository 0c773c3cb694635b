package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chainproof/chainproof/internal/config"
	"github.com/chainproof/chainproof/internal/store"
	"github.com/chainproof/chainproof/pkg/log"
	"github.com/chainproof/chainproof/pkg/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logger := log.InitLog(log.ParseLevel(cfg.Agent.LogLevel))
		defer func() { _ = logger.Sync() }()

		undo := zap.ReplaceGlobals(logger)
		defer undo()

		if cfg.Agent.MigrationFolder == "" {
			zap.S().Fatal("CHAINPROOF_MIGRATIONS_FOLDER is not set")
		}

		zap.S().Info("initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalf("failed to initialize data store: %v", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s dbname=%s",
			cfg.Database.Hostname,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.Port,
			cfg.Database.Name,
		)
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			zap.S().Fatalf("failed to parse pgx config: %v", err)
		}
		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			zap.S().Fatalf("failed to initialize queue pool: %v", err)
		}
		defer pool.Close()

		if err := migrations.MigrateStore(db, cfg.Agent.MigrationFolder, pool); err != nil {
			zap.S().Fatalf("failed to migrate the db: %v", err)
		}

		zap.S().Info("db migrated")
		return nil
	},
}
