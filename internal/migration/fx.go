package migration

import (
	"github.com/draftdesk/tokenledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !SupportsDialect(cfg.DBType) {
			// The embedded migrations are written for postgres. Tests
			// create schema with AutoMigrate; any other dialect must
			// manage schema externally, so flag the skip loudly.
			log.Named("migrations").Error("no embedded migrations for dialect, schema must be managed externally",
				zap.String("db_type", cfg.DBType),
			)
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
