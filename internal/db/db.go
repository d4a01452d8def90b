package db

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"petwash-station-backend/config"
	"petwash-station-backend/internal/model"
)

// Models lists every table owned by this service, in migration order.
var Models = []any{
	&model.Station{},
	&model.MaintenanceLog{},
	&model.Profile{},
	&model.GateCommand{},
	&model.PushSubscription{},
}

// Init opens the configured database and, when enabled, runs migrations.
func Init(cfg *config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	if cfg.AutoMigrate {
		log.Info("running database migrations")
		if err := db.AutoMigrate(Models...); err != nil {
			return nil, fmt.Errorf("automigrate failed: %w", err)
		}
	}

	log.WithField("driver", cfg.Driver).Info("database initialization complete")
	return db, nil
}
