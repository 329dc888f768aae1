// Package database opens the Postgres connection shared by the pgvector store
// and the metrics recorder.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pablobfonseca/go-meal-vector/config"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Migrator is implemented by every component that owns tables.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Connect opens the database described by cfg and pings it.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Host == "" || cfg.User == "" || cfg.Name == "" || cfg.Port == "" {
		return nil, errortypes.Configuration(
			fmt.Errorf("missing required database settings"),
			"please ensure DB_HOST, DB_USER, DB_PASSWORD, DB_NAME, DB_PORT, and DB_SSLMODE are set",
		)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errortypes.External(err, "failed to connect to database").WithField("host", cfg.Host)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errortypes.External(err, "failed to access database handle")
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, errortypes.External(err, "failed to ping database").WithField("host", cfg.Host)
	}

	log.Info("database connected", "host", cfg.Host, "name", cfg.Name)
	return db, nil
}

// Migrate runs every migrator in order and stops at the first failure.
func Migrate(ctx context.Context, migrators ...Migrator) error {
	for _, m := range migrators {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the pool behind db.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
