package database

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/speakerdesk/contract-engine/internal/config"
	"github.com/speakerdesk/contract-engine/internal/models"
)

// Initialize opens the configured store and migrates it.
func Initialize(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := Open(cfg.DatabaseType, cfg.DatabaseURL, logger.Warn)
	if err != nil {
		return nil, err
	}
	log.Info("database connected", zap.String("type", cfg.DatabaseType))

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Open connects without migrating. SQLite is limited to one open connection
// so that transactions are serialized instead of failing with SQLITE_BUSY.
func Open(dbType, url string, level logger.LogLevel) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch dbType {
	case "postgres":
		dialector = postgres.Open(url)
	case "sqlite", "":
		dialector = sqlite.Open(withSQLitePragmas(url))
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbType, err)
	}

	if db.Dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Contract{},
		&models.Signature{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// Ping reports whether the store answers.
func Ping(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func withSQLitePragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}
