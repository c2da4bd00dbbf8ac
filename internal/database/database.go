// Package database owns the Postgres connection and schema migrations.
// The database is optional: an empty DATABASE_URL yields a nil *gorm.DB and
// every caller treats that as "run persistence off".
package database

import (
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Conceptual-Machines/maestro-api/internal/models"
)

// Connect opens the Postgres pool. An empty URL returns (nil, nil) so local
// runs and tests need no Postgres.
func Connect(databaseURL string) (*gorm.DB, error) {
	if databaseURL == "" {
		log.Println("⚠️  DATABASE_URL not set, run persistence disabled")
		return nil, nil
	}

	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("✅ Database connected")
	return db, nil
}

// Migrate applies the schema for run persistence. No-op on a nil DB.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}

	if err := db.AutoMigrate(
		&models.CompositionRun{},
		&models.RunEvent{},
	); err != nil {
		return err
	}

	log.Println("✅ Database migrations applied")
	return nil
}
