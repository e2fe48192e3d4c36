package db

import (
	"fmt"

	"lora_pipeline/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB, log *logrus.Entry) error {
	log.Info("Starting database migration...")

	models := []interface{}{
		&model.Asset{},
		&model.Task{},
		&model.TaskImage{},
		&model.TaskStatusHistory{},
		&model.TaskStatusLog{},
		&model.TaskExecutionHistory{},
	}

	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Infof("✓ Database migration completed successfully (%d tables)", len(models))
	return nil
}
