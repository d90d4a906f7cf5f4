package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"collaborative-mindmap/internal/domain"
)

// MigrateDB creates or updates the snapshot table.
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}
	if err := db.AutoMigrate(&domain.GraphSnapshot{}); err != nil {
		logrus.Errorf("Failed to auto-migrate graph_snapshots: %v", err)
		return fmt.Errorf("failed to auto-migrate tables: %w", err)
	}
	logrus.Info("Database migration completed successfully")
	return nil
}
