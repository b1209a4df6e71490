package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"backbone/internal/domain"
)

// CheckReadWrite writes a dummy row, reads it back and removes it again.
// A nil db uses the package connection.
func CheckReadWrite(ctx context.Context, db *gorm.DB, content string) error {
	if db == nil {
		db = DB
	}
	if db == nil {
		return errors.New("database not initialised")
	}
	db = db.WithContext(ctx)

	dummy := domain.HealthcheckDummy{Content: content}
	if err := db.Create(&dummy).Error; err != nil {
		return fmt.Errorf("healthcheck create: %w", err)
	}

	var found domain.HealthcheckDummy
	if err := db.Where("id = ?", dummy.ID).Take(&found).Error; err != nil {
		return fmt.Errorf("healthcheck read: %w", err)
	}
	if found.Content != content {
		return fmt.Errorf("healthcheck read: got %q, want %q", found.Content, content)
	}

	if err := db.Delete(&domain.HealthcheckDummy{}, dummy.ID).Error; err != nil {
		return fmt.Errorf("healthcheck delete: %w", err)
	}
	return nil
}
