// package migrations
package migrations

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DataMigration tracks executed data migrations (like Django).
// Table name is fixed to avoid collisions with other models.
type DataMigration struct {
	ID        string    `gorm:"primaryKey;size:200;column:id"`
	AppliedAt time.Time `gorm:"not null;column:applied_at"`
}

func (DataMigration) TableName() string { return "data_migrations" }

// RunOnce runs fn only if migrationID was not executed before.
// It records the migration as executed only after fn succeeds.
func RunOnce(db *gorm.DB, migrationID string, fn func(*gorm.DB) error) error {
	if db == nil {
		return nil
	}
	if migrationID == "" {
		return fmt.Errorf("migration id is empty")
	}
	if fn == nil {
		return fmt.Errorf("migration %q has nil fn", migrationID)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var m DataMigration
		err := tx.First(&m, "id = ?", migrationID).Error
		if err == nil {
			// already applied
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check migration %q: %w", migrationID, err)
		}

		// execute migration work
		if err := fn(tx); err != nil {
			return fmt.Errorf("run migration %q: %w", migrationID, err)
		}

		// record as applied
		rec := DataMigration{
			ID:        migrationID,
			AppliedAt: time.Now().UTC(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("record migration %q: %w", migrationID, err)
		}

		return nil
	})
}

// Run executes all data migrations that go beyond schema auto-migrations.
// Append new migrations at the bottom with a stable unique id.
func Run(db *gorm.DB) error {
	if db == nil {
		return nil
	}

	if err := RunOnce(db, "00001_normalize_lifecycle_statuses", normalizeLifecycleStatuses); err != nil {
		return err
	}

	if err := RunOnce(db, "00002_backfill_client_order_ids", backfillClientOrderIDs); err != nil {
		return err
	}

	return nil
}

// normalizeLifecycleStatuses uppercases order and position statuses
// written by early builds that stored them lowercase.
func normalizeLifecycleStatuses(tx *gorm.DB) error {
	if err := tx.Exec("UPDATE orders SET status = UPPER(status)").Error; err != nil {
		return err
	}
	return tx.Exec("UPDATE positions SET status = UPPER(status)").Error
}

// backfillClientOrderIDs assigns ids to orders created before the
// client order id became mandatory.
func backfillClientOrderIDs(tx *gorm.DB) error {
	var ids []uint
	if err := tx.Table("orders").
		Where("client_order_id IS NULL OR client_order_id = ''").
		Pluck("id", &ids).Error; err != nil {
		return err
	}

	for _, id := range ids {
		if err := tx.Table("orders").
			Where("id = ?", id).
			Update("client_order_id", uuid.NewString()).Error; err != nil {
			return err
		}
	}
	return nil
}
