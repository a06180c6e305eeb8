package repository

import (
	"context"
	"errors"
	"fmt"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"pumpengine/src/database"
	"pumpengine/src/model"
)

// StrategyRepository handles persistence for strategy definitions.
type StrategyRepository struct {
	db *gorm.DB
}

// NewStrategyRepository creates a new repository instance using the main read/write database.
func NewStrategyRepository() *StrategyRepository {
	logger.WithField("component", "StrategyRepository").
		Info("Creating new StrategyRepository with MainDB")

	return &StrategyRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *StrategyRepository) WithDB(db *gorm.DB) *StrategyRepository {
	return &StrategyRepository{db: db}
}

// Create inserts a new strategy version.
func (r *StrategyRepository) Create(
	ctx context.Context,
	strategy *model.Strategy,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":    "StrategyRepository",
		"op":      "Create",
		"name":    strategy.Name,
		"version": strategy.Version,
	}).Debug("Creating new strategy")

	err := r.db.WithContext(ctx).Create(strategy).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "StrategyRepository",
			"op":   "Create",
			"name": strategy.Name,
		}).WithError(err).Error("Failed to create strategy")

		return err
	}

	return nil
}

// Get fetches a strategy by its primary ID. Returns
// model.ErrStrategyNotFound when no row exists, so session startup
// can map the miss to a client-facing error.
func (r *StrategyRepository) Get(
	ctx context.Context,
	id uint,
) (*model.Strategy, error) {

	var strategy model.Strategy

	err := r.db.WithContext(ctx).
		First(&strategy, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("strategy %d: %w", id, model.ErrStrategyNotFound)
		}

		logger.WithFields(map[string]interface{}{
			"repo": "StrategyRepository",
			"op":   "Get",
			"id":   id,
		}).WithError(err).Error("Failed to fetch strategy by ID")

		return nil, err
	}

	return &strategy, nil
}

// FindActive returns every strategy currently flagged active.
func (r *StrategyRepository) FindActive(
	ctx context.Context,
) ([]model.Strategy, error) {

	var strategies []model.Strategy

	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("name ASC, version DESC").
		Find(&strategies).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "StrategyRepository",
			"op":   "FindActive",
		}).WithError(err).Error("Failed to fetch active strategies")

		return nil, err
	}

	return strategies, nil
}

// Deactivate flips the active flag off for a strategy. Running sessions
// keep the version they loaded; new sessions will refuse it.
func (r *StrategyRepository) Deactivate(
	ctx context.Context,
	id uint,
) error {

	result := r.db.WithContext(ctx).
		Model(&model.Strategy{}).
		Where("id = ?", id).
		Update("active", false)

	if result.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "StrategyRepository",
			"op":   "Deactivate",
			"id":   id,
		}).WithError(result.Error).Error("Failed to deactivate strategy")

		return result.Error
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("strategy %d: %w", id, model.ErrStrategyNotFound)
	}

	return nil
}
