package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"pumpengine/src/database"
	"pumpengine/src/model"
)

// PositionRepository handles persistence for Position entities.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new repository instance using the main read/write database.
func NewPositionRepository() *PositionRepository {
	logger.WithField("component", "PositionRepository").
		Info("Creating new PositionRepository with MainDB")

	return &PositionRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create inserts a new position. The entity is updated with the
// generated ID and timestamps.
func (r *PositionRepository) Create(
	ctx context.Context,
	position *model.Position,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":      "PositionRepository",
		"op":        "Create",
		"symbol":    position.Symbol,
		"direction": position.Direction,
		"leverage":  position.Leverage,
	}).Debug("Creating new position")

	err := r.db.WithContext(ctx).Create(position).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "PositionRepository",
			"op":     "Create",
			"symbol": position.Symbol,
		}).WithError(err).Error("Failed to create position")

		return err
	}

	return nil
}

// Update persists the full position row.
func (r *PositionRepository) Update(
	ctx context.Context,
	position *model.Position,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":   "PositionRepository",
		"op":     "Update",
		"id":     position.ID,
		"status": position.Status,
	}).Debug("Updating position")

	err := r.db.WithContext(ctx).Save(position).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "Update",
			"id":   position.ID,
		}).WithError(err).Error("Failed to update position")

		return err
	}

	return nil
}

// FindByID fetches a single position by its primary ID.
// Returns (nil, nil) if not found.
func (r *PositionRepository) FindByID(
	ctx context.Context,
	id uint,
) (*model.Position, error) {

	var position model.Position

	err := r.db.WithContext(ctx).
		First(&position, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch position by ID")

		return nil, err
	}

	return &position, nil
}

// FindOpenBySession returns every non-terminal position of a session.
func (r *PositionRepository) FindOpenBySession(
	ctx context.Context,
	sessionID string,
) ([]model.Position, error) {

	var positions []model.Position

	err := r.db.WithContext(ctx).
		Where("session_id = ? AND status NOT IN ?", sessionID,
			[]string{model.PositionStatusClosed, model.PositionStatusLiquidated}).
		Order("id ASC").
		Find(&positions).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "PositionRepository",
			"op":         "FindOpenBySession",
			"session_id": sessionID,
		}).WithError(err).Error("Failed to fetch open positions")

		return nil, err
	}

	return positions, nil
}

// FindLatestBySymbol returns the latest positions for a symbol,
// newest first.
func (r *PositionRepository) FindLatestBySymbol(
	ctx context.Context,
	symbol string,
	limit int,
) ([]model.Position, error) {

	if limit <= 0 {
		limit = 20
	}

	var positions []model.Position

	err := r.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("id DESC").
		Limit(limit).
		Find(&positions).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "PositionRepository",
			"op":     "FindLatestBySymbol",
			"symbol": symbol,
			"limit":  limit,
		}).WithError(err).Error("Failed to fetch latest positions by symbol")

		return nil, err
	}

	return positions, nil
}
