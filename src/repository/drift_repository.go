package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"pumpengine/src/database"
	"pumpengine/src/model"
)

// DriftRepository persists reconciliation drift events. Rows are
// append-only; operators read them through the API or the database.
type DriftRepository struct {
	db *gorm.DB
}

// NewDriftRepository creates a new repository instance using the main read/write database.
func NewDriftRepository() *DriftRepository {
	logger.WithField("component", "DriftRepository").
		Info("Creating new DriftRepository with MainDB")

	return &DriftRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *DriftRepository) WithDB(db *gorm.DB) *DriftRepository {
	return &DriftRepository{db: db}
}

// Create appends a drift event.
func (r *DriftRepository) Create(
	ctx context.Context,
	drift *model.DriftEvent,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":       "DriftRepository",
		"op":         "Create",
		"session_id": drift.SessionID,
		"symbol":     drift.Symbol,
		"kind":       drift.Kind,
	}).Debug("Recording drift event")

	err := r.db.WithContext(ctx).Create(drift).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "DriftRepository",
			"op":         "Create",
			"session_id": drift.SessionID,
			"kind":       drift.Kind,
		}).WithError(err).Error("Failed to record drift event")

		return err
	}

	return nil
}

// FindLatestBySession returns the newest drift events of a session,
// newest first.
func (r *DriftRepository) FindLatestBySession(
	ctx context.Context,
	sessionID string,
	limit int,
) ([]model.DriftEvent, error) {

	if limit <= 0 {
		limit = 50
	}

	var drifts []model.DriftEvent

	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&drifts).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "DriftRepository",
			"op":         "FindLatestBySession",
			"session_id": sessionID,
			"limit":      limit,
		}).WithError(err).Error("Failed to fetch drift events")

		return nil, err
	}

	return drifts, nil
}
