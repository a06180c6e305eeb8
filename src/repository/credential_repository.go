package repository

import (
	"context"
	"errors"
	"fmt"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pumpengine/src/database"
	"pumpengine/src/model"
	"pumpengine/src/security"
)

// CredentialRepository stores sealed exchange API credentials.
type CredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository creates a new repository instance using the main read/write database.
func NewCredentialRepository() *CredentialRepository {
	logger.WithField("component", "CredentialRepository").
		Info("Creating new CredentialRepository with MainDB")

	return &CredentialRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *CredentialRepository) WithDB(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Upsert seals the plaintext key material and writes it, replacing any
// existing row for the same (exchange, label) pair. Plaintext never
// touches the database.
func (r *CredentialRepository) Upsert(
	ctx context.Context,
	exchange, label, apiKey, apiSecret string,
) error {

	sealedKey, err := security.EncryptString(apiKey)
	if err != nil {
		return fmt.Errorf("sealing api key: %w", err)
	}
	sealedSecret, err := security.EncryptString(apiSecret)
	if err != nil {
		return fmt.Errorf("sealing api secret: %w", err)
	}

	credentials := &model.ExchangeCredentials{
		Exchange:        exchange,
		Label:           label,
		APIKeySealed:    sealedKey,
		APISecretSealed: sealedSecret,
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "CredentialRepository",
		"op":       "Upsert",
		"exchange": exchange,
		"label":    label,
	}).Debug("Upserting sealed exchange credentials")

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "exchange"}, {Name: "label"}},
			DoUpdates: clause.AssignmentColumns([]string{"api_key_sealed", "api_secret_sealed", "updated_at"}),
		}).
		Create(credentials).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "CredentialRepository",
			"op":       "Upsert",
			"exchange": exchange,
		}).WithError(err).Error("Failed to upsert exchange credentials")

		return err
	}

	return nil
}

// FindByExchange returns the sealed row for an exchange, preferring the
// "default" label. Returns (nil, nil) if nothing is stored.
func (r *CredentialRepository) FindByExchange(
	ctx context.Context,
	exchange string,
) (*model.ExchangeCredentials, error) {

	var credentials model.ExchangeCredentials

	err := r.db.WithContext(ctx).
		Where("exchange = ?", exchange).
		Order("CASE WHEN label = 'default' THEN 0 ELSE 1 END, id ASC").
		First(&credentials).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":     "CredentialRepository",
			"op":       "FindByExchange",
			"exchange": exchange,
		}).WithError(err).Error("Failed to fetch exchange credentials")

		return nil, err
	}

	return &credentials, nil
}

// Credentials unseals and returns the key material for an exchange,
// satisfying the credential source used by live sessions.
func (r *CredentialRepository) Credentials(
	ctx context.Context,
	exchange string,
) (apiKey, apiSecret string, err error) {

	row, err := r.FindByExchange(ctx, exchange)
	if err != nil {
		return "", "", err
	}
	if row == nil {
		return "", "", &model.ValidationError{
			Field:  "exchange",
			Reason: fmt.Sprintf("no credentials stored for exchange %q", exchange),
		}
	}

	apiKey, err = security.DecryptString(row.APIKeySealed)
	if err != nil {
		return "", "", fmt.Errorf("unsealing api key for %s: %w", exchange, err)
	}
	apiSecret, err = security.DecryptString(row.APISecretSealed)
	if err != nil {
		return "", "", fmt.Errorf("unsealing api secret for %s: %w", exchange, err)
	}

	return apiKey, apiSecret, nil
}
