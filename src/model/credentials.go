package model

import "time"

// ExchangeCredentials stores API key material for a live exchange account.
// Key and secret are sealed at rest by the security package; the engine
// decrypts them only when constructing a live adapter.
type ExchangeCredentials struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Exchange        string    `gorm:"size:50;not null;uniqueIndex:idx_credentials_exchange_label" json:"exchange"`
	Label           string    `gorm:"size:100;not null;uniqueIndex:idx_credentials_exchange_label" json:"label"`
	APIKeySealed    string    `gorm:"size:512;column:api_key_sealed" json:"-"`
	APISecretSealed string    `gorm:"size:512;column:api_secret_sealed" json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (ExchangeCredentials) TableName() string {
	return "exchange_credentials"
}
