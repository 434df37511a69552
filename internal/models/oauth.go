package models

import "time"

// OAuthState is a single-use anti-CSRF value binding an authorization request to its callback
type OAuthState struct {
	Value       string    `json:"-" gorm:"primaryKey"`
	FileKeyHint *string   `json:"file_key_hint"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" gorm:"not null;index"`
}

// TableName specifies the table name for OAuthState
func (OAuthState) TableName() string {
	return "oauth_states"
}
