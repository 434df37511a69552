package models

import "time"

// User is a design-tool identity. Credential columns hold sealed values.
type User struct {
	ID               string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ExternalUserID   string     `json:"external_user_id" gorm:"uniqueIndex;not null"`
	Email            string     `json:"email"`
	DisplayName      string     `json:"display_name"`
	Handle           string     `json:"handle" gorm:"index"`
	AvatarURL        string     `json:"avatar_url"`
	AccessToken      string     `json:"-"`
	RefreshToken     string     `json:"-"`
	RefreshTokenHash string     `json:"-" gorm:"index"`
	TokenExpiresAt   *time.Time `json:"token_expires_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// UserSummary is the identity shape returned to the plugin.
type UserSummary struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	Handle      string `json:"handle"`
	AvatarURL   string `json:"avatar_url"`
}

// Summary returns the public view of the user
func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Handle:      u.Handle,
		AvatarURL:   u.AvatarURL,
	}
}

// HasLiveCredential reports whether the stored access token may still be used at now.
func (u *User) HasLiveCredential(now time.Time) bool {
	if u.AccessToken == "" {
		return false
	}
	return u.TokenExpiresAt == nil || u.TokenExpiresAt.After(now)
}
