package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fuomag9/comments-collator/internal/models"
	"github.com/fuomag9/comments-collator/internal/seal"
)

// Profile is the identity reported by the design tool for the logged-in user.
type Profile struct {
	ExternalID  string
	Email       string
	DisplayName string
	Handle      string
	AvatarURL   string
}

// Credentials are the plaintext OAuth tokens of a user.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Expired reports whether the access token is unusable at now.
func (c Credentials) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

type Users struct {
	db     *gorm.DB
	sealer *seal.Sealer
	now    func() time.Time
}

// Upsert stores the identity keyed by its external ID. A returning user keeps its row and ID;
// profile and credential fields are overwritten.
func (r *Users) Upsert(ctx context.Context, p Profile, creds Credentials) (*models.User, error) {
	access, refresh, err := r.sealCredentials(creds)
	if err != nil {
		return nil, err
	}

	now := r.now()
	user := &models.User{
		ID:               uuid.NewString(),
		ExternalUserID:   p.ExternalID,
		Email:            p.Email,
		DisplayName:      p.DisplayName,
		Handle:           p.Handle,
		AvatarURL:        p.AvatarURL,
		AccessToken:      access,
		RefreshToken:     refresh,
		RefreshTokenHash: seal.Fingerprint(creds.RefreshToken),
		TokenExpiresAt:   utcPtr(creds.ExpiresAt),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email", "display_name", "handle", "avatar_url",
			"access_token", "refresh_token", "refresh_token_hash", "token_expires_at", "updated_at",
		}),
	}).Create(user).Error
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	return r.GetByExternalID(ctx, p.ExternalID)
}

func (r *Users) Get(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *Users) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "external_user_id = ?", externalID).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *Users) GetByHandle(ctx context.Context, handle string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "handle = ?", handle).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// Credentials returns the decrypted tokens of a user.
func (r *Users) Credentials(ctx context.Context, id string) (Credentials, error) {
	user, err := r.Get(ctx, id)
	if err != nil {
		return Credentials{}, err
	}
	return r.Open(user)
}

// Open decrypts the credential columns of user.
func (r *Users) Open(user *models.User) (Credentials, error) {
	access, err := r.sealer.Open(user.AccessToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("open access token: %w", err)
	}
	refresh, err := r.sealer.Open(user.RefreshToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("open refresh token: %w", err)
	}
	return Credentials{AccessToken: access, RefreshToken: refresh, ExpiresAt: user.TokenExpiresAt}, nil
}

// UpdateCredentials overwrites the token fields of a user.
func (r *Users) UpdateCredentials(ctx context.Context, id string, creds Credentials) error {
	updates, err := r.credentialUpdates(creds)
	if err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update credentials: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByRefreshToken finds the user currently holding refreshToken.
func (r *Users) GetByRefreshToken(ctx context.Context, refreshToken string) (*models.User, error) {
	hash := seal.Fingerprint(refreshToken)
	if hash == "" {
		return nil, ErrNotFound
	}

	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "refresh_token_hash = ?", hash).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// ReplaceByRefreshToken overwrites the credentials of whichever user currently holds oldRefresh.
// Concurrent callers are not serialized; the last write wins.
func (r *Users) ReplaceByRefreshToken(ctx context.Context, oldRefresh string, creds Credentials) (*models.User, error) {
	user, err := r.GetByRefreshToken(ctx, oldRefresh)
	if err != nil {
		return nil, err
	}

	if err := r.UpdateCredentials(ctx, user.ID, creds); err != nil {
		return nil, err
	}
	return r.Get(ctx, user.ID)
}

// CountActiveSince counts distinct users with session activity after since.
func (r *Users) CountActiveSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.PluginSession{}).
		Where("last_activity_at > ?", since.UTC()).
		Distinct("user_id").
		Count(&count).Error
	return count, err
}

func (r *Users) credentialUpdates(creds Credentials) (map[string]any, error) {
	access, refresh, err := r.sealCredentials(creds)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"access_token":       access,
		"refresh_token":      refresh,
		"refresh_token_hash": seal.Fingerprint(creds.RefreshToken),
		"token_expires_at":   utcPtr(creds.ExpiresAt),
		"updated_at":         r.now(),
	}, nil
}

func (r *Users) sealCredentials(creds Credentials) (string, string, error) {
	access, err := r.sealer.Seal(creds.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := r.sealer.Seal(creds.RefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("seal refresh token: %w", err)
	}
	return access, refresh, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
