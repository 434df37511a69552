package tokenstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fuomag9/comments-collator/internal/models"
)

// GormTier keeps state tokens in the oauth_states table.
type GormTier struct {
	db *gorm.DB
}

func NewGormTier(db *gorm.DB) *GormTier {
	return &GormTier{db: db}
}

func (g *GormTier) Put(ctx context.Context, e Entry) error {
	row := &models.OAuthState{Value: e.Value, CreatedAt: e.CreatedAt.UTC(), ExpiresAt: e.ExpiresAt.UTC()}
	if e.FileKeyHint != "" {
		hint := e.FileKeyHint
		row.FileKeyHint = &hint
	}
	return g.db.WithContext(ctx).Create(row).Error
}

func (g *GormTier) Take(ctx context.Context, value string) (Entry, error) {
	var row models.OAuthState
	err := g.db.WithContext(ctx).First(&row, "value = ?", value).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}

	// Only the caller whose delete removed the row owns the token.
	res := g.db.WithContext(ctx).Where("value = ?", value).Delete(&models.OAuthState{})
	if res.Error != nil {
		return Entry{}, res.Error
	}
	if res.RowsAffected != 1 {
		return Entry{}, ErrNotFound
	}

	entry := Entry{Value: row.Value, CreatedAt: row.CreatedAt, ExpiresAt: row.ExpiresAt}
	if row.FileKeyHint != nil {
		entry.FileKeyHint = *row.FileKeyHint
	}
	return entry, nil
}

func (g *GormTier) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res := g.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&models.OAuthState{})
	return res.RowsAffected, res.Error
}
