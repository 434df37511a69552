package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fuomag9/comments-collator/internal/models"
)

type Files struct {
	db  *gorm.DB
	now func() time.Time
}

// Ensure records fileKey if it is not known yet. An empty name stores the placeholder name.
func (r *Files) Ensure(ctx context.Context, fileKey, name string) (*models.File, error) {
	if name == "" {
		name = models.UnknownFileName
	}

	now := r.now()
	file := &models.File{FileKey: fileKey, FileName: name, CreatedAt: now, UpdatedAt: now}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(file).Error
	if err != nil {
		return nil, fmt.Errorf("ensure file: %w", err)
	}
	return r.Get(ctx, fileKey)
}

func (r *Files) Get(ctx context.Context, fileKey string) (*models.File, error) {
	var file models.File
	if err := r.db.WithContext(ctx).First(&file, "file_key = ?", fileKey).Error; err != nil {
		return nil, notFound(err)
	}
	return &file, nil
}

// UpdateInfo stores the name and owner reported by the design tool.
func (r *Files) UpdateInfo(ctx context.Context, fileKey, name string, ownerUserID *string) error {
	updates := map[string]any{"file_name": name, "updated_at": r.now()}
	if ownerUserID != nil {
		updates["owner_user_id"] = *ownerUserID
	}
	return r.db.WithContext(ctx).Model(&models.File{}).Where("file_key = ?", fileKey).Updates(updates).Error
}

// SetTeam records the team owning fileKey
func (r *Files) SetTeam(ctx context.Context, fileKey, teamID string) error {
	return r.db.WithContext(ctx).Model(&models.File{}).Where("file_key = ?", fileKey).
		Updates(map[string]any{"team_id": teamID, "updated_at": r.now()}).Error
}

// MarkSynced sets the last-synced timestamp, creating the file row when needed.
func (r *Files) MarkSynced(ctx context.Context, fileKey string, at time.Time) error {
	if _, err := r.Ensure(ctx, fileKey, ""); err != nil {
		return err
	}
	at = at.UTC()
	return r.db.WithContext(ctx).Model(&models.File{}).Where("file_key = ?", fileKey).
		Updates(map[string]any{"last_synced_at": at, "updated_at": r.now()}).Error
}

// Delete removes a file with its comments and permissions. It reports the number of comments removed.
func (r *Files) Delete(ctx context.Context, fileKey string) (int64, error) {
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("file_key = ?", fileKey).Delete(&models.Comment{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected

		if err := tx.Where("file_key = ?", fileKey).Delete(&models.FilePermission{}).Error; err != nil {
			return err
		}
		if err := tx.Where("file_key = ?", fileKey).Delete(&models.WebhookRegistration{}).Error; err != nil {
			return err
		}
		return tx.Where("file_key = ?", fileKey).Delete(&models.File{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete file: %w", err)
	}
	return removed, nil
}
