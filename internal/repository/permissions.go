package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/models"
)

type Permissions struct {
	db  *gorm.DB
	now func() time.Time
}

// FileAccess is a permission joined with its file name.
type FileAccess struct {
	FileKey   string                 `json:"fileKey"`
	FileName  string                 `json:"fileName"`
	Level     models.PermissionLevel `json:"permissionLevel"`
	GrantedAt time.Time              `json:"grantedAt"`
}

// bootstrapGrant inserts the caller's permission in one statement. The first user to touch a file
// with no permissions at all becomes its admin; everyone after that starts with read.
// An existing permission for the user is left untouched.
const bootstrapGrant = `
INSERT INTO file_permissions (user_id, file_key, level, granted_at)
SELECT ?, ?,
       CASE WHEN EXISTS (SELECT 1 FROM file_permissions WHERE file_key = ?) THEN 'read' ELSE 'admin' END,
       ?
WHERE 1 = 1
ON CONFLICT (user_id, file_key) DO NOTHING`

// Ensure returns the user's level on fileKey, granting one under the bootstrap-owner rule if missing.
func (r *Permissions) Ensure(ctx context.Context, userID, fileKey string) (models.PermissionLevel, error) {
	if level, err := r.Level(ctx, userID, fileKey); err == nil {
		return level, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	if err := r.db.WithContext(ctx).Exec(bootstrapGrant, userID, fileKey, fileKey, r.now()).Error; err != nil {
		return "", fmt.Errorf("grant default permission: %w", err)
	}
	return r.Level(ctx, userID, fileKey)
}

// Require ensures a permission exists and checks it is at least min.
func (r *Permissions) Require(ctx context.Context, userID, fileKey string, min models.PermissionLevel) (models.PermissionLevel, error) {
	level, err := r.Ensure(ctx, userID, fileKey)
	if err != nil {
		return "", err
	}
	if !level.AtLeast(min) {
		return level, apperr.Authorization("permissions.require", fmt.Sprintf("%s permission required", min))
	}
	return level, nil
}

// Level returns the stored level without granting anything.
func (r *Permissions) Level(ctx context.Context, userID, fileKey string) (models.PermissionLevel, error) {
	var perm models.FilePermission
	err := r.db.WithContext(ctx).First(&perm, "user_id = ? AND file_key = ?", userID, fileKey).Error
	if err != nil {
		return "", notFound(err)
	}
	return perm.Level, nil
}

// Grant sets the user's level on fileKey, replacing any previous grant.
func (r *Permissions) Grant(ctx context.Context, userID, fileKey string, level models.PermissionLevel, grantedBy string) error {
	if !level.Valid() {
		return apperr.Validation("permissions.grant", "invalid permission level")
	}

	perm := &models.FilePermission{
		UserID:    userID,
		FileKey:   fileKey,
		Level:     level,
		GrantedAt: r.now(),
	}
	if grantedBy != "" {
		perm.GrantedByUserID = &grantedBy
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "file_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"level", "granted_by_user_id", "granted_at"}),
	}).Create(perm).Error
}

// ListForUser returns every file the user has a permission on, newest grant first.
func (r *Permissions) ListForUser(ctx context.Context, userID string) ([]FileAccess, error) {
	var rows []FileAccess
	err := r.db.WithContext(ctx).
		Table("file_permissions AS fp").
		Select("fp.file_key AS file_key, COALESCE(f.file_name, ?) AS file_name, fp.level AS level, fp.granted_at AS granted_at", models.UnknownFileName).
		Joins("LEFT JOIN files f ON f.file_key = fp.file_key").
		Where("fp.user_id = ?", userID).
		Order("fp.granted_at DESC").
		Scan(&rows).Error
	return rows, err
}

// CountForFile reports how many users hold any permission on fileKey.
func (r *Permissions) CountForFile(ctx context.Context, fileKey string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.FilePermission{}).Where("file_key = ?", fileKey).Count(&count).Error
	return count, err
}
