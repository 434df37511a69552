package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fuomag9/comments-collator/internal/models"
)

type Comments struct {
	db  *gorm.DB
	now func() time.Time
}

// CommentStats summarizes comments of one file, or of all files.
type CommentStats struct {
	Total         int64 `json:"totalComments"`
	Resolved      int64 `json:"resolvedComments"`
	Active        int64 `json:"activeComments"`
	UniqueAuthors int64 `json:"uniqueAuthors"`
}

// FileCommentStats is CommentStats for one file.
type FileCommentStats struct {
	FileKey string `json:"fileKey"`
	CommentStats
}

// commentConflictUpdates apply when a known comment is upserted again. Author, creation
// timestamp and file key keep the values of the first insert. Placement is replaced only by a
// copy that carries one, and an empty message never replaces a stored one.
// A resolution made locally by a known user survives an unresolved copy; a remote resolution
// keeps the local resolver. The merge reads the row as committed, so a resolve that lands
// while a sync is fetching is not lost.
var commentConflictUpdates = append(
	clause.AssignmentColumns([]string{"node_name", "remote_updated_at", "local_updated_at"}),
	assign("message", "CASE WHEN excluded.message = '' THEN comments.message ELSE excluded.message END"),
	assign("node_id", "CASE WHEN excluded.position_x IS NULL THEN comments.node_id ELSE excluded.node_id END"),
	assign("position_x", "COALESCE(excluded.position_x, comments.position_x)"),
	assign("position_y", "COALESCE(excluded.position_y, comments.position_y)"),
	assign("resolved_at", "CASE WHEN excluded.resolved_at IS NULL AND comments.resolved_by_user_id IS NOT NULL "+
		"THEN comments.resolved_at ELSE excluded.resolved_at END"),
	assign("resolved_by_user_id", "CASE WHEN excluded.resolved_at IS NULL AND comments.resolved_by_user_id IS NOT NULL "+
		"THEN comments.resolved_by_user_id "+
		"WHEN excluded.resolved_at IS NOT NULL AND comments.resolved_at IS NOT NULL "+
		"THEN COALESCE(excluded.resolved_by_user_id, comments.resolved_by_user_id) "+
		"ELSE excluded.resolved_by_user_id END"),
)

func assign(column, expr string) clause.Assignment {
	return clause.Assignment{Column: clause.Column{Name: column}, Value: gorm.Expr(expr)}
}

// Upsert inserts c or merges it into the row with the same external ID.
func (r *Comments) Upsert(ctx context.Context, c *models.Comment) error {
	row := *c
	row.ID = 0
	row.LocalUpdatedAt = r.now()
	row.RemoteCreatedAt = row.RemoteCreatedAt.UTC()
	row.RemoteUpdatedAt = utcPtr(row.RemoteUpdatedAt)
	row.ResolvedAt = utcPtr(row.ResolvedAt)

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_comment_id"}},
		DoUpdates: commentConflictUpdates,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert comment %s: %w", c.ExternalCommentID, err)
	}
	return nil
}

func (r *Comments) Get(ctx context.Context, externalID string) (*models.Comment, error) {
	var c models.Comment
	if err := r.db.WithContext(ctx).First(&c, "external_comment_id = ?", externalID).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListByFile returns every comment of a file, newest first.
func (r *Comments) ListByFile(ctx context.Context, fileKey string) ([]models.Comment, error) {
	var out []models.Comment
	err := r.db.WithContext(ctx).Where("file_key = ?", fileKey).
		Order("remote_created_at DESC").Find(&out).Error
	return out, err
}

// ListByNode returns the comments attached to one node, newest first.
func (r *Comments) ListByNode(ctx context.Context, fileKey, nodeID string) ([]models.Comment, error) {
	var out []models.Comment
	err := r.db.WithContext(ctx).Where("file_key = ? AND node_id = ?", fileKey, nodeID).
		Order("remote_created_at DESC").Find(&out).Error
	return out, err
}

// ListCanvas returns comments that are not attached to any node.
func (r *Comments) ListCanvas(ctx context.Context, fileKey string) ([]models.Comment, error) {
	var out []models.Comment
	err := r.db.WithContext(ctx).Where("file_key = ? AND (node_id IS NULL OR node_id = '')", fileKey).
		Order("remote_created_at DESC").Find(&out).Error
	return out, err
}

// Thread returns the comment identified by externalID and its replies, oldest reply first.
func (r *Comments) Thread(ctx context.Context, fileKey, externalID string) (*models.Comment, []models.Comment, error) {
	var parent models.Comment
	err := r.db.WithContext(ctx).First(&parent, "file_key = ? AND external_comment_id = ?", fileKey, externalID).Error
	if err != nil {
		return nil, nil, notFound(err)
	}

	var replies []models.Comment
	err = r.db.WithContext(ctx).Where("file_key = ? AND parent_comment_id = ?", fileKey, externalID).
		Order("remote_created_at ASC").Find(&replies).Error
	if err != nil {
		return nil, nil, err
	}
	return &parent, replies, nil
}

// ExternalIDs returns the external IDs of every cached comment of a file.
func (r *Comments) ExternalIDs(ctx context.Context, fileKey string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Comment{}).Where("file_key = ?", fileKey).
		Pluck("external_comment_id", &ids).Error
	return ids, err
}

// SetResolution overwrites the resolution of a comment. A nil at clears it.
func (r *Comments) SetResolution(ctx context.Context, externalID string, at *time.Time, byUserID *string) (*models.Comment, error) {
	res := r.db.WithContext(ctx).Model(&models.Comment{}).Where("external_comment_id = ?", externalID).
		Updates(map[string]any{
			"resolved_at":         utcPtr(at),
			"resolved_by_user_id": byUserID,
			"local_updated_at":    r.now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("set resolution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.Get(ctx, externalID)
}

// Delete removes one comment. It reports whether a row existed.
func (r *Comments) Delete(ctx context.Context, externalID string) (bool, error) {
	res := r.db.WithContext(ctx).Where("external_comment_id = ?", externalID).Delete(&models.Comment{})
	return res.RowsAffected > 0, res.Error
}

// DeleteMany removes the given comments of a file and returns how many rows went away.
func (r *Comments) DeleteMany(ctx context.Context, fileKey string, externalIDs []string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Where("file_key = ? AND external_comment_id IN ?", fileKey, externalIDs).
		Delete(&models.Comment{})
	return res.RowsAffected, res.Error
}

const statsColumns = "COUNT(*) AS total, " +
	"COUNT(CASE WHEN resolved_at IS NOT NULL THEN 1 END) AS resolved, " +
	"COUNT(CASE WHEN resolved_at IS NULL THEN 1 END) AS active, " +
	"COUNT(DISTINCT NULLIF(author_handle, '')) AS unique_authors"

// Stats counts comments for fileKey, or across all files when fileKey is empty.
func (r *Comments) Stats(ctx context.Context, fileKey string) (CommentStats, error) {
	var stats CommentStats
	q := r.db.WithContext(ctx).Model(&models.Comment{}).Select(statsColumns)
	if fileKey != "" {
		q = q.Where("file_key = ?", fileKey)
	}
	err := q.Scan(&stats).Error
	return stats, err
}

// StatsByFile returns CommentStats for every file with cached comments, ordered by file key.
func (r *Comments) StatsByFile(ctx context.Context) ([]FileCommentStats, error) {
	var rows []FileCommentStats
	err := r.db.WithContext(ctx).Model(&models.Comment{}).
		Select("file_key, " + statsColumns).
		Group("file_key").
		Order("file_key").
		Scan(&rows).Error
	return rows, err
}
