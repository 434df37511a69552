package models

import "time"

// Comment is the local mirror of a remote design-file comment.
// A nil NodeID means the comment sits on the canvas itself.
type Comment struct {
	ID                int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	ExternalCommentID string     `json:"comment_id" gorm:"uniqueIndex;not null"`
	FileKey           string     `json:"file_key" gorm:"not null;index"`
	NodeID            *string    `json:"node_id"`
	NodeName          *string    `json:"node_name"`
	Message           string     `json:"message"`
	AuthorName        string     `json:"author_name"`
	AuthorHandle      string     `json:"author_handle"`
	ParentCommentID   *string    `json:"parent_comment_id"`
	PositionX         *float64   `json:"position_x"`
	PositionY         *float64   `json:"position_y"`
	ResolvedAt        *time.Time `json:"resolved_at"`
	ResolvedByUserID  *string    `json:"resolved_by_user_id"`
	RemoteCreatedAt   time.Time  `json:"created_at"`
	RemoteUpdatedAt   *time.Time `json:"updated_at"`
	LocalUpdatedAt    time.Time  `json:"local_updated_at"`
}

// TableName specifies the table name for Comment
func (Comment) TableName() string {
	return "comments"
}

// IsResolved reports whether the comment currently carries a resolution
func (c *Comment) IsResolved() bool {
	return c.ResolvedAt != nil
}
