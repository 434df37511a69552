package models

import "time"

// UnknownFileName is stored for files first seen through a webhook or comment call
const UnknownFileName = "Unknown File"

// File is a design file known to the collator
type File struct {
	FileKey      string     `json:"file_key" gorm:"primaryKey"`
	FileName     string     `json:"file_name"`
	TeamID       *string    `json:"team_id"`
	OwnerUserID  *string    `json:"owner_user_id"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName specifies the table name for File
func (File) TableName() string {
	return "files"
}

// PermissionLevel orders read < write < admin
type PermissionLevel string

const (
	PermissionRead  PermissionLevel = "read"
	PermissionWrite PermissionLevel = "write"
	PermissionAdmin PermissionLevel = "admin"
)

func (l PermissionLevel) rank() int {
	switch l {
	case PermissionRead:
		return 1
	case PermissionWrite:
		return 2
	case PermissionAdmin:
		return 3
	default:
		return 0
	}
}

// Valid reports whether l is one of the known levels
func (l PermissionLevel) Valid() bool {
	return l.rank() > 0
}

// AtLeast reports whether l grants everything min grants
func (l PermissionLevel) AtLeast(min PermissionLevel) bool {
	return l.rank() >= min.rank() && l.Valid()
}

// FilePermission grants a user a level on a file. Unique per (user, file).
type FilePermission struct {
	ID              int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID          string          `json:"user_id" gorm:"not null;uniqueIndex:idx_file_permissions_user_file"`
	FileKey         string          `json:"file_key" gorm:"not null;uniqueIndex:idx_file_permissions_user_file"`
	Level           PermissionLevel `json:"permission_level" gorm:"column:level;not null"`
	GrantedByUserID *string         `json:"granted_by_user_id"`
	GrantedAt       time.Time       `json:"granted_at"`
}

// TableName specifies the table name for FilePermission
func (FilePermission) TableName() string {
	return "file_permissions"
}
