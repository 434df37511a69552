package models

import "time"

// PluginSession is a bearer session issued at the end of the OAuth callback
type PluginSession struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionToken   string    `json:"-" gorm:"uniqueIndex;not null"`
	UserID         string    `json:"user_id" gorm:"not null;index"`
	ScopedFileKey  *string   `json:"scoped_file_key"`
	CurrentNodeID  *string   `json:"current_node_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	User *User `json:"-" gorm:"foreignKey:UserID"`
}

// TableName specifies the table name for PluginSession
func (PluginSession) TableName() string {
	return "plugin_sessions"
}
