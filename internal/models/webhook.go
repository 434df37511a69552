package models

import "time"

// WebhookEvent is the audit record of a verified webhook delivery
type WebhookEvent struct {
	ID          string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EventType   string     `json:"event_type" gorm:"not null"`
	FileKey     *string    `json:"file_key"`
	Payload     string     `json:"payload"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	Error       *string    `json:"error"`
}

// TableName specifies the table name for WebhookEvent
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// WebhookRegistration records that a file should deliver events to this service
type WebhookRegistration struct {
	ID                 int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	FileKey            string    `json:"file_key" gorm:"uniqueIndex;not null"`
	EventType          string    `json:"event_type" gorm:"not null"`
	EndpointURL        string    `json:"endpoint_url" gorm:"not null"`
	Status             string    `json:"status" gorm:"not null"`
	RegisteredByUserID string    `json:"registered_by_user_id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName specifies the table name for WebhookRegistration
func (WebhookRegistration) TableName() string {
	return "webhook_registrations"
}
