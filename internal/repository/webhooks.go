package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fuomag9/comments-collator/internal/models"
)

type Webhooks struct {
	db  *gorm.DB
	now func() time.Time
}

// RecordEvent stores a verified delivery before it is dispatched.
func (r *Webhooks) RecordEvent(ctx context.Context, eventType, fileKey string, payload []byte) (*models.WebhookEvent, error) {
	event := &models.WebhookEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Payload:    string(payload),
		ReceivedAt: r.now(),
	}
	if fileKey != "" {
		event.FileKey = &fileKey
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, fmt.Errorf("record webhook event: %w", err)
	}
	return event, nil
}

// MarkProcessed closes an event, storing handlerErr when dispatch failed.
func (r *Webhooks) MarkProcessed(ctx context.Context, id string, handlerErr error) error {
	updates := map[string]any{"processed_at": r.now()}
	if handlerErr != nil {
		updates["error"] = handlerErr.Error()
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *Webhooks) GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &event, nil
}

// PurgeProcessedBefore deletes processed events received before cutoff.
func (r *Webhooks) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("processed_at IS NOT NULL AND received_at < ?", cutoff.UTC()).
		Delete(&models.WebhookEvent{})
	return res.RowsAffected, res.Error
}

// Register records or replaces the webhook registration of a file.
func (r *Webhooks) Register(ctx context.Context, reg *models.WebhookRegistration) (*models.WebhookRegistration, error) {
	now := r.now()
	reg.CreatedAt = now
	reg.UpdatedAt = now

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "file_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"event_type", "endpoint_url", "status", "registered_by_user_id", "updated_at"}),
	}).Create(reg).Error
	if err != nil {
		return nil, fmt.Errorf("register webhook: %w", err)
	}

	var stored models.WebhookRegistration
	if err := r.db.WithContext(ctx).First(&stored, "file_key = ?", reg.FileKey).Error; err != nil {
		return nil, notFound(err)
	}
	return &stored, nil
}
