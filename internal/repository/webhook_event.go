package repository

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"stripe-webhook-reconciler/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// matches the processing_error column size
const maxProcessingErrorLen = 1024

type WebhookEventRepository interface {
	// Append stores the audit record once per event id. Redeliveries leave
	// the first record untouched and report created=false.
	Append(ctx context.Context, event *model.WebhookEvent) (bool, error)
	Annotate(ctx context.Context, eventID string, annotation map[string]interface{}) error
	MarkProcessed(ctx context.Context, eventID string, processingErr error) error
	Get(ctx context.Context, eventID string) (*model.WebhookEvent, error)
}

type webhookEventRepositoryImpl struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepositoryImpl{db: db}
}

func (r *webhookEventRepositoryImpl) Append(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *webhookEventRepositoryImpl) Annotate(ctx context.Context, eventID string, annotation map[string]interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event model.WebhookEvent
		if err := tx.Where("event_id = ?", eventID).First(&event).Error; err != nil {
			return err
		}

		merged := datatypes.JSONMap{}
		for k, v := range event.Annotation {
			merged[k] = v
		}
		for k, v := range annotation {
			merged[k] = v
		}

		return tx.Model(&model.WebhookEvent{}).
			Where("event_id = ?", eventID).
			Update("annotation", merged).Error
	})
}

func (r *webhookEventRepositoryImpl) MarkProcessed(ctx context.Context, eventID string, processingErr error) error {
	errMsg := ""
	if processingErr != nil {
		errMsg = truncateUTF8(processingErr.Error(), maxProcessingErrorLen)
	}

	return r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"processed_at":     time.Now().UTC(),
			"processing_error": errMsg,
		}).Error
}

func (r *webhookEventRepositoryImpl) Get(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&event).Error
	if err != nil {
		return nil, err
	}

	return &event, nil
}

// truncateUTF8 drops invalid bytes and cuts s to at most n bytes without
// splitting a rune.
func truncateUTF8(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
