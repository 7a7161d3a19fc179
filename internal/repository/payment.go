package repository

import (
	"context"
	"stripe-webhook-reconciler/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentRepository interface {
	// Upsert keys on payment_intent_id; the latest event wins.
	Upsert(ctx context.Context, payment *model.Payment) error
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*model.Payment, error)
	Count(ctx context.Context, paymentIntentID string) (int64, error)
}

type paymentRepositoryImpl struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepositoryImpl{
		db: db,
	}
}

func (r *paymentRepositoryImpl) Upsert(ctx context.Context, payment *model.Payment) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "payment_intent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"email",
			"amount",
			"currency",
			"status",
			"payment_method",
			"error_message",
			"metadata",
			"updated_at",
		}),
	}).Create(payment).Error
}

func (r *paymentRepositoryImpl) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).
		Where("payment_intent_id = ?", paymentIntentID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}

	return &payment, nil
}

func (r *paymentRepositoryImpl) Count(ctx context.Context, paymentIntentID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Payment{}).
		Where("payment_intent_id = ?", paymentIntentID).
		Count(&count).Error

	return count, err
}
