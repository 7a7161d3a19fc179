package repository

import (
	"context"
	"stripe-webhook-reconciler/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DonationRepository interface {
	// Create inserts once per payment intent; a redelivered event reports
	// created=false.
	Create(ctx context.Context, donation *model.Donation) (bool, error)
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*model.Donation, error)
}

type donationRepoImpl struct {
	db *gorm.DB
}

func NewDonationRepository(db *gorm.DB) DonationRepository {
	return &donationRepoImpl{
		db: db,
	}
}

func (r *donationRepoImpl) Create(ctx context.Context, donation *model.Donation) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_intent_id"}},
		DoNothing: true,
	}).Create(donation)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *donationRepoImpl) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*model.Donation, error) {
	var donation model.Donation
	err := r.db.WithContext(ctx).
		Where("payment_intent_id = ?", paymentIntentID).
		First(&donation).Error
	if err != nil {
		return nil, err
	}

	return &donation, nil
}
