package repository

import (
	"context"
	"errors"
	"fmt"
	"stripe-webhook-reconciler/internal/model"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSubscriptionCanceled is returned when a write would move a canceled
// subscription to another status. Canceled is terminal.
var ErrSubscriptionCanceled = errors.New("subscription is canceled")

// SubscriptionUpdate holds the mutable fields overwritten by
// customer.subscription.updated.
type SubscriptionUpdate struct {
	Status             model.SubscriptionStatus
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	EndedAt            *time.Time
	Metadata           map[string]interface{}
}

// CheckoutUpdate is the authoritative state written on checkout completion.
type CheckoutUpdate struct {
	Status             model.SubscriptionStatus
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]interface{}
	// UserID is written only when the row has no owner yet.
	UserID string
}

type SubscriptionRepository interface {
	Upsert(ctx context.Context, sub *model.Subscription) error
	Update(ctx context.Context, stripeID string, upd *SubscriptionUpdate) (bool, error)
	SetStatus(ctx context.Context, stripeID string, status model.SubscriptionStatus) (bool, error)
	ApplyCheckout(ctx context.Context, stripeID string, upd *CheckoutUpdate) (bool, error)
	GetByStripeID(ctx context.Context, stripeID string) (*model.Subscription, error)
}

type subscriptionRepoImpl struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepoImpl{
		db: db,
	}
}

// Upsert keys on stripe_id. An existing row keeps its primary id; every
// mutable column is overwritten except a canceled status, which is kept.
// sub is reloaded from the stored row.
func (r *subscriptionRepoImpl) Upsert(ctx context.Context, sub *model.Subscription) error {
	assignments := clause.AssignmentColumns([]string{
		"user_id",
		"customer_id",
		"price_id",
		"currency",
		"billing_interval",
		"current_period_start",
		"current_period_end",
		"cancel_at_period_end",
		"amount",
		"started_at",
		"canceled_at",
		"ended_at",
		"metadata",
		"updated_at",
	})
	assignments = append(assignments, clause.Assignment{
		Column: clause.Column{Name: "status"},
		Value:  r.keepCanceledStatus(),
	})

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_id"}},
		DoUpdates: assignments,
	}).Create(sub).Error
	if err != nil {
		return err
	}

	var stored model.Subscription
	err = r.db.WithContext(ctx).
		Where("stripe_id = ?", sub.StripeID).
		First(&stored).Error
	if err != nil {
		return err
	}

	*sub = stored
	return nil
}

// keepCanceledStatus is the conflict assignment for status. MySQL names the
// incoming row with VALUES(), postgres and sqlite with excluded.
func (r *subscriptionRepoImpl) keepCanceledStatus() clause.Expr {
	incoming := "excluded.status"
	if r.db.Dialector.Name() == "mysql" {
		incoming = "VALUES(status)"
	}

	return gorm.Expr(
		"CASE WHEN subscriptions.status = ? THEN subscriptions.status ELSE "+incoming+" END",
		model.SubscriptionCanceled,
	)
}

func (r *subscriptionRepoImpl) Update(ctx context.Context, stripeID string, upd *SubscriptionUpdate) (bool, error) {
	return r.updateStatus(ctx, stripeID, upd.Status, map[string]interface{}{
		"status":               upd.Status,
		"current_period_start": upd.CurrentPeriodStart,
		"current_period_end":   upd.CurrentPeriodEnd,
		"cancel_at_period_end": upd.CancelAtPeriodEnd,
		"canceled_at":          upd.CanceledAt,
		"ended_at":             upd.EndedAt,
		"metadata":             datatypes.JSONMap(upd.Metadata),
		"updated_at":           time.Now(),
	})
}

func (r *subscriptionRepoImpl) SetStatus(ctx context.Context, stripeID string, status model.SubscriptionStatus) (bool, error) {
	return r.updateStatus(ctx, stripeID, status, map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	})
}

// updateStatus applies updates to the row unless it is canceled and status
// would leave canceled. found is false when no row exists; a canceled row
// reports ErrSubscriptionCanceled.
func (r *subscriptionRepoImpl) updateStatus(ctx context.Context, stripeID string, status model.SubscriptionStatus, updates map[string]interface{}) (bool, error) {
	query := r.db.WithContext(ctx).
		Model(&model.Subscription{}).
		Where("stripe_id = ?", stripeID)
	if status != model.SubscriptionCanceled {
		query = query.Where("status <> ?", model.SubscriptionCanceled)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Subscription{}).
		Where("stripe_id = ?", stripeID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}

	return false, fmt.Errorf("set %s to %s: %w", stripeID, status, ErrSubscriptionCanceled)
}

func (r *subscriptionRepoImpl) ApplyCheckout(ctx context.Context, stripeID string, upd *CheckoutUpdate) (bool, error) {
	updates := map[string]interface{}{
		"status":               upd.Status,
		"current_period_start": upd.CurrentPeriodStart,
		"current_period_end":   upd.CurrentPeriodEnd,
		"cancel_at_period_end": upd.CancelAtPeriodEnd,
		"metadata":             datatypes.JSONMap(upd.Metadata),
		"updated_at":           time.Now(),
	}
	if upd.UserID != "" {
		updates["user_id"] = gorm.Expr("COALESCE(user_id, ?)", upd.UserID)
	}

	result := r.db.WithContext(ctx).
		Model(&model.Subscription{}).
		Where("stripe_id = ?", stripeID).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *subscriptionRepoImpl) GetByStripeID(ctx context.Context, stripeID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).
		Where("stripe_id = ?", stripeID).
		First(&sub).
		Error

	if err != nil {
		return nil, err
	}

	return &sub, nil
}
