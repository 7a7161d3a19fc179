package repository

import (
	"context"
	"errors"
	"fmt"
	"stripe-webhook-reconciler/internal/model"
	"time"

	"gorm.io/gorm"
)

var ErrInsufficientInventory = errors.New("insufficient inventory")

type InventoryRepository interface {
	// Decrement lowers a product's inventory by quantity only if the result
	// stays non-negative.
	Decrement(ctx context.Context, productID string, quantity int32) error
	Get(ctx context.Context, productID string) (int32, error)
}

type inventoryRepoImpl struct {
	db *gorm.DB
}

func NewInventoryRepository(db *gorm.DB) InventoryRepository {
	return &inventoryRepoImpl{
		db: db,
	}
}

// Decrement is a single conditional UPDATE, so the availability check and
// the write cannot interleave with a concurrent order for the same product.
func (r *inventoryRepoImpl) Decrement(ctx context.Context, productID string, quantity int32) error {
	if quantity <= 0 {
		return fmt.Errorf("decrement %s: quantity must be positive, got %d", productID, quantity)
	}

	result := r.db.WithContext(ctx).
		Model(&model.Product{}).
		Where("id = ? AND inventory_count >= ?", productID, quantity).
		Updates(map[string]interface{}{
			"inventory_count": gorm.Expr("inventory_count - ?", quantity),
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&model.Product{}).Where("id = ?", productID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("decrement %s: %w", productID, gorm.ErrRecordNotFound)
		}
		return fmt.Errorf("decrement %s by %d: %w", productID, quantity, ErrInsufficientInventory)
	}

	return nil
}

func (r *inventoryRepoImpl) Get(ctx context.Context, productID string) (int32, error) {
	var product model.Product

	err := r.db.WithContext(ctx).
		Select("inventory_count").
		Where("id = ?", productID).
		First(&product).Error
	if err != nil {
		return 0, err
	}

	return product.InventoryCount, nil
}
