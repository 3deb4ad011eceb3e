package repo

import (
	"context"

	"coffee-fleet/backend/app/models"

	"gorm.io/gorm"
)

type OrderRepository struct{ db *gorm.DB }

func NewOrderRepository(db *gorm.DB) *OrderRepository { return &OrderRepository{db: db} }

func (r *OrderRepository) WithTx(tx *gorm.DB) *OrderRepository { return &OrderRepository{db: tx} }

func (r *OrderRepository) FindByRef(ctx context.Context, deviceID, localRef string) (*models.Order, error) {
	var o models.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("device_id = ? AND local_ref = ?", deviceID, localRef).
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Create inserts the order and its items.
func (r *OrderRepository) Create(ctx context.Context, o *models.Order) error {
	return r.db.WithContext(ctx).Create(o).Error
}
