package repo

import (
	"context"

	"coffee-fleet/backend/app/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MaterialRepository struct{ db *gorm.DB }

func NewMaterialRepository(db *gorm.DB) *MaterialRepository { return &MaterialRepository{db: db} }

func (r *MaterialRepository) WithTx(tx *gorm.DB) *MaterialRepository {
	return &MaterialRepository{db: tx}
}

func (r *MaterialRepository) ListByDevice(ctx context.Context, deviceID string) ([]models.DeviceBin, error) {
	var out []models.DeviceBin
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("bin_index ASC").Find(&out).Error
	return out, err
}

func (r *MaterialRepository) ListByDeviceForUpdate(ctx context.Context, deviceID string) ([]models.DeviceBin, error) {
	var out []models.DeviceBin
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("device_id = ?", deviceID).
		Order("bin_index ASC").
		Find(&out).Error
	return out, err
}

func (r *MaterialRepository) Get(ctx context.Context, deviceID string, binIndex int) (*models.DeviceBin, error) {
	var b models.DeviceBin
	if err := r.db.WithContext(ctx).Where("device_id = ? AND bin_index = ?", deviceID, binIndex).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// Save inserts or updates a bin by primary key. An update leaves
// low_latched alone; that column is written only through SetLatched.
func (r *MaterialRepository) Save(ctx context.Context, b *models.DeviceBin) error {
	q := r.db.WithContext(ctx)
	if b.ID != 0 {
		q = q.Omit("low_latched")
	}
	return q.Save(b).Error
}

func (r *MaterialRepository) SetLatched(ctx context.Context, id uint, latched bool) error {
	return r.db.WithContext(ctx).Model(&models.DeviceBin{}).Where("id = ?", id).Update("low_latched", latched).Error
}
