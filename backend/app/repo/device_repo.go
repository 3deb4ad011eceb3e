package repo

import (
	"context"
	"time"

	"coffee-fleet/backend/app/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceRepository struct{ db *gorm.DB }

func NewDeviceRepository(db *gorm.DB) *DeviceRepository { return &DeviceRepository{db: db} }

func (r *DeviceRepository) WithTx(tx *gorm.DB) *DeviceRepository { return &DeviceRepository{db: tx} }

func (r *DeviceRepository) FindByDeviceID(ctx context.Context, deviceID string) (*models.Device, error) {
	var d models.Device
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// FindForUpdate reads the row under a write lock where the dialect has one.
func (r *DeviceRepository) FindForUpdate(ctx context.Context, deviceID string) (*models.Device, error) {
	var d models.Device
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("device_id = ?", deviceID).
		First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeviceRepository) FindMany(ctx context.Context, deviceIDs []string) ([]models.Device, error) {
	var out []models.Device
	if len(deviceIDs) == 0 {
		return out, nil
	}
	err := r.db.WithContext(ctx).Where("device_id IN ?", deviceIDs).Find(&out).Error
	return out, err
}

// Create inserts d unless the device id already exists. It reports whether
// a row was written.
func (r *DeviceRepository) Create(ctx context.Context, d *models.Device) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "device_id"}}, DoNothing: true}).
		Create(d)
	return res.RowsAffected > 0, res.Error
}

func (r *DeviceRepository) Update(ctx context.Context, deviceID string, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.Device{}).Where("device_id = ?", deviceID).Updates(fields).Error
}

// ListStale returns active devices whose last heartbeat precedes cutoff and
// that have not been announced offline yet.
func (r *DeviceRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Device, error) {
	var out []models.Device
	err := r.db.WithContext(ctx).
		Where("active = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ? AND announced_state <> ?", true, cutoff, models.StateOffline).
		Order("last_heartbeat_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkOffline flips announced_state to offline only if the heartbeat is
// still older than cutoff, so a heartbeat that lands between the select and
// this write wins.
func (r *DeviceRepository) MarkOffline(ctx context.Context, deviceID string, cutoff time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Device{}).
		Where("device_id = ? AND announced_state <> ? AND last_heartbeat_at < ?", deviceID, models.StateOffline, cutoff).
		Update("announced_state", models.StateOffline)
	return res.RowsAffected > 0, res.Error
}

func (r *DeviceRepository) List(ctx context.Context, activeOnly bool) ([]models.Device, error) {
	q := r.db.WithContext(ctx).Order("device_id ASC")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var out []models.Device
	return out, q.Find(&out).Error
}

func (r *DeviceRepository) Deactivate(ctx context.Context, deviceID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Device{}).Where("device_id = ?", deviceID).Update("active", false)
	return res.RowsAffected > 0, res.Error
}
