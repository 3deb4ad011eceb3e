package repo

import (
	"context"
	"time"

	"coffee-fleet/backend/app/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AlarmRepository struct{ db *gorm.DB }

func NewAlarmRepository(db *gorm.DB) *AlarmRepository { return &AlarmRepository{db: db} }

func (r *AlarmRepository) FindOpen(ctx context.Context, deviceID string, category models.AlarmCategory) (*models.Alarm, error) {
	var a models.Alarm
	err := r.db.WithContext(ctx).
		Where("open_key = ?", models.AlarmKey(deviceID, category)).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Open inserts a at most once per open key. It reports whether a new row
// was written.
func (r *AlarmRepository) Open(ctx context.Context, a *models.Alarm) (bool, error) {
	key := models.AlarmKey(a.DeviceID, a.Category)
	a.OpenKey = &key
	a.Status = models.AlarmOpen
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "open_key"}}, DoNothing: true}).
		Create(a)
	return res.RowsAffected > 0, res.Error
}

// Clear closes the open alarm for (device, category), if any.
func (r *AlarmRepository) Clear(ctx context.Context, deviceID string, category models.AlarmCategory, at time.Time) (*models.Alarm, error) {
	open, err := r.FindOpen(ctx, deviceID, category)
	if err != nil {
		return nil, err
	}
	res := r.db.WithContext(ctx).Model(&models.Alarm{}).
		Where("id = ? AND status = ?", open.ID, models.AlarmOpen).
		Updates(map[string]any{"status": models.AlarmCleared, "open_key": nil, "cleared_at": at})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	open.Status = models.AlarmCleared
	open.OpenKey = nil
	open.ClearedAt = &at
	return open, nil
}

func (r *AlarmRepository) UpdateContext(ctx context.Context, id uint, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.Alarm{}).Where("id = ?", id).Updates(fields).Error
}

type AlarmFilter struct {
	DeviceID string
	Status   string
	Category string
	Limit    int
}

func (r *AlarmRepository) List(ctx context.Context, f AlarmFilter) ([]models.Alarm, error) {
	q := r.db.WithContext(ctx).Order("opened_at DESC")
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Alarm
	return out, q.Find(&out).Error
}
