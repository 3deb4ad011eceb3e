package repo

import (
	"context"
	"time"

	"coffee-fleet/backend/app/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CommandRepository struct{ db *gorm.DB }

func NewCommandRepository(db *gorm.DB) *CommandRepository { return &CommandRepository{db: db} }

func (r *CommandRepository) WithTx(tx *gorm.DB) *CommandRepository { return &CommandRepository{db: tx} }

func (r *CommandRepository) CreateBatch(ctx context.Context, b *models.CommandBatch, cmds []models.RemoteCommand) error {
	if err := r.db.WithContext(ctx).Omit("Commands").Create(b).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).CreateInBatches(cmds, 200).Error
}

// QueuedForUpdate returns queued commands for a device in creation order,
// row-locked where the dialect supports it.
func (r *CommandRepository) QueuedForUpdate(ctx context.Context, deviceID string, limit int) ([]models.RemoteCommand, error) {
	var out []models.RemoteCommand
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("device_id = ? AND status = ?", deviceID, models.CommandQueued).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Transition updates a command only if it still has status from. It
// reports whether the row changed.
func (r *CommandRepository) Transition(ctx context.Context, id string, from models.CommandStatus, fields map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.RemoteCommand{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	return res.RowsAffected > 0, res.Error
}

func (r *CommandRepository) Get(ctx context.Context, id string) (*models.RemoteCommand, error) {
	var c models.RemoteCommand
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CommandRepository) GetForUpdate(ctx context.Context, id string) (*models.RemoteCommand, error) {
	var c models.RemoteCommand
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ExpiredDevices lists devices owning in-flight commands whose last attempt
// is older than cutoff.
func (r *CommandRepository) ExpiredDevices(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.RemoteCommand{}).
		Where("status IN ? AND last_attempt_at < ?", []models.CommandStatus{models.CommandQueued, models.CommandSent}, cutoff).
		Distinct().
		Pluck("device_id", &ids).Error
	return ids, err
}

func (r *CommandRepository) ExpiredForDevice(ctx context.Context, deviceID string, cutoff time.Time) ([]models.RemoteCommand, error) {
	var out []models.RemoteCommand
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("device_id = ? AND status IN ? AND last_attempt_at < ?", deviceID, []models.CommandStatus{models.CommandQueued, models.CommandSent}, cutoff).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *CommandRepository) GetBatch(ctx context.Context, id string) (*models.CommandBatch, error) {
	var b models.CommandBatch
	err := r.db.WithContext(ctx).
		Preload("Commands", func(db *gorm.DB) *gorm.DB { return db.Order("device_id ASC") }).
		Where("id = ?", id).
		First(&b).Error
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *CommandRepository) BatchExists(ctx context.Context, id string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.CommandBatch{}).Where("id = ?", id).Count(&n).Error
	return n > 0, err
}

func (r *CommandRepository) ListBatches(ctx context.Context, limit, offset int) ([]models.CommandBatch, error) {
	var out []models.CommandBatch
	err := r.db.WithContext(ctx).
		Preload("Commands").
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&out).Error
	return out, err
}

// RetryableInBatch returns failed members still under the retry limit.
func (r *CommandRepository) RetryableInBatch(ctx context.Context, batchID string, maxRetries int) ([]models.RemoteCommand, error) {
	var out []models.RemoteCommand
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("batch_id = ? AND status = ? AND retry_count < ?", batchID, models.CommandFailed, maxRetries).
		Find(&out).Error
	return out, err
}

// ListByDevice returns a device's commands newest first; includeDone adds
// acked and failed ones.
func (r *CommandRepository) ListByDevice(ctx context.Context, deviceID string, includeDone bool) ([]models.RemoteCommand, error) {
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if !includeDone {
		q = q.Where("status IN ?", []models.CommandStatus{models.CommandQueued, models.CommandSent})
	}
	var out []models.RemoteCommand
	return out, q.Order("created_at DESC").Find(&out).Error
}
