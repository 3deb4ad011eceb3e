package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"coffee-fleet/backend/app/keylock"
	"coffee-fleet/backend/app/models"
	"coffee-fleet/backend/app/repo"
	"coffee-fleet/backend/global"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"gorm.io/gorm"
)

// LevelListener is told when a bin's percentage was written.
type LevelListener interface {
	OnMaterialLevelChanged(ctx context.Context, deviceID string, binIndex int, pct float64) error
}

type MaterialService struct {
	db            *gorm.DB
	bins          *repo.MaterialRepository
	devices       *repo.DeviceRepository
	locks         keylock.Locker
	clock         clock.Clock
	defaultLowPct float64
	listener      LevelListener
}

func NewMaterialService(db *gorm.DB, bins *repo.MaterialRepository, devices *repo.DeviceRepository, locks keylock.Locker, clk clock.Clock, defaultLowPct float64, listener LevelListener) *MaterialService {
	if defaultLowPct <= 0 {
		defaultLowPct = 20
	}
	return &MaterialService{db: db, bins: bins, devices: devices, locks: locks, clock: clk, defaultLowPct: defaultLowPct, listener: listener}
}

func binLockKey(deviceID string) string { return "bins:" + deviceID }

// ReportMaterials applies a device's bin snapshot. A reading older than the
// bin's last applied one is skipped.
func (s *MaterialService) ReportMaterials(ctx context.Context, deviceID string, report protocol.MaterialReport) (protocol.MaterialResponse, error) {
	var resp protocol.MaterialResponse
	for _, l := range report.Bins {
		if l.BinIndex < 0 || l.Capacity < 0 {
			return resp, fmt.Errorf("%w: bin %d has invalid index or capacity", ErrInvalidArgument, l.BinIndex)
		}
	}
	if _, err := s.devices.FindByDeviceID(ctx, deviceID); errors.Is(err, gorm.ErrRecordNotFound) {
		return resp, ErrDeviceNotFound
	} else if err != nil {
		return resp, err
	}

	now := s.clock.Now()
	ts := report.Timestamp.UTC()
	if ts.IsZero() || ts.After(now) {
		ts = now
	}

	unlock, err := s.locks.Lock(ctx, binLockKey(deviceID))
	if err != nil {
		return resp, err
	}
	var changed []models.DeviceBin
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bins := s.bins.WithTx(tx)
		existing, err := bins.ListByDeviceForUpdate(ctx, deviceID)
		if err != nil {
			return err
		}
		byIndex := make(map[int]models.DeviceBin, len(existing))
		for _, b := range existing {
			byIndex[b.BinIndex] = b
		}
		for _, l := range report.Bins {
			b, ok := byIndex[l.BinIndex]
			if !ok {
				b = models.DeviceBin{DeviceID: deviceID, BinIndex: l.BinIndex, ThresholdLowPct: s.defaultLowPct}
			}
			if b.LastSyncAt != nil && ts.Before(*b.LastSyncAt) {
				resp.Stale++
				continue
			}
			b.MaterialCode = l.MaterialCode
			b.Remaining = l.Remaining
			b.Capacity = l.Capacity
			if l.Unit != "" {
				b.Unit = l.Unit
			}
			if l.ThresholdLowPct != nil {
				b.ThresholdLowPct = *l.ThresholdLowPct
			}
			b.Recompute()
			synced := ts
			b.LastSyncAt = &synced
			if err := bins.Save(ctx, &b); err != nil {
				return fmt.Errorf("save bin %d: %w", l.BinIndex, err)
			}
			changed = append(changed, b)
		}
		return nil
	})
	unlock()
	if err != nil {
		return resp, err
	}
	resp.Applied = len(changed)
	recordStaleMaterial(ctx, resp.Stale)
	s.notifyLevels(ctx, deviceID, changed)
	return resp, nil
}

// applyConsumption subtracts per-material usage from the device's bins
// inside tx. Usage spills over bins sharing a material code in index order.
func (s *MaterialService) applyConsumption(ctx context.Context, tx *gorm.DB, deviceID string, usage map[string]float64) ([]models.DeviceBin, error) {
	if len(usage) == 0 {
		return nil, nil
	}
	bins := s.bins.WithTx(tx)
	all, err := bins.ListByDeviceForUpdate(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(usage))
	for code := range usage {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	touched := map[int]bool{}
	for _, code := range codes {
		need := usage[code]
		var last = -1
		for i := range all {
			if all[i].MaterialCode != code || need <= 0 {
				continue
			}
			last = i
			take := need
			if take > all[i].Remaining {
				take = all[i].Remaining
			}
			all[i].Remaining -= take
			need -= take
			touched[i] = true
		}
		if last < 0 {
			global.Logger.Warn().Str("device", deviceID).Str("material", code).Msg("no bin for consumed material")
			continue
		}
		if need > 0 {
			global.Logger.Warn().Str("device", deviceID).Str("material", code).Float64("short", need).Msg("consumption exceeds known stock")
		}
	}

	out := make([]models.DeviceBin, 0, len(touched))
	for i := range all {
		if !touched[i] {
			continue
		}
		all[i].Recompute()
		if err := bins.Save(ctx, &all[i]); err != nil {
			return nil, fmt.Errorf("save bin %d: %w", all[i].BinIndex, err)
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MaterialService) notifyLevels(ctx context.Context, deviceID string, bins []models.DeviceBin) {
	if s.listener == nil {
		return
	}
	for _, b := range bins {
		if err := s.listener.OnMaterialLevelChanged(ctx, deviceID, b.BinIndex, b.Percentage); err != nil {
			global.Logger.Error().Err(err).Str("device", deviceID).Int("bin", b.BinIndex).Msg("material level listener failed")
		}
	}
}

func (s *MaterialService) ListBins(ctx context.Context, deviceID string) ([]models.DeviceBin, error) {
	return s.bins.ListByDevice(ctx, deviceID)
}
