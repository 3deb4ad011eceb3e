package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"coffee-fleet/backend/app/keylock"
	"coffee-fleet/backend/app/models"
	"coffee-fleet/backend/app/repo"
	"coffee-fleet/backend/global"
	"coffee-fleet/clock"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AlarmNotifier receives alarm transitions, typically the event publisher.
type AlarmNotifier interface {
	AlarmOpened(ctx context.Context, a *models.Alarm) error
	AlarmCleared(ctx context.Context, a *models.Alarm) error
}

type AlarmOptions struct {
	HysteresisPct float64
	// CriticalPct escalates a low_material alarm when any bin is at or below it.
	CriticalPct float64
}

type AlarmService struct {
	alarms   *repo.AlarmRepository
	bins     *repo.MaterialRepository
	locks    keylock.Locker
	clock    clock.Clock
	opts     AlarmOptions
	notifier AlarmNotifier
}

func NewAlarmService(alarms *repo.AlarmRepository, bins *repo.MaterialRepository, locks keylock.Locker, clk clock.Clock, opts AlarmOptions, notifier AlarmNotifier) *AlarmService {
	if opts.CriticalPct <= 0 {
		opts.CriticalPct = 10
	}
	return &AlarmService{alarms: alarms, bins: bins, locks: locks, clock: clk, opts: opts, notifier: notifier}
}

func alarmLockKey(deviceID string) string { return "alarm:" + deviceID }

// OnDeviceStateChange opens the offline alarm when a device goes offline and
// clears it when the device is back online.
func (s *AlarmService) OnDeviceStateChange(ctx context.Context, d *models.Device, _, next models.DeviceState) error {
	recordStateChange(ctx, string(next))
	unlock, err := s.locks.Lock(ctx, alarmLockKey(d.DeviceID))
	if err != nil {
		return err
	}
	defer unlock()

	switch next {
	case models.StateOffline:
		info := map[string]any{}
		if d.LastHeartbeatAt != nil {
			info["last_heartbeat_at"] = d.LastHeartbeatAt.UTC()
		}
		_, err := s.open(ctx, &models.Alarm{
			DeviceID:    d.DeviceID,
			Category:    models.AlarmOffline,
			Severity:    models.SeverityCritical,
			Title:       "Device offline",
			Description: fmt.Sprintf("%s stopped sending heartbeats", d.DeviceID),
			Context:     mustJSON(info),
		})
		return err
	case models.StateOnline:
		return s.clear(ctx, d.DeviceID, models.AlarmOffline)
	}
	return nil
}

// nextLatch applies the hysteresis band: latch below threshold, release
// only above threshold+margin.
func nextLatch(latched bool, pct, threshold, margin float64) bool {
	if pct < threshold {
		return true
	}
	if pct > threshold+margin {
		return false
	}
	return latched
}

type lowBin struct {
	BinIndex     int     `json:"bin_index"`
	MaterialCode string  `json:"material_code"`
	Percentage   float64 `json:"percentage"`
	Threshold    float64 `json:"threshold_low_pct"`
}

// OnMaterialLevelChanged re-evaluates the bin's low latch and the device's
// low_material alarm. The alarm is open while any bin of the device is
// latched low.
func (s *AlarmService) OnMaterialLevelChanged(ctx context.Context, deviceID string, binIndex int, pct float64) error {
	unlock, err := s.locks.Lock(ctx, alarmLockKey(deviceID))
	if err != nil {
		return err
	}
	defer unlock()

	bin, err := s.bins.Get(ctx, deviceID, binIndex)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	latched := nextLatch(bin.LowLatched, pct, bin.ThresholdLowPct, s.opts.HysteresisPct)
	if latched != bin.LowLatched {
		if err := s.bins.SetLatched(ctx, bin.ID, latched); err != nil {
			return fmt.Errorf("set low latch: %w", err)
		}
	}

	all, err := s.bins.ListByDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	var low []lowBin
	severity := models.SeverityWarn
	for _, b := range all {
		if !b.LowLatched {
			continue
		}
		low = append(low, lowBin{BinIndex: b.BinIndex, MaterialCode: b.MaterialCode, Percentage: b.Percentage, Threshold: b.ThresholdLowPct})
		if b.Percentage <= s.opts.CriticalPct {
			severity = models.SeverityCritical
		}
	}
	if len(low) == 0 {
		return s.clear(ctx, deviceID, models.AlarmLowMaterial)
	}

	info := mustJSON(map[string]any{"bins": low})
	existing, err := s.alarms.FindOpen(ctx, deviceID, models.AlarmLowMaterial)
	if err == nil {
		return s.alarms.UpdateContext(ctx, existing.ID, map[string]any{"context": info, "severity": severity})
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	_, err = s.open(ctx, &models.Alarm{
		DeviceID:    deviceID,
		Category:    models.AlarmLowMaterial,
		Severity:    severity,
		Title:       "Low material",
		Description: fmt.Sprintf("%d bin(s) below threshold", len(low)),
		Context:     info,
	})
	return err
}

// open is a no-op when an alarm of the same category is already open.
func (s *AlarmService) open(ctx context.Context, a *models.Alarm) (bool, error) {
	if _, err := s.alarms.FindOpen(ctx, a.DeviceID, a.Category); err == nil {
		return false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	a.OpenedAt = s.clock.Now()
	created, err := s.alarms.Open(ctx, a)
	if err != nil {
		return false, fmt.Errorf("open %s alarm: %w", a.Category, err)
	}
	if !created {
		return false, nil
	}
	recordAlarm(ctx, string(a.Category), "open")
	global.Logger.Warn().Str("device", a.DeviceID).Str("category", string(a.Category)).Str("severity", a.Severity).Msg("alarm opened")
	if s.notifier != nil {
		if err := s.notifier.AlarmOpened(ctx, a); err != nil {
			global.Logger.Error().Err(err).Uint("alarm", a.ID).Msg("publish alarm opened")
		}
	}
	return true, nil
}

func (s *AlarmService) clear(ctx context.Context, deviceID string, category models.AlarmCategory) error {
	a, err := s.alarms.Clear(ctx, deviceID, category, s.clock.Now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("clear %s alarm: %w", category, err)
	}
	recordAlarm(ctx, string(category), "clear")
	global.Logger.Info().Str("device", deviceID).Str("category", string(category)).Msg("alarm cleared")
	if s.notifier != nil {
		if err := s.notifier.AlarmCleared(ctx, a); err != nil {
			global.Logger.Error().Err(err).Uint("alarm", a.ID).Msg("publish alarm cleared")
		}
	}
	return nil
}

func (s *AlarmService) List(ctx context.Context, f repo.AlarmFilter) ([]models.Alarm, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 500
	}
	return s.alarms.List(ctx, f)
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
