package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coffee-fleet/backend/app/keylock"
	"coffee-fleet/backend/app/models"
	"coffee-fleet/backend/app/repo"
	"coffee-fleet/backend/global"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StateListener is told about every announced device state transition.
type StateListener interface {
	OnDeviceStateChange(ctx context.Context, d *models.Device, prev, next models.DeviceState) error
}

type DeviceOptions struct {
	OfflineThreshold time.Duration
	// AutoProvision creates unknown devices on their first status report
	// instead of rejecting them.
	AutoProvision bool
	SweepBatch    int
}

type DeviceService struct {
	db        *gorm.DB
	devices   *repo.DeviceRepository
	locks     keylock.Locker
	clock     clock.Clock
	opts      DeviceOptions
	listeners []StateListener
}

func NewDeviceService(db *gorm.DB, devices *repo.DeviceRepository, locks keylock.Locker, clk clock.Clock, opts DeviceOptions) *DeviceService {
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	return &DeviceService{db: db, devices: devices, locks: locks, clock: clk, opts: opts}
}

func (s *DeviceService) AddListener(l StateListener) { s.listeners = append(s.listeners, l) }

func (s *DeviceService) Threshold() time.Duration { return s.opts.OfflineThreshold }

// Register creates the device if it does not exist yet. The second return
// value is true when it already existed.
func (s *DeviceService) Register(ctx context.Context, req protocol.RegisterRequest) (*models.Device, bool, error) {
	id := strings.TrimSpace(req.DeviceID)
	if id == "" {
		return nil, false, fmt.Errorf("%w: device_id is required", ErrInvalidArgument)
	}
	unlock, err := s.locks.Lock(ctx, "device:"+id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	if d, err := s.devices.FindByDeviceID(ctx, id); err == nil {
		return d, true, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	d := &models.Device{
		DeviceID:       id,
		Model:          req.Model,
		Firmware:       req.Firmware,
		IP:             req.IP,
		SSID:           req.SSID,
		AnnouncedState: models.StateUnknown,
		Active:         true,
	}
	created, err := s.devices.Create(ctx, d)
	if err != nil {
		return nil, false, fmt.Errorf("create device: %w", err)
	}
	if !created {
		existing, err := s.devices.FindByDeviceID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	global.Logger.Info().Str("device", id).Str("model", req.Model).Msg("device registered")
	return d, false, nil
}

// RecordHeartbeat applies a status report. Timestamps in the future are
// clamped to now; an older timestamp still merges metadata but never moves
// last_heartbeat_at backward.
func (s *DeviceService) RecordHeartbeat(ctx context.Context, deviceID string, report protocol.StatusReport) (models.DeviceState, error) {
	now := s.clock.Now()
	ts := report.Timestamp.UTC()
	if ts.IsZero() || ts.After(now) {
		ts = now
	}

	unlock, err := s.locks.Lock(ctx, "device:"+deviceID)
	if err != nil {
		return "", err
	}
	defer unlock()

	var (
		dev      *models.Device
		state    models.DeviceState
		prev     models.DeviceState
		announce bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		devices := s.devices.WithTx(tx)
		d, err := devices.FindForUpdate(ctx, deviceID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if !s.opts.AutoProvision {
				return ErrDeviceNotFound
			}
			d = &models.Device{DeviceID: deviceID, AnnouncedState: models.StateUnknown, Active: true}
			if _, err := devices.Create(ctx, d); err != nil {
				return fmt.Errorf("auto-provision device: %w", err)
			}
			if d, err = devices.FindForUpdate(ctx, deviceID); err != nil {
				return err
			}
			global.Logger.Info().Str("device", deviceID).Msg("device auto-provisioned")
		} else if err != nil {
			return err
		}

		fields := mergeMetadata(d, report)
		last := d.LastHeartbeatAt
		if last == nil || ts.After(*last) {
			fields["last_heartbeat_at"] = ts
			last = &ts
		}
		state = models.DeriveState(now, last, s.opts.OfflineThreshold)
		prev = d.AnnouncedState
		if d.Active && state == models.StateOnline && prev != models.StateOnline {
			fields["announced_state"] = models.StateOnline
			announce = true
		}
		if err := devices.Update(ctx, deviceID, fields); err != nil {
			return err
		}
		d.LastHeartbeatAt = last
		dev = d
		return nil
	})
	if err != nil {
		return "", err
	}
	if announce {
		s.notify(ctx, dev, prev, models.StateOnline)
	}
	return state, nil
}

func mergeMetadata(d *models.Device, report protocol.StatusReport) map[string]any {
	fields := map[string]any{}
	if report.Firmware != "" {
		fields["firmware"] = report.Firmware
	}
	if report.IP != "" {
		fields["ip"] = report.IP
	}
	if report.SSID != "" {
		fields["ssid"] = report.SSID
	}
	if report.Temperature != nil {
		fields["temperature"] = *report.Temperature
	}
	if len(report.Extra) > 0 {
		merged := datatypes.JSONMap{}
		for k, v := range d.Extra {
			merged[k] = v
		}
		for k, v := range report.Extra {
			merged[k] = v
		}
		fields["extra"] = merged
	}
	return fields
}

// SweepLiveness announces every active device whose heartbeat is older than
// threshold at now as offline, once per transition. It returns how many
// devices transitioned.
func (s *DeviceService) SweepLiveness(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	cutoff := now.Add(-threshold)
	total := 0
	for {
		stale, err := s.devices.ListStale(ctx, cutoff, s.opts.SweepBatch)
		if err != nil {
			return total, fmt.Errorf("list stale devices: %w", err)
		}
		if len(stale) == 0 {
			return total, nil
		}
		progressed := 0
		for i := range stale {
			changed, err := s.sweepOne(ctx, &stale[i], cutoff)
			if err != nil {
				return total, err
			}
			if changed {
				progressed++
			}
		}
		total += progressed
		if progressed == 0 || len(stale) < s.opts.SweepBatch {
			return total, nil
		}
	}
}

// sweepOne flips one stale device and announces it while holding the device
// lock, so a concurrent heartbeat announces online only after the offline
// announcement is done. Listeners must not call back into RecordHeartbeat
// for the same device.
func (s *DeviceService) sweepOne(ctx context.Context, d *models.Device, cutoff time.Time) (bool, error) {
	unlock, err := s.locks.Lock(ctx, "device:"+d.DeviceID)
	if err != nil {
		return false, err
	}
	defer unlock()

	changed, err := s.devices.MarkOffline(ctx, d.DeviceID, cutoff)
	if err != nil {
		return false, fmt.Errorf("mark %s offline: %w", d.DeviceID, err)
	}
	if !changed {
		return false, nil
	}
	global.Logger.Info().Str("device", d.DeviceID).Time("last_heartbeat", *d.LastHeartbeatAt).Msg("device offline")
	s.notify(ctx, d, d.AnnouncedState, models.StateOffline)
	return true, nil
}

func (s *DeviceService) notify(ctx context.Context, d *models.Device, prev, next models.DeviceState) {
	for _, l := range s.listeners {
		if err := l.OnDeviceStateChange(ctx, d, prev, next); err != nil {
			global.Logger.Error().Err(err).Str("device", d.DeviceID).Str("state", string(next)).Msg("state listener failed")
		}
	}
}

// State derives the device's liveness at now.
func (s *DeviceService) State(ctx context.Context, deviceID string, now time.Time) (models.DeviceState, error) {
	d, err := s.devices.FindByDeviceID(ctx, deviceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.StateUnregistered, nil
	}
	if err != nil {
		return "", err
	}
	return models.DeriveState(now, d.LastHeartbeatAt, s.opts.OfflineThreshold), nil
}

func (s *DeviceService) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	d, err := s.devices.FindByDeviceID(ctx, deviceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

// DeviceView is a device with its derived state.
type DeviceView struct {
	models.Device
	State models.DeviceState `json:"state"`
}

func (s *DeviceService) View(d *models.Device) DeviceView {
	return DeviceView{Device: *d, State: models.DeriveState(s.clock.Now(), d.LastHeartbeatAt, s.opts.OfflineThreshold)}
}

func (s *DeviceService) List(ctx context.Context, activeOnly bool) ([]DeviceView, error) {
	list, err := s.devices.List(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceView, 0, len(list))
	for i := range list {
		out = append(out, s.View(&list[i]))
	}
	return out, nil
}

func (s *DeviceService) Deactivate(ctx context.Context, deviceID string) error {
	ok, err := s.devices.Deactivate(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDeviceNotFound
	}
	global.Logger.Info().Str("device", deviceID).Msg("device deactivated")
	return nil
}
