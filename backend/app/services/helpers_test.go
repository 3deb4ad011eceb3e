package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	appdb "coffee-fleet/backend/app/db"
	"coffee-fleet/backend/app/keylock"
	"coffee-fleet/backend/app/models"
	"coffee-fleet/backend/app/repo"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type stateEvent struct {
	device string
	prev   models.DeviceState
	next   models.DeviceState
}

type recorder struct {
	mu      sync.Mutex
	states  []stateEvent
	opened  []models.Alarm
	cleared []models.Alarm
}

func (r *recorder) OnDeviceStateChange(_ context.Context, d *models.Device, prev, next models.DeviceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, stateEvent{device: d.DeviceID, prev: prev, next: next})
	return nil
}

func (r *recorder) AlarmOpened(_ context.Context, a *models.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, *a)
	return nil
}

func (r *recorder) AlarmCleared(_ context.Context, a *models.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, *a)
	return nil
}

func (r *recorder) stateEvents() []stateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stateEvent(nil), r.states...)
}

type envConfig struct {
	autoProvision bool
	dispatch      DispatchOptions
	threshold     time.Duration
	hysteresis    float64
}

type env struct {
	db        *gorm.DB
	clock     *clock.Fake
	rec       *recorder
	devices   *DeviceService
	commands  *CommandService
	materials *MaterialService
	orders    *OrderService
	alarms    *AlarmService
	alarmRepo *repo.AlarmRepository
}

func newEnv(t *testing.T, opts ...func(*envConfig)) *env {
	t.Helper()
	cfg := envConfig{
		threshold:  600 * time.Second,
		hysteresis: 5,
		dispatch: DispatchOptions{
			MaxAttempts:     3,
			MaxRetries:      2,
			DeliveryTimeout: 300 * time.Second,
			Workers:         4,
		},
	}
	for _, o := range opts {
		o(&cfg)
	}

	gdb, err := appdb.OpenSQLite(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(models.All()...))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	clk := clock.NewFake(t0)
	locks := keylock.NewLocal()
	rec := &recorder{}

	deviceRepo := repo.NewDeviceRepository(gdb)
	binRepo := repo.NewMaterialRepository(gdb)
	alarmRepo := repo.NewAlarmRepository(gdb)

	alarms := NewAlarmService(alarmRepo, binRepo, locks, clk, AlarmOptions{HysteresisPct: cfg.hysteresis}, rec)
	devices := NewDeviceService(gdb, deviceRepo, locks, clk, DeviceOptions{OfflineThreshold: cfg.threshold, AutoProvision: cfg.autoProvision})
	devices.AddListener(alarms)
	devices.AddListener(rec)
	materials := NewMaterialService(gdb, binRepo, deviceRepo, locks, clk, 20, alarms)

	return &env{
		db:        gdb,
		clock:     clk,
		rec:       rec,
		devices:   devices,
		commands:  NewCommandService(gdb, repo.NewCommandRepository(gdb), deviceRepo, locks, clk, cfg.dispatch),
		materials: materials,
		orders:    NewOrderService(gdb, repo.NewOrderRepository(gdb), deviceRepo, materials, locks, clk),
		alarms:    alarms,
		alarmRepo: alarmRepo,
	}
}

func (e *env) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, _, err := e.devices.Register(context.Background(), protocol.RegisterRequest{DeviceID: id, Model: "CM-200", Firmware: "1.0.0"})
		require.NoError(t, err)
	}
}

func (e *env) heartbeat(t *testing.T, id string, at time.Time) models.DeviceState {
	t.Helper()
	st, err := e.devices.RecordHeartbeat(context.Background(), id, protocol.StatusReport{Timestamp: at})
	require.NoError(t, err)
	return st
}

func (e *env) openAlarms(t *testing.T, id string, category models.AlarmCategory) []models.Alarm {
	t.Helper()
	list, err := e.alarmRepo.List(context.Background(), repo.AlarmFilter{DeviceID: id, Status: models.AlarmOpen, Category: string(category)})
	require.NoError(t, err)
	return list
}

func (e *env) command(t *testing.T, id string) *models.RemoteCommand {
	t.Helper()
	c, err := e.commands.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}
