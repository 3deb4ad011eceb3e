package services

import (
	"context"
	"testing"
	"time"

	"coffee-fleet/backend/app/keylock"
	"coffee-fleet/backend/app/models"
	"coffee-fleet/backend/app/repo"
	"coffee-fleet/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	d, already, err := e.devices.Register(ctx, protocol.RegisterRequest{DeviceID: "D001", Model: "CM-200"})
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, "CM-200", d.Model)

	_, already, err = e.devices.Register(ctx, protocol.RegisterRequest{DeviceID: "D001", Model: "other"})
	require.NoError(t, err)
	assert.True(t, already)

	st, err := e.devices.State(ctx, "D001", e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StateUnknown, st)

	_, _, err = e.devices.Register(ctx, protocol.RegisterRequest{DeviceID: " "})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStateOfUnregisteredDevice(t *testing.T) {
	e := newEnv(t)
	st, err := e.devices.State(context.Background(), "ghost", e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StateUnregistered, st)
}

func TestHeartbeatFromUnknownDeviceRejected(t *testing.T) {
	e := newEnv(t)
	_, err := e.devices.RecordHeartbeat(context.Background(), "ghost", protocol.StatusReport{Timestamp: t0})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestHeartbeatAutoProvision(t *testing.T) {
	e := newEnv(t, func(c *envConfig) { c.autoProvision = true })
	st, err := e.devices.RecordHeartbeat(context.Background(), "D900", protocol.StatusReport{Timestamp: t0, Firmware: "2.1"})
	require.NoError(t, err)
	assert.Equal(t, models.StateOnline, st)

	d, err := e.devices.Get(context.Background(), "D900")
	require.NoError(t, err)
	assert.Equal(t, "2.1", d.Firmware)
	assert.True(t, d.Active)
}

func TestOutOfOrderHeartbeatKeepsNewestTimestamp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "D001")

	e.clock.Advance(200 * time.Second)
	e.heartbeat(t, "D001", t0.Add(100*time.Second))

	temp := 92.5
	_, err := e.devices.RecordHeartbeat(ctx, "D001", protocol.StatusReport{
		Timestamp:   t0.Add(50 * time.Second),
		Firmware:    "1.1.0",
		Temperature: &temp,
		Extra:       map[string]any{"boiler": "ok"},
	})
	require.NoError(t, err)

	d, err := e.devices.Get(ctx, "D001")
	require.NoError(t, err)
	require.NotNil(t, d.LastHeartbeatAt)
	assert.True(t, d.LastHeartbeatAt.Equal(t0.Add(100*time.Second)))
	assert.Equal(t, "1.1.0", d.Firmware)
	require.NotNil(t, d.Temperature)
	assert.Equal(t, 92.5, *d.Temperature)
	assert.Equal(t, "ok", d.Extra["boiler"])

	// the replayed old heartbeat must not make the device look fresher
	e.clock.Set(t0.Add(701 * time.Second))
	st, err := e.devices.State(ctx, "D001", e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StateOffline, st)
}

func TestFutureHeartbeatClampedToNow(t *testing.T) {
	e := newEnv(t)
	e.register(t, "D001")
	e.heartbeat(t, "D001", t0.Add(time.Hour))

	d, err := e.devices.Get(context.Background(), "D001")
	require.NoError(t, err)
	assert.True(t, d.LastHeartbeatAt.Equal(t0))
}

func TestOfflineScenarioD001(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "D001")

	assert.Equal(t, models.StateOnline, e.heartbeat(t, "D001", t0))

	e.clock.Advance(601 * time.Second)
	st, err := e.devices.State(ctx, "D001", e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StateOffline, st)

	sweeper := NewLivenessSweeper(e.devices, e.clock, time.Minute, 600*time.Second)
	assert.Equal(t, 1, sweeper.RunOnce(ctx))
	assert.Equal(t, 0, sweeper.RunOnce(ctx), "sweep is idempotent")

	open := e.openAlarms(t, "D001", models.AlarmOffline)
	require.Len(t, open, 1)
	assert.Equal(t, models.SeverityCritical, open[0].Severity)

	// back online clears the alarm and announces the transition once
	e.heartbeat(t, "D001", e.clock.Now())
	assert.Empty(t, e.openAlarms(t, "D001", models.AlarmOffline))

	var seq []models.DeviceState
	for _, ev := range e.rec.stateEvents() {
		seq = append(seq, ev.next)
	}
	assert.Equal(t, []models.DeviceState{models.StateOnline, models.StateOffline, models.StateOnline}, seq)
}

func TestSweepSkipsFreshAndInactiveDevices(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "D001", "D002", "D003")
	e.heartbeat(t, "D001", t0)
	e.heartbeat(t, "D002", t0)

	e.clock.Advance(400 * time.Second)
	e.heartbeat(t, "D002", e.clock.Now())
	require.NoError(t, e.devices.Deactivate(ctx, "D001"))

	e.clock.Advance(300 * time.Second)
	n, err := e.devices.SweepLiveness(ctx, e.clock.Now(), 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "D001 inactive, D002 fresh, D003 never heartbeat")

	assert.ErrorIs(t, e.devices.Deactivate(ctx, "nope"), ErrDeviceNotFound)
}

func TestListDerivesState(t *testing.T) {
	e := newEnv(t)
	e.register(t, "D001", "D002")
	e.heartbeat(t, "D001", t0)

	list, err := e.devices.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.StateOnline, list[0].State)
	assert.Equal(t, models.StateUnknown, list[1].State)
}

// heartbeatOnOffline sends a heartbeat for the device as soon as it hears the
// offline announcement, and reports whether that heartbeat finished before
// the announcement reached the listeners after it.
type heartbeatOnOffline struct {
	devices *DeviceService
	at      time.Time
	done    chan struct{}
	landed  bool
}

func (h *heartbeatOnOffline) OnDeviceStateChange(ctx context.Context, d *models.Device, _, next models.DeviceState) error {
	if next != models.StateOffline {
		return nil
	}
	go func() {
		defer close(h.done)
		_, _ = h.devices.RecordHeartbeat(context.Background(), d.DeviceID, protocol.StatusReport{Timestamp: h.at})
	}()
	select {
	case <-h.done:
		h.landed = true
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

func TestHeartbeatDuringSweepLeavesNoStaleOfflineAlarm(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "D001")
	e.heartbeat(t, "D001", t0)

	e.clock.Advance(601 * time.Second)
	devices := NewDeviceService(e.db, repo.NewDeviceRepository(e.db), keylock.NewLocal(), e.clock, DeviceOptions{OfflineThreshold: 600 * time.Second})
	racer := &heartbeatOnOffline{devices: devices, at: e.clock.Now(), done: make(chan struct{})}
	devices.AddListener(racer)
	devices.AddListener(e.alarms)

	n, err := devices.SweepLiveness(ctx, e.clock.Now(), 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	<-racer.done
	assert.False(t, racer.landed, "heartbeat must wait for the offline announcement")

	st, err := devices.State(ctx, "D001", e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StateOnline, st)
	assert.Empty(t, e.openAlarms(t, "D001", models.AlarmOffline))

	d, err := devices.Get(ctx, "D001")
	require.NoError(t, err)
	assert.Equal(t, models.StateOnline, d.AnnouncedState)
}
