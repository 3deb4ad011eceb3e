package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"coffee-fleet/agent/internal/client"
	"coffee-fleet/agent/internal/command"
	"coffee-fleet/agent/internal/db"
	"coffee-fleet/agent/internal/hal"
	"coffee-fleet/agent/internal/queue"
	"coffee-fleet/backend/app/models"
	"coffee-fleet/backend/app/services"
	bconfig "coffee-fleet/backend/config"
	"coffee-fleet/backend/initialize"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

// flaky drops connections while down is set, which the agent sees as a
// network failure.
type flaky struct {
	down atomic.Bool
	next http.Handler
}

func (f *flaky) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.down.Load() {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	f.next.ServeHTTP(w, r)
}

type harness struct {
	app     *initialize.App
	net     *flaky
	sim     *hal.Simulator
	agentDB *gorm.DB
	queue   *queue.Queue
	sup     *Supervisor
	orders  *Orders
}

func fastSettings() Settings {
	return Settings{
		Heartbeat:     20 * time.Millisecond,
		Poll:          20 * time.Millisecond,
		Drain:         20 * time.Millisecond,
		Material:      50 * time.Millisecond,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := bconfig.Defaults()
	cfg.DB.Driver = "sqlite"
	cfg.DB.Path = filepath.Join(dir, "backend.db")
	app, err := initialize.BuildWith(context.Background(), cfg, clock.NewFake(t0))
	require.NoError(t, err)
	net := &flaky{next: app.Router}
	srv := httptest.NewServer(net)
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		app.Close(context.Background())
	})

	gdb, err := db.Open(filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	aclk := clock.NewFake(t0)
	sim := hal.NewSimulator("1.0.0", hal.DefaultBins()...)
	sim.DisableHostMetrics()
	q := queue.New(gdb, "D001", queue.Options{
		BaseInterval:    10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxAttempts:     5,
		BacklogInterval: time.Minute,
		UploadTimeout:   2 * time.Second,
	}, aclk)
	api := client.New(srv.URL, "D001", 2*time.Second)
	exec := command.NewExecutor(gdb, sim, aclk)
	sup := NewSupervisor(Identity{DeviceID: "D001", Model: "CM-200", Firmware: "1.0.0"}, api, q, exec, sim, aclk, fastSettings())
	return &harness{
		app:     app,
		net:     net,
		sim:     sim,
		agentDB: gdb,
		queue:   q,
		sup:     sup,
		orders:  NewOrders(sim, q, sup, aclk),
	}
}

func (h *harness) backendOrders(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.app.DB.Model(&models.Order{}).Where("device_id = ?", "D001").Count(&n).Error)
	return n
}

func (h *harness) queued(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.agentDB.Model(&db.QueueEntry{}).Count(&n).Error)
	return n
}

func espresso(qty int) protocol.OrderItem {
	return protocol.OrderItem{
		ProductID: "espresso",
		Name:      "Espresso",
		Qty:       qty,
		UnitPrice: 2.5,
		Materials: []protocol.MaterialUse{{MaterialCode: "beans", Amount: 9}},
	}
}

func TestOfflineOrdersSyncAfterReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.net.down.Store(true)
	require.Error(t, h.sup.HeartbeatOnce(ctx))
	assert.True(t, h.sup.IsOffline())

	report, err := h.orders.Place(ctx, PlaceRequest{Items: []protocol.OrderItem{espresso(2)}, PaymentMethod: "cash"})
	require.NoError(t, err)
	assert.Equal(t, 5.0, report.TotalPrice)
	assert.NotEmpty(t, report.LocalRef)

	_, err = h.orders.Place(ctx, PlaceRequest{Items: []protocol.OrderItem{espresso(1)}, PaymentMethod: "qr"})
	assert.ErrorIs(t, err, ErrPaymentOffline)

	st, err := h.sup.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Sent)
	assert.Equal(t, int64(2), h.queued(t))

	h.net.down.Store(false)
	require.NoError(t, h.sup.HeartbeatOnce(ctx))
	assert.False(t, h.sup.IsOffline())

	st, err = h.sup.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Sent)
	assert.Zero(t, h.queued(t))
	assert.Equal(t, int64(1), h.backendOrders(t))

	devState, err := h.app.Devices.State(ctx, "D001", t0)
	require.NoError(t, err)
	assert.Equal(t, models.StateOnline, devState)

	_, err = h.orders.Place(ctx, PlaceRequest{Items: []protocol.OrderItem{espresso(1)}, PaymentMethod: "wallet"})
	require.NoError(t, err)
}

func TestPolledCommandRunsOnceAndCompletesBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sup.HeartbeatOnce(ctx))

	batch, err := h.app.Commands.DispatchBatch(ctx, services.DispatchRequest{
		Type:      protocol.CommandMakeProduct,
		Payload:   json.RawMessage(`{"product_id":"espresso","qty":1,"materials":[{"material_code":"beans","amount":9}]}`),
		DeviceIDs: []string{"D001"},
	})
	require.NoError(t, err)

	n, err := h.sup.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := h.sup.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sent)

	view, err := h.app.Commands.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, view.State)
	assert.Equal(t, 1, view.Stats.Acked)
	assert.Equal(t, []string{protocol.CommandMakeProduct}, h.sim.Executed())

	n, err = h.sup.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainDetectsOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sup.HeartbeatOnce(ctx))

	h.net.down.Store(true)
	require.NoError(t, h.sup.MaterialOnce(ctx))
	st, err := h.sup.DrainOnce(ctx)
	require.NoError(t, err)
	assert.True(t, st.Offline)
	assert.True(t, h.sup.IsOffline())

	var entry db.QueueEntry
	require.NoError(t, h.agentDB.First(&entry).Error)
	assert.Zero(t, entry.Attempts)

	h.net.down.Store(false)
	require.NoError(t, h.sup.HeartbeatOnce(ctx))
	st, err = h.sup.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sent)

	bins, err := h.app.Materials.ListBins(ctx, "D001")
	require.NoError(t, err)
	assert.Len(t, bins, len(hal.DefaultBins()))
}

func TestRunConvergesAfterOutage(t *testing.T) {
	h := newHarness(t)
	h.net.down.Store(true)

	_, err := h.orders.Place(context.Background(), PlaceRequest{Items: []protocol.OrderItem{espresso(1)}, PaymentMethod: "card"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.sup.IsOffline())
	h.net.down.Store(false)

	require.Eventually(t, func() bool { return h.backendOrders(t) == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		bins, err := h.app.Materials.ListBins(context.Background(), "D001")
		return err == nil && len(bins) == len(hal.DefaultBins())
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSettingsReloadSwapsIntervals(t *testing.T) {
	h := newHarness(t)
	next := fastSettings()
	next.Poll = time.Second
	next.ReconnectBase = 5 * time.Millisecond
	h.sup.SetSettings(next)
	assert.Equal(t, time.Second, h.sup.current().Poll)
	assert.LessOrEqual(t, h.sup.nextReconnect(), 50*time.Millisecond)
}
