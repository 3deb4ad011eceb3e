package command

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coffee-fleet/agent/internal/db"
	"coffee-fleet/agent/internal/hal"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T) (*Executor, *hal.Simulator) {
	t.Helper()
	gdb, err := db.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	sim := hal.NewSimulator("1.0.0", hal.DefaultBins()...)
	sim.DisableHostMetrics()
	return NewExecutor(gdb, sim, clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))), sim
}

func TestExecuteOncePerCommandID(t *testing.T) {
	e, sim := newExecutor(t)
	cmd := protocol.PendingCommand{ID: "c-1", Type: protocol.CommandMakeProduct, Payload: json.RawMessage(`{"product_id":"espresso","qty":1,"materials":[{"material_code":"beans","amount":9}]}`)}

	first, dup, err := e.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.True(t, first.Success)

	second, dup, err := e.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.Success, second.Success)
	assert.JSONEq(t, string(first.Detail), string(second.Detail))

	assert.Equal(t, []string{protocol.CommandMakeProduct}, sim.Executed())
	bins, _ := sim.Bins(context.Background())
	assert.Equal(t, 1991.0, bins[0].Remaining)
}

func TestConcurrentRedeliveryRunsOnce(t *testing.T) {
	e, sim := newExecutor(t)
	cmd := protocol.PendingCommand{ID: "c-2", Type: protocol.CommandRestart}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := e.Execute(context.Background(), cmd)
			if assert.NoError(t, err) {
				assert.True(t, res.Success)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, sim.Executed(), 1)
	var n int64
	require.NoError(t, e.db.Model(&db.ExecutedCommand{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestInvalidAndUnknownCommandsAreRecordedFailures(t *testing.T) {
	e, sim := newExecutor(t)

	res, _, err := e.Execute(context.Background(), protocol.PendingCommand{ID: "c-3", Type: "brew_tea"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unsupported")

	res, _, err = e.Execute(context.Background(), protocol.PendingCommand{ID: "c-4", Type: protocol.CommandUpgrade, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid payload")

	assert.Empty(t, sim.Executed())
}

func TestHardwareFaultIsNotRecorded(t *testing.T) {
	e, sim := newExecutor(t)
	cmd := protocol.PendingCommand{ID: "c-5", Type: protocol.CommandOpenDoor}
	sim.FailNext(1)

	_, _, err := e.Execute(context.Background(), cmd)
	assert.ErrorIs(t, err, hal.ErrHardwareFault)

	res, dup, err := e.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.True(t, res.Success)
}

func TestFailedCommandRerunsOnLaterAttempt(t *testing.T) {
	e, sim := newExecutor(t)
	ctx := context.Background()
	drain := protocol.PendingCommand{ID: "c-6", Type: protocol.CommandMakeProduct, Attempt: 1,
		Payload: json.RawMessage(`{"product_id":"bulk","qty":1,"materials":[{"material_code":"beans","amount":1995}]}`)}
	_, _, err := e.Execute(ctx, drain)
	require.NoError(t, err)

	cmd := protocol.PendingCommand{ID: "c-7", Type: protocol.CommandMakeProduct, Attempt: 1,
		Payload: json.RawMessage(`{"product_id":"espresso","qty":1,"materials":[{"material_code":"beans","amount":9}]}`)}
	res, dup, err := e.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "insufficient beans")

	_, dup, err = e.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, dup)

	sim.Refill(0)
	cmd.Attempt = 2
	res, dup, err = e.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempt)

	cmd.Attempt = 3
	res, dup, err = e.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.True(t, res.Success)
	assert.Len(t, sim.Executed(), 3)
}
