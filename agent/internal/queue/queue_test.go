package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coffee-fleet/agent/internal/client"
	"coffee-fleet/agent/internal/db"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type upload struct {
	Kind    string
	Payload json.RawMessage
}

type recorder struct {
	mu    sync.Mutex
	calls []upload
	fail  func(kind string) error
}

func (r *recorder) Upload(ctx context.Context, kind string, payload json.RawMessage) error {
	r.mu.Lock()
	r.calls = append(r.calls, upload{Kind: kind, Payload: payload})
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return fail(kind)
	}
	return nil
}

func (r *recorder) Calls() []upload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]upload(nil), r.calls...)
}

func testOptions() Options {
	return Options{
		BaseInterval:    2 * time.Second,
		MaxInterval:     5 * time.Minute,
		MaxAttempts:     3,
		BacklogInterval: 30 * time.Minute,
		UploadTimeout:   time.Second,
	}
}

func openQueue(t *testing.T, path string, clk clock.Clock) (*Queue, *gorm.DB) {
	t.Helper()
	gdb, err := db.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	return New(gdb, "D001", testOptions(), clk), gdb
}

func order(ref string) protocol.OrderReport {
	return protocol.OrderReport{
		LocalRef:      ref,
		Items:         []protocol.OrderItem{{ProductID: "espresso", Name: "Espresso", Qty: 1, UnitPrice: 2}},
		TotalPrice:    2,
		PaymentMethod: protocol.PaymentCash,
		PaymentStatus: "paid",
		CreatedAt:     t0,
	}
}

func entries(t *testing.T, gdb *gorm.DB) []db.QueueEntry {
	t.Helper()
	var out []db.QueueEntry
	require.NoError(t, gdb.Order("id").Find(&out).Error)
	return out
}

func TestEntriesSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	clk := clock.NewFake(t0)

	gdb, err := db.Open(path)
	require.NoError(t, err)
	q := New(gdb, "D001", testOptions(), clk)
	created, err := q.EnqueueOrder(context.Background(), order("L-1"))
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, db.Close(gdb))

	q2, _ := openQueue(t, path, clk)
	rec := &recorder{}
	st, err := q2.Drain(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sent)
	require.Len(t, rec.Calls(), 1)
	assert.Equal(t, string(KindOrder), rec.Calls()[0].Kind)

	var got protocol.OrderReport
	require.NoError(t, json.Unmarshal(rec.Calls()[0].Payload, &got))
	assert.Equal(t, "L-1", got.LocalRef)
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	q, gdb := openQueue(t, filepath.Join(t.TempDir(), "agent.db"), clock.NewFake(t0))
	ctx := context.Background()

	created, err := q.EnqueueOrder(ctx, order("L-1"))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = q.EnqueueOrder(ctx, order("L-1"))
	require.NoError(t, err)
	assert.False(t, created)

	res := protocol.CommandResult{CommandID: "c-1", Success: true, ExecutedAt: t0}
	_, err = q.EnqueueResult(ctx, res)
	require.NoError(t, err)
	created, err = q.EnqueueResult(ctx, res)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Len(t, entries(t, gdb), 2)
	assert.Equal(t, q.Key(KindOrder, "L-1"), entries(t, gdb)[0].IdemKey)
	assert.NotEqual(t, q.Key(KindOrder, "L-1"), q.Key(KindCommandResult, "L-1"))
}

func TestLaterAttemptResultReplacesUnsentOne(t *testing.T) {
	q, gdb := openQueue(t, filepath.Join(t.TempDir(), "agent.db"), clock.NewFake(t0))
	ctx := context.Background()

	created, err := q.EnqueueResult(ctx, protocol.CommandResult{CommandID: "c-1", Attempt: 1, Error: "insufficient beans", ExecutedAt: t0})
	require.NoError(t, err)
	assert.True(t, created)
	_, err = q.EnqueueOrder(ctx, order("L-1"))
	require.NoError(t, err)
	created, err = q.EnqueueResult(ctx, protocol.CommandResult{CommandID: "c-1", Attempt: 2, Success: true, ExecutedAt: t0})
	require.NoError(t, err)
	assert.True(t, created)

	// a replay of the newest attempt is still a duplicate
	created, err = q.EnqueueResult(ctx, protocol.CommandResult{CommandID: "c-1", Attempt: 2, Success: true, ExecutedAt: t0})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, entries(t, gdb), 2)

	rec := &recorder{}
	st, err := q.Drain(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Sent)

	var results []protocol.CommandResult
	for _, c := range rec.Calls() {
		if c.Kind != string(KindCommandResult) {
			continue
		}
		var r protocol.CommandResult
		require.NoError(t, json.Unmarshal(c.Payload, &r))
		results = append(results, r)
	}
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].Attempt)
}

func TestRejectedResultIsKeptWhenLaterAttemptQueued(t *testing.T) {
	q, gdb := openQueue(t, filepath.Join(t.TempDir(), "agent.db"), clock.NewFake(t0))
	ctx := context.Background()

	_, err := q.EnqueueResult(ctx, protocol.CommandResult{CommandID: "c-2", Attempt: 1, Error: "jam"})
	require.NoError(t, err)
	require.NoError(t, gdb.Model(&db.QueueEntry{}).Where("1 = 1").Update("state", db.EntryRejected).Error)

	created, err := q.EnqueueResult(ctx, protocol.CommandResult{CommandID: "c-2", Attempt: 2, Success: true})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, entries(t, gdb), 2)
}

func TestSnapshotsSupersedeOlderOnes(t *testing.T) {
	q, gdb := openQueue(t, filepath.Join(t.TempDir(), "agent.db"), clock.NewFake(t0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.EnqueueStatus(ctx, protocol.StatusReport{Timestamp: t0.Add(time.Duration(i) * time.Second), Firmware: "1.0.0"})
		require.NoError(t, err)
	}
	_, err := q.EnqueueOrder(ctx, order("L-1"))
	require.NoError(t, err)

	rows := entries(t, gdb)
	require.Len(t, rows, 2)
	assert.Equal(t, string(KindStatus), rows[0].Kind)

	rec := &recorder{}
	st, err := q.Drain(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Sent)

	var got protocol.StatusReport
	require.NoError(t, json.Unmarshal(rec.Calls()[0].Payload, &got))
	assert.True(t, got.Timestamp.Equal(t0.Add(2*time.Second)))
	assert.Empty(t, entries(t, gdb))
}

func TestDrainCoalescesDueSnapshots(t *testing.T) {
	due := []db.QueueEntry{
		{ID: 1, Kind: string(KindMaterial)},
		{ID: 2, Kind: string(KindOrder)},
		{ID: 3, Kind: string(KindMaterial)},
		{ID: 4, Kind: string(KindStatus)},
	}
	keep, stale := coalesce(due)
	assert.Equal(t, []uint{1}, stale)
	require.Len(t, keep, 3)
	assert.Equal(t, uint(2), keep[0].ID)
	assert.Equal(t, uint(3), keep[1].ID)
}

func TestTransientFailureBacksOff(t *testing.T) {
	clk := clock.NewFake(t0)
	q, gdb := openQueue(t, filepath.Join(t.TempDir(), "agent.db"), clk)
	ctx := context.Background()
	_, err := q.EnqueueOrder(ctx, order("L-1"))
	require.NoError(t, err)

	rec := &recorder{fail: func(string) error { return &client.Error{Kind: client.KindTransient, Status: 503} }}
	st, err := q.Drain(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)

	row := entries(t, gdb)[0]
	assert.Equal(t, 1, row.Attempts)
	assert.Equal(t, db.EntryPending, row.State)
	assert.True(t, row.NextAttemptAt.Equal(t0.Add(2*time.Second)))

	st, err = q.Drain(ctx, rec)
	require.NoError(t, err)
	assert.Zero(t, st.Failed)
	assert.Len(t, rec.Calls(), 1)

	clk.Advance(2 * time.Second)
	_, err = q.Drain(ctx, rec)
	require.NoError(t, err)
	row = entries(t, gdb)[0]
	assert.Equal(t, 2, row.Attempts)
	assert.True(t, row.NextAttemptAt.Equal(clk.Now().Add(4*time.Second)))
}

func TestExhaustedEntriesMoveToBacklog(t *testing.T) {
	clk := clock.NewFake(t0)
	q, gdb := openQueue(t, filepath.Join(t.TempDir(), "agent.db"), clk)
	ctx := context.Background()
	_, err := q.EnqueueOrder(ctx, order("L-1"))
	require.NoError(t, err)

	failing := true
	rec := &recorder{fail: func(string) error {
		if failing {
			return &client.Error{Kind: client.KindTransient, Status: 500}
		}
		return nil
	}}
	var last DrainStats
	for i := 0; i < 3; i++ {
		last, err = q.Drain(ctx, rec)
		require.NoError(t, err)
		clk.Advance(10 * time.Minute)
	}
	assert.Equal(t, 1, last.Backlogged)

	row := entries(t, gdb)[0]
	assert.Equal(t, db.EntryBacklog, row.State)
	assert.Equal(t, 3, row.Attempts)

	st, err := q.Drain(ctx, rec)
	require.NoError(t, err)
	assert.Zero(t, st.Failed+st.Sent)

	failing = false
	woken, err := q.WakeBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), woken)

	st, err = q.Drain(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sent)
	assert.Empty(t, entries(t, gdb))
}

func TestPermanentFailureRejects(t *testing.T) {
	clk := clock.NewFake(t0)
	q, gdb := openQueue(t, filepath.Join(t.TempDir(), "agent.db"), clk)
	ctx := context.Background()
	_, err := q.EnqueueOrder(ctx, order("L-1"))
	require.NoError(t, err)

	rec := &recorder{fail: func(string) error {
		return &client.Error{Kind: client.KindPermanent, Status: 400, Code: protocol.CodeInvalidArgument, Message: "bad order"}
	}}
	st, err := q.Drain(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Rejected)

	row := entries(t, gdb)[0]
	assert.Equal(t, db.EntryRejected, row.State)
	assert.Contains(t, row.LastError, "bad order")

	clk.Advance(time.Hour)
	_, err = q.WakeBacklog(ctx)
	require.NoError(t, err)
	_, err = q.Drain(ctx, rec)
	require.NoError(t, err)
	assert.Len(t, rec.Calls(), 1)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, Stat{Kind: string(KindOrder), State: db.EntryRejected, Count: 1}, stats[0])
}

func TestOfflineStopsDrainWithoutCountingAttempts(t *testing.T) {
	q, gdb := openQueue(t, filepath.Join(t.TempDir(), "agent.db"), clock.NewFake(t0))
	ctx := context.Background()
	_, err := q.EnqueueOrder(ctx, order("L-1"))
	require.NoError(t, err)
	_, err = q.EnqueueOrder(ctx, order("L-2"))
	require.NoError(t, err)

	rec := &recorder{fail: func(string) error { return &client.Error{Kind: client.KindOffline} }}
	st, err := q.Drain(ctx, rec)
	require.NoError(t, err)
	assert.True(t, st.Offline)
	assert.Len(t, rec.Calls(), 1)
	for _, row := range entries(t, gdb) {
		assert.Zero(t, row.Attempts)
		assert.Equal(t, db.EntryPending, row.State)
	}

	last, err := db.GetKV(gdb, db.KeyLastSuccessfulSync)
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestCancelStopsBetweenEntries(t *testing.T) {
	q, gdb := openQueue(t, filepath.Join(t.TempDir(), "agent.db"), clock.NewFake(t0))
	ctx, cancel := context.WithCancel(context.Background())
	_, err := q.EnqueueOrder(ctx, order("L-1"))
	require.NoError(t, err)
	_, err = q.EnqueueOrder(ctx, order("L-2"))
	require.NoError(t, err)

	var uploadCtxErr error
	rec := &recorder{}
	rec.fail = func(string) error {
		cancel()
		return nil
	}
	wrapped := uploaderFunc(func(uctx context.Context, kind string, payload json.RawMessage) error {
		err := rec.Upload(uctx, kind, payload)
		uploadCtxErr = uctx.Err()
		return err
	})

	st, err := q.Drain(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sent)
	assert.NoError(t, uploadCtxErr)
	assert.Len(t, entries(t, gdb), 1)

	last, err := db.GetKV(gdb, db.KeyLastSuccessfulSync)
	require.NoError(t, err)
	assert.NotEmpty(t, last)
}

type uploaderFunc func(ctx context.Context, kind string, payload json.RawMessage) error

func (f uploaderFunc) Upload(ctx context.Context, kind string, payload json.RawMessage) error {
	return f(ctx, kind, payload)
}
