// Package queue is the agent's durable outbox. Entries survive restarts and
// are removed only once the backend has confirmed them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"coffee-fleet/agent/internal/backoff"
	"coffee-fleet/agent/internal/db"
	"coffee-fleet/agent/internal/logger"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Kind string

const (
	KindStatus        Kind = "status"
	KindMaterial      Kind = "material"
	KindCommandResult Kind = "command_result"
	KindOrder         Kind = "order"
)

// Supersedable kinds are snapshots: only the newest one matters.
func (k Kind) Supersedable() bool { return k == KindStatus || k == KindMaterial }

var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("coffee-fleet/agent/queue"))

// Uploader delivers one payload. Errors exposing Offline() true stop a
// drain cycle; errors exposing Permanent() true reject the entry.
type Uploader interface {
	Upload(ctx context.Context, kind string, payload json.RawMessage) error
}

type Options struct {
	BaseInterval    time.Duration
	MaxInterval     time.Duration
	Jitter          float64
	MaxAttempts     int
	BacklogInterval time.Duration
	UploadTimeout   time.Duration
}

type Queue struct {
	db       *gorm.DB
	deviceID string
	clock    clock.Clock

	mu   sync.RWMutex
	opts Options
}

func New(gdb *gorm.DB, deviceID string, opts Options, clk clock.Clock) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 15 * time.Second
	}
	if opts.BacklogInterval <= 0 {
		opts.BacklogInterval = 30 * time.Minute
	}
	return &Queue{db: gdb, deviceID: deviceID, opts: opts, clock: clk}
}

// SetOptions swaps retry tuning, used on config reload.
func (q *Queue) SetOptions(opts Options) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.opts.MaxAttempts
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = q.opts.UploadTimeout
	}
	if opts.BacklogInterval <= 0 {
		opts.BacklogInterval = q.opts.BacklogInterval
	}
	q.opts = opts
}

func (q *Queue) options() Options {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.opts
}

// Key derives the idempotency key of an entry from its defining value.
func (q *Queue) Key(kind Kind, defining string) string {
	return uuid.NewSHA1(namespace, []byte(q.deviceID+"|"+string(kind)+"|"+defining)).String()
}

// Enqueue persists payload under the key derived from defining. It reports
// false when an entry with that key already exists.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, defining string, payload any) (bool, error) {
	return q.enqueue(ctx, kind, defining, "", payload)
}

// enqueue also drops unsent entries of the same kind and non-empty subject
// that were queued before this one.
func (q *Queue) enqueue(ctx context.Context, kind Kind, defining, subject string, payload any) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", kind, err)
	}
	now := q.clock.Now()
	entry := db.QueueEntry{
		Kind:          string(kind),
		IdemKey:       q.Key(kind, defining),
		Subject:       subject,
		Payload:       datatypes.JSON(raw),
		State:         db.EntryPending,
		NextAttemptAt: now,
		EnqueuedAt:    now,
	}
	created := false
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idem_key"}}, DoNothing: true}).Create(&entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true
		unsent := []db.EntryState{db.EntryPending, db.EntryBacklog}
		switch {
		case kind.Supersedable():
			return tx.Where("kind = ? AND state IN ? AND id < ?", string(kind), unsent, entry.ID).
				Delete(&db.QueueEntry{}).Error
		case subject != "":
			return tx.Where("kind = ? AND subject = ? AND state IN ? AND id < ?", string(kind), subject, unsent, entry.ID).
				Delete(&db.QueueEntry{}).Error
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return created, nil
}

func (q *Queue) EnqueueStatus(ctx context.Context, r protocol.StatusReport) (bool, error) {
	return q.Enqueue(ctx, KindStatus, r.Timestamp.UTC().Format(time.RFC3339Nano), r)
}

func (q *Queue) EnqueueMaterial(ctx context.Context, r protocol.MaterialReport) (bool, error) {
	return q.Enqueue(ctx, KindMaterial, r.Timestamp.UTC().Format(time.RFC3339Nano), r)
}

// EnqueueResult keys a result by command and attempt. A result for a later
// attempt replaces any unsent result of the same command.
func (q *Queue) EnqueueResult(ctx context.Context, r protocol.CommandResult) (bool, error) {
	return q.enqueue(ctx, KindCommandResult, r.CommandID+"|"+strconv.Itoa(r.Attempt), r.CommandID, r)
}

func (q *Queue) EnqueueOrder(ctx context.Context, r protocol.OrderReport) (bool, error) {
	return q.Enqueue(ctx, KindOrder, r.LocalRef, r)
}

// DrainStats summarises one drain cycle.
type DrainStats struct {
	Sent       int
	Coalesced  int
	Failed     int
	Backlogged int
	Rejected   int
	Offline    bool
}

type offliner interface{ Offline() bool }
type permanenter interface{ Permanent() bool }

func isOffline(err error) bool {
	var o offliner
	return errors.As(err, &o) && o.Offline()
}

func isPermanent(err error) bool {
	var p permanenter
	return errors.As(err, &p) && p.Permanent()
}

// Drain uploads every due entry in enqueue order. Cancellation is honoured
// between entries; an upload already started runs to completion.
func (q *Queue) Drain(ctx context.Context, up Uploader) (DrainStats, error) {
	var st DrainStats
	opts := q.options()
	now := q.clock.Now()
	var due []db.QueueEntry
	err := q.db.WithContext(ctx).
		Where("state IN ? AND next_attempt_at <= ?", []db.EntryState{db.EntryPending, db.EntryBacklog}, now).
		Order("id ASC").
		Find(&due).Error
	if err != nil {
		return st, fmt.Errorf("load due entries: %w", err)
	}

	due, stale := coalesce(due)
	if len(stale) > 0 {
		if err := q.db.WithContext(ctx).Delete(&db.QueueEntry{}, stale).Error; err != nil {
			return st, fmt.Errorf("coalesce: %w", err)
		}
		st.Coalesced = len(stale)
	}

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		e := &due[i]
		upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.UploadTimeout)
		uerr := up.Upload(upCtx, e.Kind, json.RawMessage(e.Payload))
		cancel()

		switch {
		case uerr == nil:
			if err := q.db.Delete(&db.QueueEntry{}, e.ID).Error; err != nil {
				return st, fmt.Errorf("delete entry %d: %w", e.ID, err)
			}
			st.Sent++
		case isOffline(uerr):
			st.Offline = true
			logger.Warnf("Queue drain stopped, backend offline: %v", uerr)
			return st, nil
		case isPermanent(uerr):
			if err := q.update(e.ID, map[string]any{"state": db.EntryRejected, "last_error": truncate(uerr.Error())}); err != nil {
				return st, err
			}
			st.Rejected++
			logger.Errorf("Queue entry %d (%s) rejected by backend: %v", e.ID, e.Kind, uerr)
		default:
			backlogged, err := q.retryLater(opts, e, uerr)
			if err != nil {
				return st, err
			}
			st.Failed++
			if backlogged {
				st.Backlogged++
			}
		}
	}
	if st.Sent > 0 {
		if err := db.SetKV(q.db, db.KeyLastSuccessfulSync, q.clock.Now().Format(time.RFC3339Nano)); err != nil {
			logger.Warnf("record last sync: %v", err)
		}
	}
	return st, nil
}

func (q *Queue) retryLater(opts Options, e *db.QueueEntry, cause error) (bool, error) {
	now := q.clock.Now()
	attempts := e.Attempts + 1
	fields := map[string]any{"attempts": attempts, "last_error": truncate(cause.Error())}
	backlogged := attempts >= opts.MaxAttempts
	if backlogged {
		fields["state"] = db.EntryBacklog
		fields["next_attempt_at"] = now.Add(opts.BacklogInterval)
		if e.State != db.EntryBacklog {
			logger.Warnf("Queue entry %d (%s) moved to backlog after %d attempts", e.ID, e.Kind, attempts)
		}
	} else {
		p := backoff.Policy{Base: opts.BaseInterval, Max: opts.MaxInterval, Jitter: opts.Jitter}
		fields["next_attempt_at"] = now.Add(p.Delay(attempts))
	}
	return backlogged, q.update(e.ID, fields)
}

func (q *Queue) update(id uint, fields map[string]any) error {
	if err := q.db.Model(&db.QueueEntry{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return fmt.Errorf("update entry %d: %w", id, err)
	}
	return nil
}

// coalesce keeps only the newest due entry of each supersedable kind.
func coalesce(due []db.QueueEntry) ([]db.QueueEntry, []uint) {
	newest := map[string]uint{}
	for _, e := range due {
		if Kind(e.Kind).Supersedable() && e.ID > newest[e.Kind] {
			newest[e.Kind] = e.ID
		}
	}
	var keep []db.QueueEntry
	var stale []uint
	for _, e := range due {
		if Kind(e.Kind).Supersedable() && e.ID != newest[e.Kind] {
			stale = append(stale, e.ID)
			continue
		}
		keep = append(keep, e)
	}
	return keep, stale
}

// WakeBacklog makes backlog entries due now, used after a reconnect.
func (q *Queue) WakeBacklog(ctx context.Context) (int64, error) {
	res := q.db.WithContext(ctx).Model(&db.QueueEntry{}).
		Where("state = ?", db.EntryBacklog).
		Update("next_attempt_at", q.clock.Now())
	return res.RowsAffected, res.Error
}

type Stat struct {
	Kind  string
	State db.EntryState
	Count int64
}

// Stats counts entries per kind and state.
func (q *Queue) Stats(ctx context.Context) ([]Stat, error) {
	var out []Stat
	err := q.db.WithContext(ctx).Model(&db.QueueEntry{}).
		Select("kind, state, COUNT(*) AS count").
		Group("kind, state").
		Order("kind, state").
		Scan(&out).Error
	return out, err
}

func truncate(s string) string {
	if len(s) > 512 {
		return s[:512]
	}
	return s
}
