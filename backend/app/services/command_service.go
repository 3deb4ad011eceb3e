package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"coffee-fleet/backend/app/keylock"
	"coffee-fleet/backend/app/models"
	"coffee-fleet/backend/app/repo"
	"coffee-fleet/backend/global"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const errDeliveryTimedOut = "delivery timed out"

type DispatchOptions struct {
	// MaxAttempts bounds deliveries of one command before it fails.
	MaxAttempts int
	// MaxRetries bounds operator retries of a failed command.
	MaxRetries      int
	DeliveryTimeout time.Duration
	Workers         int
	PollLimit       int
}

type CommandService struct {
	db       *gorm.DB
	commands *repo.CommandRepository
	devices  *repo.DeviceRepository
	locks    keylock.Locker
	clock    clock.Clock
	opts     DispatchOptions
}

func NewCommandService(db *gorm.DB, commands *repo.CommandRepository, devices *repo.DeviceRepository, locks keylock.Locker, clk clock.Clock, opts DispatchOptions) *CommandService {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollLimit <= 0 {
		opts.PollLimit = 100
	}
	return &CommandService{db: db, commands: commands, devices: devices, locks: locks, clock: clk, opts: opts}
}

func commandLockKey(deviceID string) string { return "commands:" + deviceID }

type DispatchRequest struct {
	Type        string
	Payload     json.RawMessage
	DeviceIDs   []string
	Note        string
	CreatedBy   string
	MaxAttempts int
}

// DispatchBatch creates one batch and one queued command per target in a
// single transaction. Delivery happens when devices poll.
func (s *CommandService) DispatchBatch(ctx context.Context, req DispatchRequest) (*models.CommandBatch, error) {
	if !protocol.ValidCommandType(req.Type) {
		return nil, fmt.Errorf("%w: unsupported command type %q", ErrInvalidArgument, req.Type)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
	}
	targets := uniqueIDs(req.DeviceIDs)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no target devices", ErrInvalidArgument)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.opts.MaxAttempts
	}

	found, err := s.devices.FindMany(ctx, targets)
	if err != nil {
		return nil, err
	}
	known := make(map[string]models.Device, len(found))
	for _, d := range found {
		known[d.DeviceID] = d
	}
	var missing, inactive []string
	for _, id := range targets {
		d, ok := known[id]
		switch {
		case !ok:
			missing = append(missing, id)
		case !d.Active:
			inactive = append(inactive, id)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingDevicesError{IDs: missing}
	}
	if len(inactive) > 0 {
		return nil, &InactiveDevicesError{IDs: inactive}
	}

	now := s.clock.Now()
	batch := &models.CommandBatch{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Payload:     datatypes.JSON(req.Payload),
		Note:        req.Note,
		CreatedBy:   req.CreatedBy,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
	}
	cmds := make([]models.RemoteCommand, 0, len(targets))
	for _, id := range targets {
		cmds = append(cmds, models.RemoteCommand{
			ID:            uuid.NewString(),
			BatchID:       batch.ID,
			DeviceID:      id,
			Type:          req.Type,
			Payload:       datatypes.JSON(req.Payload),
			Status:        models.CommandQueued,
			AttemptCount:  1,
			MaxAttempts:   maxAttempts,
			LastAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.commands.WithTx(tx).CreateBatch(ctx, batch, cmds)
	})
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	batch.Commands = cmds
	recordDispatched(ctx, req.Type, len(cmds))
	global.Logger.Info().Str("batch", batch.ID).Str("type", req.Type).Int("targets", len(cmds)).Msg("batch dispatched")
	return batch, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// PollPending hands every queued command of the device to the caller and
// marks it sent. Concurrent polls for the same device never return the same
// command twice.
func (s *CommandService) PollPending(ctx context.Context, deviceID string) ([]models.RemoteCommand, error) {
	if _, err := s.devices.FindByDeviceID(ctx, deviceID); errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	} else if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, commandLockKey(deviceID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock.Now()
	var out []models.RemoteCommand
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		commands := s.commands.WithTx(tx)
		queued, err := commands.QueuedForUpdate(ctx, deviceID, s.opts.PollLimit)
		if err != nil {
			return err
		}
		for _, c := range queued {
			ok, err := commands.Transition(ctx, c.ID, models.CommandQueued, map[string]any{
				"status":          models.CommandSent,
				"last_attempt_at": now,
				"sent_at":         now,
			})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			c.Status = models.CommandSent
			c.LastAttemptAt = now
			sent := now
			c.SentAt = &sent
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("poll pending: %w", err)
	}
	if len(out) > 0 {
		global.Logger.Info().Str("device", deviceID).Int("count", len(out)).Msg("commands delivered")
	}
	return out, nil
}

// ReportResult advances a sent command from the device's outcome. Results
// for terminal commands are accepted without change; results for commands
// that are not sent are logged and ignored.
func (s *CommandService) ReportResult(ctx context.Context, deviceID string, result protocol.CommandResult) (string, models.CommandStatus, error) {
	if strings.TrimSpace(result.CommandID) == "" {
		return "", "", fmt.Errorf("%w: command_id is required", ErrInvalidArgument)
	}
	if len(result.Detail) > 0 && !json.Valid(result.Detail) {
		return "", "", fmt.Errorf("%w: detail is not valid JSON", ErrInvalidArgument)
	}
	unlock, err := s.locks.Lock(ctx, commandLockKey(deviceID))
	if err != nil {
		return "", "", err
	}
	defer unlock()

	now := s.clock.Now()
	var (
		outcome string
		status  models.CommandStatus
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		commands := s.commands.WithTx(tx)
		c, err := commands.GetForUpdate(ctx, result.CommandID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCommandNotFound
		}
		if err != nil {
			return err
		}
		if c.DeviceID != deviceID {
			return ErrCommandNotFound
		}
		status = c.Status
		if c.Terminal() {
			outcome = protocol.ResultDuplicate
			return nil
		}
		if !result.Success && result.Attempt > 0 && result.Attempt < c.AttemptCount {
			outcome = protocol.ResultIgnored
			global.Logger.Warn().Str("device", deviceID).Str("command", c.ID).Int("attempt", result.Attempt).Int("current", c.AttemptCount).Msg("stale failure ignored")
			return nil
		}
		if c.Status != models.CommandSent {
			outcome = protocol.ResultIgnored
			global.Logger.Warn().Err(ErrInvalidState).Str("device", deviceID).Str("command", c.ID).Str("status", string(c.Status)).Msg("result ignored")
			return nil
		}

		fields := map[string]any{"result_detail": datatypes.JSON(result.Detail)}
		switch {
		case result.Success:
			fields["status"] = models.CommandAcked
			fields["result_at"] = now
			fields["last_error"] = ""
			status = models.CommandAcked
		case c.AttemptCount < c.MaxAttempts:
			fields["status"] = models.CommandQueued
			fields["attempt_count"] = c.AttemptCount + 1
			fields["last_attempt_at"] = now
			fields["last_error"] = truncate(result.Error, 512)
			status = models.CommandQueued
		default:
			fields["status"] = models.CommandFailed
			fields["result_at"] = now
			fields["last_error"] = truncate(result.Error, 512)
			status = models.CommandFailed
		}
		ok, err := commands.Transition(ctx, c.ID, models.CommandSent, fields)
		if err != nil {
			return err
		}
		if !ok {
			outcome = protocol.ResultIgnored
			status = c.Status
			return nil
		}
		outcome = protocol.ResultApplied
		return nil
	})
	if err != nil {
		return "", "", err
	}
	recordResult(ctx, outcome)
	if outcome == protocol.ResultApplied {
		global.Logger.Info().Str("device", deviceID).Str("command", result.CommandID).Bool("success", result.Success).Str("status", string(status)).Msg("command result")
	}
	return outcome, status, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RetryBatch re-queues failed members whose retry budget is not spent.
func (s *CommandService) RetryBatch(ctx context.Context, batchID string) (int, error) {
	ok, err := s.commands.BatchExists(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrBatchNotFound
	}
	now := s.clock.Now()
	count := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		commands := s.commands.WithTx(tx)
		failed, err := commands.RetryableInBatch(ctx, batchID, s.opts.MaxRetries)
		if err != nil {
			return err
		}
		for _, c := range failed {
			ok, err := commands.Transition(ctx, c.ID, models.CommandFailed, map[string]any{
				"status":          models.CommandQueued,
				"retry_count":     c.RetryCount + 1,
				"attempt_count":   1,
				"last_attempt_at": now,
				"last_error":      "",
				"result_at":       nil,
			})
			if err != nil {
				return err
			}
			if ok {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retry batch: %w", err)
	}
	global.Logger.Info().Str("batch", batchID).Int("requeued", count).Msg("batch retried")
	return count, nil
}

// CheckTimeouts redelivers in-flight commands whose last attempt is older
// than the delivery timeout, or fails them once attempts are spent. Devices
// are processed in parallel, each under its poll lock.
func (s *CommandService) CheckTimeouts(ctx context.Context, now time.Time) (requeued, failed int, err error) {
	cutoff := now.Add(-s.opts.DeliveryTimeout)
	deviceIDs, err := s.commands.ExpiredDevices(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("list expired commands: %w", err)
	}
	if len(deviceIDs) == 0 {
		return 0, 0, nil
	}

	var nRequeued, nFailed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, id := range deviceIDs {
		g.Go(func() error {
			r, f, err := s.expireDevice(gctx, id, now, cutoff)
			nRequeued.Add(int64(r))
			nFailed.Add(int64(f))
			if err != nil {
				return fmt.Errorf("device %s: %w", id, err)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(nRequeued.Load()), int(nFailed.Load()), err
}

func (s *CommandService) expireDevice(ctx context.Context, deviceID string, now, cutoff time.Time) (requeued, failed int, err error) {
	unlock, err := s.locks.Lock(ctx, commandLockKey(deviceID))
	if err != nil {
		return 0, 0, err
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		commands := s.commands.WithTx(tx)
		expired, err := commands.ExpiredForDevice(ctx, deviceID, cutoff)
		if err != nil {
			return err
		}
		for _, c := range expired {
			var fields map[string]any
			if c.AttemptCount < c.MaxAttempts {
				fields = map[string]any{
					"status":          models.CommandQueued,
					"attempt_count":   c.AttemptCount + 1,
					"last_attempt_at": now,
				}
			} else {
				fields = map[string]any{
					"status":     models.CommandFailed,
					"result_at":  now,
					"last_error": errDeliveryTimedOut,
				}
			}
			ok, err := commands.Transition(ctx, c.ID, c.Status, fields)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if fields["status"] == models.CommandQueued {
				requeued++
				recordRedelivery(ctx, "requeue")
			} else {
				failed++
				recordRedelivery(ctx, "fail")
				global.Logger.Warn().Str("device", deviceID).Str("command", c.ID).Int("attempts", c.AttemptCount).Msg(errDeliveryTimedOut)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return requeued, failed, nil
}

// BatchView is a batch with its derived aggregate.
type BatchView struct {
	models.CommandBatch
	State models.BatchState `json:"state"`
	Stats models.BatchStats `json:"stats"`
}

func newBatchView(b models.CommandBatch) BatchView {
	var stats models.BatchStats
	for _, c := range b.Commands {
		stats.Add(c.Status)
	}
	return BatchView{CommandBatch: b, State: stats.State(), Stats: stats}
}

func (s *CommandService) GetBatch(ctx context.Context, batchID string) (*BatchView, error) {
	b, err := s.commands.GetBatch(ctx, batchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	v := newBatchView(*b)
	return &v, nil
}

func (s *CommandService) ListBatches(ctx context.Context, limit, offset int) ([]BatchView, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list, err := s.commands.ListBatches(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]BatchView, 0, len(list))
	for _, b := range list {
		out = append(out, newBatchView(b))
	}
	return out, nil
}

func (s *CommandService) ListDeviceCommands(ctx context.Context, deviceID string, includeDone bool) ([]models.RemoteCommand, error) {
	return s.commands.ListByDevice(ctx, deviceID, includeDone)
}

func (s *CommandService) Get(ctx context.Context, id string) (*models.RemoteCommand, error) {
	c, err := s.commands.Get(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCommandNotFound
	}
	return c, err
}
