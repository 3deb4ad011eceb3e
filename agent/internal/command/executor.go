package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coffee-fleet/agent/internal/db"
	"coffee-fleet/agent/internal/hal"
	"coffee-fleet/agent/internal/logger"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Executor runs each command attempt on the machine at most once. A
// redelivered attempt gets the outcome already recorded for it.
type Executor struct {
	mu      sync.Mutex
	db      *gorm.DB
	machine hal.Machine
	clock   clock.Clock
}

func NewExecutor(gdb *gorm.DB, machine hal.Machine, clk clock.Clock) *Executor {
	return &Executor{db: gdb, machine: machine, clock: clk}
}

// Execute returns the result to report for cmd. duplicate is true when the
// stored outcome is re-reported. A failed outcome is run again when the
// backend delivers a later attempt; a successful one never is. An error
// means nothing was run or recorded and the backend will offer the command
// again.
func (e *Executor) Execute(ctx context.Context, cmd protocol.PendingCommand) (res protocol.CommandResult, duplicate bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var prev db.ExecutedCommand
	rerun := false
	err = e.db.WithContext(ctx).Where("command_id = ?", cmd.ID).First(&prev).Error
	switch {
	case err == nil:
		if prev.Success || cmd.Attempt <= prev.Attempt {
			logger.Infof("Command %s already executed, re-reporting", cmd.ID)
			return resultOf(prev), true, nil
		}
		logger.Infof("Command %s failed on attempt %d, running attempt %d", cmd.ID, prev.Attempt, cmd.Attempt)
		rerun = true
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return res, false, fmt.Errorf("lookup executed command: %w", err)
	}

	rec := db.ExecutedCommand{CommandID: cmd.ID, Type: cmd.Type, Attempt: cmd.Attempt}
	h, ok := Get(cmd.Type)
	switch {
	case !ok:
		rec.Error = fmt.Sprintf("unsupported command type %q", cmd.Type)
	default:
		if _, derr := h.DecodeArg(cmd.Payload); derr != nil {
			rec.Error = fmt.Sprintf("invalid payload: %v", derr)
			break
		}
		out, xerr := e.machine.Execute(ctx, cmd.Type, cmd.Payload)
		if xerr != nil {
			return res, false, fmt.Errorf("execute %s: %w", cmd.Type, xerr)
		}
		rec.Success = out.Success
		rec.Detail = datatypes.JSON(out.Detail)
		rec.Error = out.Error
	}
	rec.ExecutedAt = e.clock.Now()

	if rerun {
		if err := e.db.WithContext(ctx).Save(&rec).Error; err != nil {
			return res, false, fmt.Errorf("record executed command: %w", err)
		}
	} else {
		created := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if created.Error != nil {
			return res, false, fmt.Errorf("record executed command: %w", created.Error)
		}
		if created.RowsAffected == 0 {
			// another process recorded it first
			if err := e.db.WithContext(ctx).Where("command_id = ?", cmd.ID).First(&prev).Error; err != nil {
				return res, false, err
			}
			return resultOf(prev), true, nil
		}
	}
	logger.Infof("Command %s (%s) executed success=%v", cmd.ID, cmd.Type, rec.Success)
	return resultOf(rec), false, nil
}

func resultOf(r db.ExecutedCommand) protocol.CommandResult {
	return protocol.CommandResult{
		CommandID:  r.CommandID,
		Attempt:    r.Attempt,
		Success:    r.Success,
		Detail:     []byte(r.Detail),
		Error:      r.Error,
		ExecutedAt: r.ExecutedAt.UTC(),
	}
}

// Prune forgets executions older than before.
func (e *Executor) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := e.db.WithContext(ctx).Where("executed_at < ?", before).Delete(&db.ExecutedCommand{})
	return res.RowsAffected, res.Error
}
