package services

import (
	"context"
	"time"

	"coffee-fleet/backend/global"
	"coffee-fleet/clock"
)

// TimeoutChecker drives command redelivery on a fixed interval.
type TimeoutChecker struct {
	commands *CommandService
	clock    clock.Clock
	interval time.Duration
}

func NewTimeoutChecker(commands *CommandService, clk clock.Clock, interval time.Duration) *TimeoutChecker {
	return &TimeoutChecker{commands: commands, clock: clk, interval: interval}
}

func (w *TimeoutChecker) Start(ctx context.Context) {
	global.Logger.Info().Str("interval", w.interval.String()).Msg("starting command timeout checker")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			global.Logger.Info().Msg("command timeout checker stopping")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *TimeoutChecker) RunOnce(ctx context.Context) {
	requeued, failed, err := w.commands.CheckTimeouts(ctx, w.clock.Now())
	if err != nil {
		global.Logger.Error().Err(err).Msg("command timeout check failed")
	}
	if requeued > 0 || failed > 0 {
		global.Logger.Info().Int("requeued", requeued).Int("failed", failed).Msg("command timeouts processed")
	}
}
