package services

import (
	"context"
	"time"

	"coffee-fleet/backend/global"
	"coffee-fleet/clock"
)

// LivenessSweeper periodically announces devices that stopped heartbeating.
// A skipped or late tick is caught up by the next one.
type LivenessSweeper struct {
	devices   *DeviceService
	clock     clock.Clock
	interval  time.Duration
	threshold time.Duration
}

func NewLivenessSweeper(devices *DeviceService, clk clock.Clock, interval, threshold time.Duration) *LivenessSweeper {
	return &LivenessSweeper{devices: devices, clock: clk, interval: interval, threshold: threshold}
}

func (w *LivenessSweeper) Start(ctx context.Context) {
	global.Logger.Info().
		Str("interval", w.interval.String()).
		Str("threshold", w.threshold.String()).
		Msg("starting liveness sweeper")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			global.Logger.Info().Msg("liveness sweeper stopping")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *LivenessSweeper) RunOnce(ctx context.Context) int {
	n, err := w.devices.SweepLiveness(ctx, w.clock.Now(), w.threshold)
	if err != nil {
		global.Logger.Error().Err(err).Msg("liveness sweep failed")
	}
	if n > 0 {
		global.Logger.Info().Int("count", n).Msg("devices marked offline")
	}
	return n
}
