package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coffee-fleet/agent/internal/client"
	"coffee-fleet/agent/internal/command"
	"coffee-fleet/agent/internal/config"
	"coffee-fleet/agent/internal/db"
	"coffee-fleet/agent/internal/hal"
	"coffee-fleet/agent/internal/kiosk"
	"coffee-fleet/agent/internal/logger"
	"coffee-fleet/agent/internal/queue"
	"coffee-fleet/agent/internal/service"
	"coffee-fleet/agent/internal/state"
	"coffee-fleet/clock"

	"golang.org/x/sync/errgroup"
)

const executedRetention = 30 * 24 * time.Hour

func queueOptions(c config.AppConfig) queue.Options {
	return queue.Options{
		BaseInterval:    c.Queue.BaseInterval,
		MaxInterval:     c.Queue.MaxInterval,
		Jitter:          0.2,
		MaxAttempts:     c.Queue.MaxAttempts,
		BacklogInterval: c.Queue.BacklogInterval,
		UploadTimeout:   c.RequestTimeout,
	}
}

func main() {
	cfgPath := flag.String("config", "agent/config/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogPath, cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "open log file:", err)
		os.Exit(1)
	}

	adb, err := db.Init(cfg.DBPath)
	if err != nil {
		logger.Error("Cannot open SQLite:", err)
		os.Exit(1)
	}
	defer db.Close(adb)
	state.SetDeviceID(cfg.DeviceID)
	if last, err := db.GetKV(adb, db.KeyLastSuccessfulSync); err == nil && last != "" {
		logger.Infof("Last successful sync: %s", last)
		if t, err := time.Parse(time.RFC3339Nano, last); err == nil {
			state.SetLastSync(t)
		}
	}

	clk := clock.Real()
	machine := hal.NewSimulator(cfg.Firmware, hal.DefaultBins()...)
	api := client.New(cfg.BackendURL, cfg.DeviceID, cfg.RequestTimeout)
	q := queue.New(adb, cfg.DeviceID, queueOptions(cfg), clk)
	exec := command.NewExecutor(adb, machine, clk)
	sup := service.NewSupervisor(service.Identity{DeviceID: cfg.DeviceID, Model: cfg.Model, Firmware: cfg.Firmware},
		api, q, exec, machine, clk, service.SettingsFrom(cfg))
	orders := service.NewOrders(machine, q, state.Conn, clk)

	config.OnChange(func(c config.AppConfig) {
		logger.Infof("Config reloaded: heartbeat=%s poll=%s drain=%s", c.Intervals.Heartbeat, c.Intervals.Poll, c.Intervals.Drain)
		sup.SetSettings(service.SettingsFrom(c))
		q.SetOptions(queueOptions(c))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n, err := exec.Prune(ctx, clk.Now().Add(-executedRetention)); err != nil {
		logger.Warnf("Prune executed commands: %v", err)
	} else if n > 0 {
		logger.Infof("Pruned %d executed command records", n)
	}
	if stats, err := q.Stats(ctx); err == nil {
		for _, s := range stats {
			logger.Infof("Queue %s/%s: %d", s.Kind, s.State, s.Count)
		}
	}

	logger.Infof("Agent %s started, backend %s", cfg.DeviceID, cfg.BackendURL)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	if cfg.LocalListen != "" {
		g.Go(func() error {
			// the machine keeps syncing without its local API
			if err := kiosk.Serve(gctx, cfg.LocalListen, kiosk.New(orders, machine).Handler()); err != nil {
				logger.Errorf("Local API: %v", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Errorf("Supervisor: %v", err)
	}
	logger.Info("Shutdown signal received, exiting...")
}
