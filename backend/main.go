package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coffee-fleet/backend/global"
	"coffee-fleet/backend/initialize"
	"coffee-fleet/backend/server"
)

func main() {
	configPath := flag.String("config", "backend/config/config.yaml", "path to config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := initialize.Build(ctx, *configPath)
	if err != nil {
		global.Logger.Fatal().Err(err).Msg("init failed")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Close(closeCtx)
	}()

	app.StartWorkers(ctx)
	global.Logger.Info().Str("version", initialize.Version).Msg("coffee-fleet backend started")
	if err := server.StartHTTPServer(ctx, app.Cfg.HTTP.Host, app.Cfg.HTTP.Port, app.Router, 10*time.Second); err != nil {
		global.Logger.Error().Err(err).Msg("server stopped")
	}
}
