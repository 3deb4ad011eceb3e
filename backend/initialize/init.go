package initialize

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"coffee-fleet/backend/app/controllers"
	"coffee-fleet/backend/app/db"
	"coffee-fleet/backend/app/events"
	jwtutil "coffee-fleet/backend/app/jwt"
	"coffee-fleet/backend/app/keylock"
	"coffee-fleet/backend/app/middleware"
	"coffee-fleet/backend/app/models"
	"coffee-fleet/backend/app/repo"
	"coffee-fleet/backend/app/services"
	"coffee-fleet/backend/config"
	"coffee-fleet/backend/global"
	"coffee-fleet/backend/router"
	"coffee-fleet/clock"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"gorm.io/gorm"
)

const Version = "0.3.0"

type App struct {
	Cfg    config.Config
	DB     *gorm.DB
	Router http.Handler

	Devices   *services.DeviceService
	Commands  *services.CommandService
	Materials *services.MaterialService
	Orders    *services.OrderService
	Alarms    *services.AlarmService
	Users     *services.UserService

	Sweeper  *services.LivenessSweeper
	Timeouts *services.TimeoutChecker

	nc     *nats.Conn
	rdb    *redis.Client
	meters *sdkmetric.MeterProvider
}

// Build wires the backend from the config file at configPath.
func Build(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return BuildWith(ctx, cfg, clock.Real())
}

func BuildWith(ctx context.Context, cfg config.Config, clk clock.Clock) (*App, error) {
	global.Config = cfg
	SetLogLevel(cfg.LogLevel)
	app := &App{Cfg: cfg}

	gdb, err := db.Connect(db.Config{
		Driver: cfg.DB.Driver, Host: cfg.DB.Host, Port: cfg.DB.Port,
		User: cfg.DB.User, Password: cfg.DB.Pass, DBName: cfg.DB.Name, Path: cfg.DB.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	app.DB = gdb
	if err := gdb.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var locks keylock.Locker = keylock.NewLocal()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.rdb = rdb
		locks = keylock.NewRedis(rdb, "coffee-fleet:lock:", 30*time.Second)
		global.Logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis key locks")
	}

	var publisher *events.Publisher
	if cfg.NATS.URL != "" {
		p, nc, err := events.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return nil, err
		}
		publisher, app.nc = p, nc
		global.Logger.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("publishing fleet events")
	}

	if app.meters, err = initMetrics(ctx, cfg.OTel, Version); err != nil {
		return nil, err
	}

	// repositories
	deviceRepo := repo.NewDeviceRepository(gdb)
	commandRepo := repo.NewCommandRepository(gdb)
	binRepo := repo.NewMaterialRepository(gdb)
	orderRepo := repo.NewOrderRepository(gdb)
	alarmRepo := repo.NewAlarmRepository(gdb)
	userRepo := repo.NewUserRepository(gdb)

	// services
	var notifier services.AlarmNotifier
	if publisher != nil {
		notifier = publisher
	}
	app.Alarms = services.NewAlarmService(alarmRepo, binRepo, locks, clk, services.AlarmOptions{HysteresisPct: cfg.Alarms.HysteresisPct}, notifier)
	app.Devices = services.NewDeviceService(gdb, deviceRepo, locks, clk, services.DeviceOptions{
		OfflineThreshold: cfg.Liveness.OfflineThreshold,
		AutoProvision:    cfg.AutoProvision,
	})
	app.Devices.AddListener(app.Alarms)
	if publisher != nil {
		app.Devices.AddListener(publisher)
	}
	app.Commands = services.NewCommandService(gdb, commandRepo, deviceRepo, locks, clk, services.DispatchOptions{
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
		MaxRetries:      cfg.Dispatch.MaxRetries,
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeout,
		Workers:         cfg.Dispatch.Workers,
	})
	app.Materials = services.NewMaterialService(gdb, binRepo, deviceRepo, locks, clk, cfg.Alarms.DefaultLowPct, app.Alarms)
	app.Orders = services.NewOrderService(gdb, orderRepo, deviceRepo, app.Materials, locks, clk)
	app.Users = services.NewUserService(userRepo)
	if err := app.Users.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.Password); err != nil {
		global.Logger.Warn().Err(err).Msg("seed admin account")
	}

	app.Sweeper = services.NewLivenessSweeper(app.Devices, clk, cfg.Liveness.SweepInterval, cfg.Liveness.OfflineThreshold)
	app.Timeouts = services.NewTimeoutChecker(app.Commands, clk, cfg.Dispatch.CheckInterval)

	// controllers
	signer := &jwtutil.Signer{Secret: []byte(cfg.JWT.Secret), Issuer: cfg.JWT.Issuer, ExpMin: cfg.JWT.ExpMin}
	app.Router = router.NewRouter(router.Controllers{
		HTTP:     controllers.NewHTTPController(gdb, Version, clk),
		Auth:     controllers.NewAuthController(app.Users, signer),
		Admin:    controllers.NewAdminController(app.Users, app.Devices, app.Materials, app.Alarms),
		Devices:  controllers.NewDeviceController(app.Devices, app.Commands, app.Materials, app.Orders, clk),
		Commands: controllers.NewCommandController(app.Commands),
	}, &middleware.Auth{Signer: signer})

	return app, nil
}

// StartWorkers runs the liveness sweeper and delivery timeout checker until
// ctx is cancelled.
func (a *App) StartWorkers(ctx context.Context) {
	go a.Sweeper.Start(ctx)
	go a.Timeouts.Start(ctx)
}

func (a *App) Close(ctx context.Context) {
	if a.meters != nil {
		if err := a.meters.Shutdown(ctx); err != nil {
			global.Logger.Warn().Err(err).Msg("shutdown meter provider")
		}
	}
	if a.nc != nil {
		_ = a.nc.Drain()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
