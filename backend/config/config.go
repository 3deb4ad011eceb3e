package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type HTTP struct {
	Host string
	Port int
}

type DB struct {
	Driver string // mysql, postgres or sqlite
	Host   string
	Port   int
	User   string
	Pass   string
	Name   string
	Path   string // sqlite file
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type NATS struct {
	URL    string
	Stream string
}

type OTel struct {
	Endpoint string
	Insecure bool
	Interval time.Duration
}

type Liveness struct {
	OfflineThreshold time.Duration
	SweepInterval    time.Duration
}

type Dispatch struct {
	MaxAttempts     int
	MaxRetries      int
	DeliveryTimeout time.Duration
	CheckInterval   time.Duration
	Workers         int
}

type Alarms struct {
	HysteresisPct float64
	DefaultLowPct float64
}

type Config struct {
	HTTP     HTTP
	DB       DB
	Redis    Redis
	NATS     NATS
	OTel     OTel
	LogLevel string
	JWT      struct {
		Secret string
		Issuer string
		ExpMin int
	}
	Admin struct {
		Username string
		Password string
	}
	AutoProvision bool
	Liveness      Liveness
	Dispatch      Dispatch
	Alarms        Alarms
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.host", "127.0.0.1")
	v.SetDefault("backend.port", 9400)
	v.SetDefault("backend.log_level", "info")
	v.SetDefault("backend.db.driver", "mysql")
	v.SetDefault("backend.db.host", "127.0.0.1")
	v.SetDefault("backend.db.port", 3306)
	v.SetDefault("backend.db.user", "root")
	v.SetDefault("backend.db.pass", "")
	v.SetDefault("backend.db.name", "coffee_fleet")
	v.SetDefault("backend.db.path", "coffee-fleet.db")
	v.SetDefault("backend.redis.db", 0)
	v.SetDefault("backend.nats.stream", "fleet-events")
	v.SetDefault("backend.otel.insecure", true)
	v.SetDefault("backend.otel.interval", "15s")
	v.SetDefault("backend.jwt.secret", "dev-secret")
	v.SetDefault("backend.jwt.issuer", "coffee-fleet")
	v.SetDefault("backend.jwt.exp_min", 60)
	v.SetDefault("backend.admin.username", "admin")
	v.SetDefault("backend.admin.password", "admin123")
	v.SetDefault("backend.devices.auto_provision", false)
	v.SetDefault("backend.liveness.offline_threshold", "600s")
	v.SetDefault("backend.liveness.sweep_interval", "30s")
	v.SetDefault("backend.dispatch.max_attempts", 5)
	v.SetDefault("backend.dispatch.max_retries", 3)
	v.SetDefault("backend.dispatch.delivery_timeout", "300s")
	v.SetDefault("backend.dispatch.check_interval", "30s")
	v.SetDefault("backend.dispatch.workers", 8)
	v.SetDefault("backend.alarms.hysteresis_pct", 5.0)
	v.SetDefault("backend.alarms.default_low_pct", 20.0)
}

// Load reads the YAML file at path. A missing file is an error; every key
// has a default so the file may be nearly empty.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return fromViper(v)
}

// Defaults returns the configuration with no file applied.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := fromViper(v)
	return cfg
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTP: HTTP{Host: v.GetString("backend.host"), Port: v.GetInt("backend.port")},
		DB: DB{
			Driver: v.GetString("backend.db.driver"),
			Host:   v.GetString("backend.db.host"),
			Port:   v.GetInt("backend.db.port"),
			User:   v.GetString("backend.db.user"),
			Pass:   v.GetString("backend.db.pass"),
			Name:   v.GetString("backend.db.name"),
			Path:   v.GetString("backend.db.path"),
		},
		Redis: Redis{
			Addr:     v.GetString("backend.redis.addr"),
			Password: v.GetString("backend.redis.password"),
			DB:       v.GetInt("backend.redis.db"),
		},
		NATS:     NATS{URL: v.GetString("backend.nats.url"), Stream: v.GetString("backend.nats.stream")},
		OTel:     OTel{Endpoint: v.GetString("backend.otel.endpoint"), Insecure: v.GetBool("backend.otel.insecure"), Interval: v.GetDuration("backend.otel.interval")},
		LogLevel: v.GetString("backend.log_level"),
		Liveness: Liveness{
			OfflineThreshold: v.GetDuration("backend.liveness.offline_threshold"),
			SweepInterval:    v.GetDuration("backend.liveness.sweep_interval"),
		},
		Dispatch: Dispatch{
			MaxAttempts:     v.GetInt("backend.dispatch.max_attempts"),
			MaxRetries:      v.GetInt("backend.dispatch.max_retries"),
			DeliveryTimeout: v.GetDuration("backend.dispatch.delivery_timeout"),
			CheckInterval:   v.GetDuration("backend.dispatch.check_interval"),
			Workers:         v.GetInt("backend.dispatch.workers"),
		},
		Alarms: Alarms{
			HysteresisPct: v.GetFloat64("backend.alarms.hysteresis_pct"),
			DefaultLowPct: v.GetFloat64("backend.alarms.default_low_pct"),
		},
		AutoProvision: v.GetBool("backend.devices.auto_provision"),
	}
	cfg.JWT.Secret = v.GetString("backend.jwt.secret")
	cfg.JWT.Issuer = v.GetString("backend.jwt.issuer")
	cfg.JWT.ExpMin = v.GetInt("backend.jwt.exp_min")
	if cfg.JWT.ExpMin <= 0 {
		cfg.JWT.ExpMin = 60
	}
	cfg.Admin.Username = v.GetString("backend.admin.username")
	cfg.Admin.Password = v.GetString("backend.admin.password")

	if cfg.Liveness.OfflineThreshold <= 0 {
		return cfg, fmt.Errorf("backend.liveness.offline_threshold must be positive")
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		return cfg, fmt.Errorf("backend.dispatch.max_attempts must be positive")
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 1
	}
	return cfg, nil
}
