package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Intervals struct {
	Heartbeat time.Duration
	Poll      time.Duration
	Drain     time.Duration
	Material  time.Duration
}

type Queue struct {
	BaseInterval    time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
	BacklogInterval time.Duration
}

type Reconnect struct {
	Base time.Duration
	Max  time.Duration
}

type AppConfig struct {
	DeviceID       string
	Model          string
	Firmware       string
	BackendURL     string
	RequestTimeout time.Duration
	DBPath         string
	LogPath        string
	LogLevel       string
	LocalListen    string
	Intervals      Intervals
	Queue          Queue
	Reconnect      Reconnect
}

var (
	mu        sync.RWMutex
	cfg       AppConfig
	listeners []func(AppConfig)
)

func setDefaults(v *viper.Viper) {
	dir := filepath.Join(os.TempDir(), "coffee-fleet")
	v.SetDefault("agent.model", "CM-200")
	v.SetDefault("agent.firmware", "1.0.0")
	v.SetDefault("agent.backend.url", "http://127.0.0.1:9400")
	v.SetDefault("agent.backend.timeout", "10s")
	v.SetDefault("agent.db_path", filepath.Join(dir, "agent.db"))
	v.SetDefault("agent.log_level", "info")
	v.SetDefault("agent.local.listen", "127.0.0.1:9480")
	v.SetDefault("agent.intervals.heartbeat", "30s")
	v.SetDefault("agent.intervals.poll", "15s")
	v.SetDefault("agent.intervals.drain", "10s")
	v.SetDefault("agent.intervals.material", "60s")
	v.SetDefault("agent.queue.base_interval", "2s")
	v.SetDefault("agent.queue.max_interval", "5m")
	v.SetDefault("agent.queue.max_attempts", 10)
	v.SetDefault("agent.queue.backlog_interval", "30m")
	v.SetDefault("agent.reconnect.base", "1s")
	v.SetDefault("agent.reconnect.max", "60s")
}

func fromViper(v *viper.Viper) (AppConfig, error) {
	c := AppConfig{
		DeviceID:       strings.TrimSpace(v.GetString("agent.device_id")),
		Model:          v.GetString("agent.model"),
		Firmware:       v.GetString("agent.firmware"),
		BackendURL:     strings.TrimRight(v.GetString("agent.backend.url"), "/"),
		RequestTimeout: v.GetDuration("agent.backend.timeout"),
		DBPath:         v.GetString("agent.db_path"),
		LogPath:        v.GetString("agent.log_path"),
		LogLevel:       v.GetString("agent.log_level"),
		LocalListen:    strings.TrimSpace(v.GetString("agent.local.listen")),
		Intervals: Intervals{
			Heartbeat: v.GetDuration("agent.intervals.heartbeat"),
			Poll:      v.GetDuration("agent.intervals.poll"),
			Drain:     v.GetDuration("agent.intervals.drain"),
			Material:  v.GetDuration("agent.intervals.material"),
		},
		Queue: Queue{
			BaseInterval:    v.GetDuration("agent.queue.base_interval"),
			MaxInterval:     v.GetDuration("agent.queue.max_interval"),
			MaxAttempts:     v.GetInt("agent.queue.max_attempts"),
			BacklogInterval: v.GetDuration("agent.queue.backlog_interval"),
		},
		Reconnect: Reconnect{
			Base: v.GetDuration("agent.reconnect.base"),
			Max:  v.GetDuration("agent.reconnect.max"),
		},
	}
	if c.DeviceID == "" {
		return c, fmt.Errorf("agent.device_id is required")
	}
	for name, d := range map[string]time.Duration{
		"agent.intervals.heartbeat": c.Intervals.Heartbeat,
		"agent.intervals.poll":      c.Intervals.Poll,
		"agent.intervals.drain":     c.Intervals.Drain,
		"agent.intervals.material":  c.Intervals.Material,
		"agent.queue.base_interval": c.Queue.BaseInterval,
		"agent.reconnect.base":      c.Reconnect.Base,
	} {
		if d <= 0 {
			return c, fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Queue.MaxInterval < c.Queue.BaseInterval {
		c.Queue.MaxInterval = c.Queue.BaseInterval
	}
	if c.Reconnect.Max < c.Reconnect.Base {
		c.Reconnect.Max = c.Reconnect.Base
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 1
	}
	return c, nil
}

// Load reads the YAML file at path and keeps watching it. Valid edits
// replace the current config and are pushed to OnChange subscribers;
// invalid edits are ignored.
func Load(path string) (AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	c, err := fromViper(v)
	if err != nil {
		return AppConfig{}, err
	}
	set(c)

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := fromViper(v)
		if err != nil {
			return
		}
		set(next)
	})
	v.WatchConfig()
	return c, nil
}

func set(c AppConfig) {
	mu.Lock()
	cfg = c
	subs := append([]func(AppConfig){}, listeners...)
	mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

func Get() AppConfig {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// OnChange registers fn to be called with every reloaded config.
func OnChange(fn func(AppConfig)) {
	mu.Lock()
	listeners = append(listeners, fn)
	mu.Unlock()
}
