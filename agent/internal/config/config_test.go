package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	writeFile(t, path, "agent:\n  device_id: D001\n")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "D001", c.DeviceID)
	assert.Equal(t, "http://127.0.0.1:9400", c.BackendURL)
	assert.Equal(t, 30*time.Second, c.Intervals.Heartbeat)
	assert.Equal(t, 10, c.Queue.MaxAttempts)
	assert.Equal(t, 30*time.Minute, c.Queue.BacklogInterval)
	assert.Equal(t, c, Get())
}

func TestLoadRequiresDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	writeFile(t, path, "agent:\n  backend:\n    url: http://x\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsZeroInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	writeFile(t, path, "agent:\n  device_id: D001\n  intervals:\n    poll: 0s\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestHotReloadIntervals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	writeFile(t, path, "agent:\n  device_id: D001\n  intervals:\n    poll: 15s\n")
	_, err := Load(path)
	require.NoError(t, err)

	var seen atomic.Int64
	OnChange(func(c AppConfig) {
		if c.DeviceID == "D001" {
			seen.Store(int64(c.Intervals.Poll))
		}
	})

	writeFile(t, path, "agent:\n  device_id: D001\n  intervals:\n    poll: 3s\n")
	require.Eventually(t, func() bool {
		return time.Duration(seen.Load()) == 3*time.Second
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3*time.Second, Get().Intervals.Poll)
}
