// Package state holds process-wide agent status shared by the supervisor
// and the local order endpoint.
package state

import (
	"sync/atomic"
	"time"
)

type appState struct {
	DeviceID atomic.Value // string
	Offline  atomic.Bool
	LastSync atomic.Int64 // unix nanos
}

var s appState

func init() { s.Offline.Store(true) }

func SetDeviceID(id string) { s.DeviceID.Store(id) }

// SetOffline records connectivity and reports whether it changed.
func SetOffline(off bool) bool { return s.Offline.Swap(off) != off }

// IsOffline is true until the first successful round trip to the backend.
func IsOffline() bool { return s.Offline.Load() }

func SetLastSync(t time.Time) { s.LastSync.Store(t.UnixNano()) }

// Snapshot is the state at one instant.
type Snapshot struct {
	DeviceID string     `json:"device_id"`
	Offline  bool       `json:"offline"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

func Current() Snapshot {
	snap := Snapshot{Offline: s.Offline.Load()}
	if v, ok := s.DeviceID.Load().(string); ok {
		snap.DeviceID = v
	}
	if n := s.LastSync.Load(); n != 0 {
		t := time.Unix(0, n).UTC()
		snap.LastSync = &t
	}
	return snap
}

// Conn reports process-wide connectivity to components that take it as a
// dependency.
var Conn conn

type conn struct{}

func (conn) IsOffline() bool { return IsOffline() }
