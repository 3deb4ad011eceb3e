package models

import (
	"time"

	"gorm.io/datatypes"
)

type DeviceState string

const (
	StateUnregistered DeviceState = "unregistered"
	StateOnline       DeviceState = "online"
	StateOffline      DeviceState = "offline"
	StateUnknown      DeviceState = "unknown"
)

// Device is one coffee machine. Rows are never deleted, only deactivated.
type Device struct {
	ID              uint              `gorm:"primaryKey" json:"-"`
	DeviceID        string            `gorm:"uniqueIndex;size:64;not null" json:"device_id"`
	Model           string            `gorm:"size:64" json:"model"`
	Firmware        string            `gorm:"size:64" json:"firmware"`
	IP              string            `gorm:"size:64" json:"ip"`
	SSID            string            `gorm:"size:128" json:"ssid"`
	Temperature     *float64          `json:"temperature,omitempty"`
	Extra           datatypes.JSONMap `json:"extra,omitempty"`
	LastHeartbeatAt *time.Time        `gorm:"index" json:"last_heartbeat_at"`
	// AnnouncedState remembers the last state an event was emitted for. It
	// is edge memory for the sweep and never answers a state query.
	AnnouncedState DeviceState `gorm:"size:16;not null;default:unknown" json:"-"`
	Active         bool        `gorm:"not null;default:true" json:"active"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// DeriveState computes liveness from the last heartbeat alone.
func DeriveState(now time.Time, lastHeartbeat *time.Time, threshold time.Duration) DeviceState {
	if lastHeartbeat == nil {
		return StateUnknown
	}
	if now.Sub(*lastHeartbeat) > threshold {
		return StateOffline
	}
	return StateOnline
}
