package models

import (
	"time"

	"gorm.io/datatypes"
)

type AlarmCategory string

const (
	AlarmOffline     AlarmCategory = "offline"
	AlarmLowMaterial AlarmCategory = "low_material"
)

const (
	AlarmOpen    = "open"
	AlarmCleared = "cleared"
)

const (
	SeverityWarn     = "warn"
	SeverityCritical = "critical"
)

// Alarm is a derived condition on a device. OpenKey is set to
// device|category while open and NULL once cleared, so the unique index
// admits at most one open alarm per pair.
type Alarm struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	DeviceID    string         `gorm:"size:64;index" json:"device_id"`
	Category    AlarmCategory  `gorm:"size:32;index" json:"category"`
	Severity    string         `gorm:"size:16" json:"severity"`
	Title       string         `gorm:"size:255" json:"title"`
	Description string         `gorm:"size:512" json:"description"`
	Context     datatypes.JSON `json:"context,omitempty"`
	Status      string         `gorm:"size:16;index" json:"status"`
	OpenKey     *string        `gorm:"size:128;uniqueIndex" json:"-"`
	OpenedAt    time.Time      `json:"opened_at"`
	ClearedAt   *time.Time     `json:"cleared_at,omitempty"`
}

func AlarmKey(deviceID string, category AlarmCategory) string {
	return deviceID + "|" + string(category)
}
