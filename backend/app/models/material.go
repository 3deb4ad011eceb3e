package models

import "time"

// DeviceBin is one ingredient container on a machine.
type DeviceBin struct {
	ID              uint       `gorm:"primaryKey" json:"-"`
	DeviceID        string     `gorm:"size:64;not null;uniqueIndex:idx_bin_device_index,priority:1" json:"device_id"`
	BinIndex        int        `gorm:"not null;uniqueIndex:idx_bin_device_index,priority:2" json:"bin_index"`
	MaterialCode    string     `gorm:"size:64;index" json:"material_code"`
	Remaining       float64    `json:"remaining"`
	Capacity        float64    `json:"capacity"`
	Unit            string     `gorm:"size:16" json:"unit"`
	ThresholdLowPct float64    `json:"threshold_low_pct"`
	Percentage      float64    `json:"percentage"`
	LowLatched      bool       `json:"low"`
	LastSyncAt      *time.Time `json:"last_sync_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Recompute refreshes Percentage from Remaining and Capacity, clamped to [0,100].
func (b *DeviceBin) Recompute() {
	if b.Remaining < 0 {
		b.Remaining = 0
	}
	if b.Capacity <= 0 {
		b.Percentage = 0
		return
	}
	pct := b.Remaining / b.Capacity * 100
	switch {
	case pct < 0:
		pct = 0
	case pct > 100:
		pct = 100
	}
	b.Percentage = pct
}
