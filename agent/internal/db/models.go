package db

import (
	"time"

	"gorm.io/datatypes"
)

type EntryState string

const (
	EntryPending  EntryState = "pending"
	EntryBacklog  EntryState = "backlog"
	EntryRejected EntryState = "rejected"
)

// QueueEntry is one upload waiting for backend confirmation.
type QueueEntry struct {
	ID            uint           `gorm:"primaryKey"`
	Kind          string         `gorm:"size:32;index:idx_queue_kind_state,priority:1"`
	IdemKey       string         `gorm:"size:36;uniqueIndex"`
	Subject       string         `gorm:"size:64;index"` // entries sharing a subject replace each other
	Payload       datatypes.JSON `gorm:"not null"`
	State         EntryState     `gorm:"size:16;index:idx_queue_kind_state,priority:2;index:idx_queue_due,priority:1"`
	Attempts      int
	NextAttemptAt time.Time `gorm:"index:idx_queue_due,priority:2"`
	LastError     string    `gorm:"size:512"`
	EnqueuedAt    time.Time
	UpdatedAt     time.Time
}

// ExecutedCommand remembers the outcome of every command run on this device.
type ExecutedCommand struct {
	CommandID  string `gorm:"primaryKey;size:36"`
	Type       string `gorm:"size:32"`
	Attempt    int
	Success    bool
	Detail     datatypes.JSON
	Error      string `gorm:"size:512"`
	ExecutedAt time.Time
}

type KV struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"size:1024"`
	UpdatedAt time.Time
}

func (KV) TableName() string { return "kv" }
