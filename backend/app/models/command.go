package models

import (
	"time"

	"gorm.io/datatypes"
)

type CommandStatus string

const (
	CommandQueued CommandStatus = "queued"
	CommandSent   CommandStatus = "sent"
	CommandAcked  CommandStatus = "acked"
	CommandFailed CommandStatus = "failed"
)

// RemoteCommand is one command addressed to one device.
type RemoteCommand struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	BatchID       string         `gorm:"size:36;index" json:"batch_id"`
	DeviceID      string         `gorm:"size:64;index:idx_cmd_device_status,priority:1" json:"device_id"`
	Type          string         `gorm:"size:32" json:"type"`
	Payload       datatypes.JSON `json:"payload,omitempty"`
	Status        CommandStatus  `gorm:"size:16;index:idx_cmd_device_status,priority:2" json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	RetryCount    int            `json:"retry_count"`
	MaxAttempts   int            `json:"max_attempts"`
	LastAttemptAt time.Time      `gorm:"index" json:"last_attempt_at"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	ResultAt      *time.Time     `json:"result_at,omitempty"`
	ResultDetail  datatypes.JSON `json:"result_detail,omitempty"`
	LastError     string         `gorm:"size:512" json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Terminal reports whether no further delivery will happen without an
// explicit batch retry.
func (c *RemoteCommand) Terminal() bool {
	return c.Status == CommandAcked || c.Status == CommandFailed
}

// CommandBatch groups the commands created by one dispatch request.
type CommandBatch struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	Type        string          `gorm:"size:32" json:"type"`
	Payload     datatypes.JSON  `json:"payload,omitempty"`
	Note        string          `gorm:"size:255" json:"note,omitempty"`
	CreatedBy   string          `gorm:"size:191" json:"created_by,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	Commands    []RemoteCommand `gorm:"foreignKey:BatchID" json:"commands,omitempty"`
}

type BatchState string

const (
	BatchPending        BatchState = "pending"
	BatchCompleted      BatchState = "completed"
	BatchFailed         BatchState = "failed"
	BatchPartialFailure BatchState = "partial_failure"
)

// BatchStats counts members per status.
type BatchStats struct {
	Total  int `json:"total"`
	Queued int `json:"queued"`
	Sent   int `json:"sent"`
	Acked  int `json:"acked"`
	Failed int `json:"failed"`
}

func (s *BatchStats) Add(status CommandStatus) {
	s.Total++
	switch status {
	case CommandQueued:
		s.Queued++
	case CommandSent:
		s.Sent++
	case CommandAcked:
		s.Acked++
	case CommandFailed:
		s.Failed++
	}
}

// State derives the batch aggregate from its member counts.
func (s BatchStats) State() BatchState {
	switch {
	case s.Queued+s.Sent > 0:
		return BatchPending
	case s.Acked == s.Total:
		return BatchCompleted
	case s.Acked == 0:
		return BatchFailed
	default:
		return BatchPartialFailure
	}
}
