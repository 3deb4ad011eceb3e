package dto

import "encoding/json"

type DispatchRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DeviceIDs   []string        `json:"device_ids"`
	Note        string          `json:"note,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

type DispatchResponse struct {
	BatchID  string `json:"batch_id"`
	Commands int    `json:"commands"`
}

type RetryResponse struct {
	BatchID  string `json:"batch_id"`
	Requeued int    `json:"requeued"`
}

// QueuedCommand is the operator view of one command in a device queue.
type QueuedCommand struct {
	ID            string          `json:"id"`
	BatchID       string          `json:"batch_id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	LastAttemptAt int64           `json:"last_attempt_at"`
}
