// Package hal is the boundary to the machine hardware.
package hal

import (
	"context"
	"encoding/json"

	"coffee-fleet/protocol"
)

// Outcome is what the machine reports after running a command. A failed
// outcome is a normal result; Execute returns an error only when the
// command could not be attempted at all.
type Outcome struct {
	Success bool
	Detail  json.RawMessage
	Error   string
}

type Telemetry struct {
	Firmware    string
	Temperature float64
	Extra       map[string]any
}

type Machine interface {
	Execute(ctx context.Context, commandType string, payload json.RawMessage) (Outcome, error)
	Bins(ctx context.Context) ([]protocol.BinLevel, error)
	Telemetry(ctx context.Context) (Telemetry, error)
}
