package command

import (
	"encoding/json"
	"fmt"

	"coffee-fleet/agent/internal/hal"
	"coffee-fleet/protocol"
)

// Handler validates the payload of one command type before it reaches the
// machine.
type Handler interface {
	DecodeArg(raw json.RawMessage) (any, error)
}

// Registry maps command type to handler
var registry = map[string]Handler{}

func Register(name string, h Handler) { registry[name] = h }

func Get(name string) (Handler, bool) { h, ok := registry[name]; return h, ok }

type passthrough struct{}

func (passthrough) DecodeArg(json.RawMessage) (any, error) { return nil, nil }

type makeProductHandler struct{}

func (makeProductHandler) DecodeArg(raw json.RawMessage) (any, error) {
	var a hal.MakeProduct
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	if a.ProductID == "" {
		return nil, fmt.Errorf("product_id is required")
	}
	if a.Qty < 0 {
		return nil, fmt.Errorf("qty must not be negative")
	}
	return a, nil
}

type upgradeHandler struct{}

func (upgradeHandler) DecodeArg(raw json.RawMessage) (any, error) {
	var a hal.Upgrade
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	if a.Version == "" {
		return nil, fmt.Errorf("version is required")
	}
	return a, nil
}

type setParamsHandler struct{}

func (setParamsHandler) DecodeArg(raw json.RawMessage) (any, error) {
	a := map[string]any{}
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func init() {
	Register(protocol.CommandMakeProduct, makeProductHandler{})
	Register(protocol.CommandUpgrade, upgradeHandler{})
	Register(protocol.CommandSetParams, setParamsHandler{})
	Register(protocol.CommandOpenDoor, passthrough{})
	Register(protocol.CommandRestart, passthrough{})
	Register(protocol.CommandSync, passthrough{})
}
