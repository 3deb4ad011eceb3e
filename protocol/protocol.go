// Package protocol holds the JSON wire types exchanged between the device
// agent and the backend.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope wraps every response: {"ok":true,"data":...} or
// {"ok":false,"error":{...}}.
type Envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Command types a device knows how to execute.
const (
	CommandMakeProduct = "make_product"
	CommandOpenDoor    = "open_door"
	CommandUpgrade     = "upgrade"
	CommandSync        = "sync"
	CommandSetParams   = "set_params"
	CommandRestart     = "restart"
)

var commandTypes = map[string]struct{}{
	CommandMakeProduct: {},
	CommandOpenDoor:    {},
	CommandUpgrade:     {},
	CommandSync:        {},
	CommandSetParams:   {},
	CommandRestart:     {},
}

func ValidCommandType(t string) bool {
	_, ok := commandTypes[t]
	return ok
}

// Payment methods. Online ones need a backend round trip and are refused
// while the device is offline.
const (
	PaymentCash   = "cash"
	PaymentCard   = "card"
	PaymentQR     = "qr"
	PaymentWallet = "wallet"
)

func RequiresOnline(method string) bool {
	return method == PaymentQR || method == PaymentWallet
}

type RegisterRequest struct {
	DeviceID string `json:"device_id"`
	Model    string `json:"model"`
	Firmware string `json:"firmware"`
	IP       string `json:"ip,omitempty"`
	SSID     string `json:"ssid,omitempty"`
}

type RegisterResponse struct {
	DeviceID          string `json:"device_id"`
	State             string `json:"state"`
	AlreadyRegistered bool   `json:"already_registered"`
}

type StatusReport struct {
	Timestamp   time.Time      `json:"timestamp"`
	Firmware    string         `json:"firmware,omitempty"`
	IP          string         `json:"ip,omitempty"`
	SSID        string         `json:"ssid,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

type StatusResponse struct {
	State      string    `json:"state"`
	ServerTime time.Time `json:"server_time"`
}

type BinLevel struct {
	BinIndex        int      `json:"bin_index"`
	MaterialCode    string   `json:"material_code"`
	Remaining       float64  `json:"remaining"`
	Capacity        float64  `json:"capacity"`
	Unit            string   `json:"unit,omitempty"`
	ThresholdLowPct *float64 `json:"threshold_low_pct,omitempty"`
}

type MaterialReport struct {
	Timestamp time.Time  `json:"timestamp"`
	Bins      []BinLevel `json:"bins"`
}

type MaterialResponse struct {
	Applied int `json:"applied"`
	Stale   int `json:"stale"`
}

type PendingCommand struct {
	ID       string          `json:"id"`
	BatchID  string          `json:"batch_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempt  int             `json:"attempt"`
	IssuedAt time.Time       `json:"issued_at"`
}

type PendingResponse struct {
	Commands []PendingCommand `json:"commands"`
}

type CommandResult struct {
	CommandID  string          `json:"command_id"`
	Attempt    int             `json:"attempt,omitempty"`
	Success    bool            `json:"success"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// Result outcomes returned by the backend for a command result report.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
)

type CommandResultResponse struct {
	Outcome string `json:"outcome"`
	Status  string `json:"status"`
}

type MaterialUse struct {
	MaterialCode string  `json:"material_code"`
	Amount       float64 `json:"amount"`
}

type OrderItem struct {
	ProductID string        `json:"product_id"`
	Name      string        `json:"name"`
	Qty       int           `json:"qty"`
	UnitPrice float64       `json:"unit_price"`
	Materials []MaterialUse `json:"materials,omitempty"`
}

type OrderReport struct {
	LocalRef      string      `json:"local_ref"`
	Items         []OrderItem `json:"items"`
	TotalPrice    float64     `json:"total_price"`
	Currency      string      `json:"currency,omitempty"`
	PaymentMethod string      `json:"payment_method"`
	PaymentStatus string      `json:"payment_status"`
	CreatedAt     time.Time   `json:"created_at"`
}

type OrderResponse struct {
	OrderID   uint `json:"order_id"`
	Duplicate bool `json:"duplicate"`
}
