package hal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"coffee-fleet/protocol"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

var ErrHardwareFault = errors.New("hardware fault")

// MakeProduct is the make_product payload.
type MakeProduct struct {
	ProductID string                 `json:"product_id"`
	Qty       int                    `json:"qty"`
	Materials []protocol.MaterialUse `json:"materials,omitempty"`
}

type Upgrade struct {
	Version string `json:"version"`
}

type simBin struct {
	protocol.BinLevel
}

// Simulator is an in-memory machine used in place of real hardware.
type Simulator struct {
	mu          sync.Mutex
	firmware    string
	temperature float64
	bins        map[int]*simBin
	params      map[string]any
	faults      int
	executed    []string
	hostMetrics bool
}

func NewSimulator(firmware string, bins ...protocol.BinLevel) *Simulator {
	s := &Simulator{firmware: firmware, temperature: 92.5, bins: map[int]*simBin{}, params: map[string]any{}, hostMetrics: true}
	for _, b := range bins {
		s.bins[b.BinIndex] = &simBin{BinLevel: b}
	}
	return s
}

// DefaultBins is a typical four-bin layout.
func DefaultBins() []protocol.BinLevel {
	return []protocol.BinLevel{
		{BinIndex: 0, MaterialCode: "beans", Remaining: 2000, Capacity: 2000, Unit: "g"},
		{BinIndex: 1, MaterialCode: "milk", Remaining: 5000, Capacity: 5000, Unit: "ml"},
		{BinIndex: 2, MaterialCode: "sugar", Remaining: 1000, Capacity: 1000, Unit: "g"},
		{BinIndex: 3, MaterialCode: "cups", Remaining: 200, Capacity: 200, Unit: "pcs"},
	}
}

// FailNext makes the next n Execute calls return ErrHardwareFault.
func (s *Simulator) FailNext(n int) {
	s.mu.Lock()
	s.faults = n
	s.mu.Unlock()
}

// DisableHostMetrics keeps Telemetry deterministic.
func (s *Simulator) DisableHostMetrics() {
	s.mu.Lock()
	s.hostMetrics = false
	s.mu.Unlock()
}

// Executed lists the command types run so far, in order.
func (s *Simulator) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

func (s *Simulator) Refill(binIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bins[binIndex]; ok {
		b.Remaining = b.Capacity
	}
}

func (s *Simulator) Execute(ctx context.Context, commandType string, payload json.RawMessage) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults > 0 {
		s.faults--
		return Outcome{}, ErrHardwareFault
	}
	s.executed = append(s.executed, commandType)

	switch commandType {
	case protocol.CommandMakeProduct:
		var p MakeProduct
		if err := json.Unmarshal(payload, &p); err != nil {
			return failed("invalid make_product payload"), nil
		}
		return s.dispense(p), nil
	case protocol.CommandUpgrade:
		var u Upgrade
		if err := json.Unmarshal(payload, &u); err != nil || u.Version == "" {
			return failed("upgrade needs a version"), nil
		}
		prev := s.firmware
		s.firmware = u.Version
		return succeeded(map[string]string{"from": prev, "to": u.Version}), nil
	case protocol.CommandSetParams:
		params := map[string]any{}
		if err := json.Unmarshal(payload, &params); err != nil {
			return failed("set_params needs an object"), nil
		}
		for k, v := range params {
			s.params[k] = v
		}
		return succeeded(map[string]int{"updated": len(params)}), nil
	case protocol.CommandOpenDoor, protocol.CommandRestart, protocol.CommandSync:
		return succeeded(nil), nil
	default:
		return failed(fmt.Sprintf("unsupported command %q", commandType)), nil
	}
}

// dispense checks every material first so a short bin consumes nothing.
func (s *Simulator) dispense(p MakeProduct) Outcome {
	qty := p.Qty
	if qty <= 0 {
		qty = 1
	}
	need := map[string]float64{}
	for _, m := range p.Materials {
		need[m.MaterialCode] += m.Amount * float64(qty)
	}
	for code, amount := range need {
		if s.available(code) < amount {
			return failed(fmt.Sprintf("insufficient %s", code))
		}
	}
	for code, amount := range need {
		for _, b := range s.sortedBins() {
			if b.MaterialCode != code || amount <= 0 {
				continue
			}
			take := amount
			if take > b.Remaining {
				take = b.Remaining
			}
			b.Remaining -= take
			amount -= take
		}
	}
	return succeeded(map[string]any{"product_id": p.ProductID, "qty": qty})
}

func (s *Simulator) available(code string) float64 {
	var total float64
	for _, b := range s.bins {
		if b.MaterialCode == code {
			total += b.Remaining
		}
	}
	return total
}

func (s *Simulator) sortedBins() []*simBin {
	out := make([]*simBin, 0, len(s.bins))
	for _, b := range s.bins {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BinIndex < out[j].BinIndex })
	return out
}

func (s *Simulator) Bins(ctx context.Context) ([]protocol.BinLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bins := s.sortedBins()
	out := make([]protocol.BinLevel, 0, len(bins))
	for _, b := range bins {
		out = append(out, b.BinLevel)
	}
	return out, nil
}

func (s *Simulator) Telemetry(ctx context.Context) (Telemetry, error) {
	s.mu.Lock()
	t := Telemetry{Firmware: s.firmware, Temperature: s.temperature, Extra: map[string]any{}}
	withHost := s.hostMetrics
	s.mu.Unlock()
	if !withHost {
		return t, nil
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		t.Extra["mem_used_pct"] = vm.UsedPercent
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		t.Extra["uptime_sec"] = up
	}
	return t, nil
}

func succeeded(detail any) Outcome {
	o := Outcome{Success: true}
	if detail != nil {
		o.Detail, _ = json.Marshal(detail)
	}
	return o
}

func failed(msg string) Outcome { return Outcome{Success: false, Error: msg} }
