package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"coffee-fleet/agent/internal/hal"
	"coffee-fleet/agent/internal/logger"
	"coffee-fleet/agent/internal/queue"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"github.com/google/uuid"
)

var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrPaymentOffline    = errors.New("payment method needs the backend, device is offline")
	ErrInsufficientStock = errors.New("not enough material")
	ErrDispense          = errors.New("dispense failed")
)

type Connectivity interface {
	IsOffline() bool
}

// Orders records sales made at the machine. Orders are accepted offline
// for payment methods that do not need the backend.
type Orders struct {
	machine hal.Machine
	queue   *queue.Queue
	conn    Connectivity
	clock   clock.Clock
}

func NewOrders(machine hal.Machine, q *queue.Queue, conn Connectivity, clk clock.Clock) *Orders {
	return &Orders{machine: machine, queue: q, conn: conn, clock: clk}
}

type PlaceRequest struct {
	Items         []protocol.OrderItem
	PaymentMethod string
	Currency      string
}

var paymentMethods = map[string]struct{}{
	protocol.PaymentCash:   {},
	protocol.PaymentCard:   {},
	protocol.PaymentQR:     {},
	protocol.PaymentWallet: {},
}

// Place dispenses every item and queues the order for upload. When a
// dispense fails part way, the items already made are still recorded and
// the error is returned with the partial report.
func (o *Orders) Place(ctx context.Context, req PlaceRequest) (protocol.OrderReport, error) {
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if _, ok := paymentMethods[method]; !ok {
		return protocol.OrderReport{}, fmt.Errorf("%w: unknown payment method %q", ErrInvalidOrder, req.PaymentMethod)
	}
	if len(req.Items) == 0 {
		return protocol.OrderReport{}, fmt.Errorf("%w: no items", ErrInvalidOrder)
	}
	for _, it := range req.Items {
		if it.ProductID == "" || it.Qty <= 0 {
			return protocol.OrderReport{}, fmt.Errorf("%w: item needs a product and a positive qty", ErrInvalidOrder)
		}
	}
	if protocol.RequiresOnline(method) && o.conn.IsOffline() {
		return protocol.OrderReport{}, ErrPaymentOffline
	}
	if err := o.checkStock(ctx, req.Items); err != nil {
		return protocol.OrderReport{}, err
	}

	report := protocol.OrderReport{
		LocalRef:      uuid.NewString(),
		Currency:      req.Currency,
		PaymentMethod: method,
		PaymentStatus: "paid",
		CreatedAt:     o.clock.Now(),
	}
	var dispenseErr error
	for _, it := range req.Items {
		if dispenseErr = o.dispense(ctx, it); dispenseErr != nil {
			break
		}
		report.Items = append(report.Items, it)
		report.TotalPrice += float64(it.Qty) * it.UnitPrice
	}
	if len(report.Items) == 0 {
		return protocol.OrderReport{}, dispenseErr
	}
	if _, err := o.queue.EnqueueOrder(context.WithoutCancel(ctx), report); err != nil {
		return report, fmt.Errorf("queue order: %w", err)
	}
	logger.Infof("Order %s recorded: %d items, total %.2f", report.LocalRef, len(report.Items), report.TotalPrice)
	return report, dispenseErr
}

func (o *Orders) checkStock(ctx context.Context, items []protocol.OrderItem) error {
	bins, err := o.machine.Bins(ctx)
	if err != nil {
		return fmt.Errorf("read bins: %w", err)
	}
	have := map[string]float64{}
	for _, b := range bins {
		have[b.MaterialCode] += b.Remaining
	}
	need := map[string]float64{}
	for _, it := range items {
		for _, m := range it.Materials {
			need[m.MaterialCode] += float64(it.Qty) * m.Amount
		}
	}
	for code, amount := range need {
		if have[code] < amount {
			return fmt.Errorf("%w: %s", ErrInsufficientStock, code)
		}
	}
	return nil
}

func (o *Orders) dispense(ctx context.Context, it protocol.OrderItem) error {
	payload, err := json.Marshal(hal.MakeProduct{ProductID: it.ProductID, Qty: it.Qty, Materials: it.Materials})
	if err != nil {
		return err
	}
	out, err := o.machine.Execute(ctx, protocol.CommandMakeProduct, payload)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDispense, it.ProductID, err)
	}
	if !out.Success {
		return fmt.Errorf("%w: %s: %s", ErrDispense, it.ProductID, out.Error)
	}
	return nil
}
