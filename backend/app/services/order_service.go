package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coffee-fleet/backend/app/keylock"
	"coffee-fleet/backend/app/models"
	"coffee-fleet/backend/app/repo"
	"coffee-fleet/backend/global"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"gorm.io/gorm"
)

type OrderService struct {
	db        *gorm.DB
	orders    *repo.OrderRepository
	devices   *repo.DeviceRepository
	materials *MaterialService
	locks     keylock.Locker
	clock     clock.Clock
}

func NewOrderService(db *gorm.DB, orders *repo.OrderRepository, devices *repo.DeviceRepository, materials *MaterialService, locks keylock.Locker, clk clock.Clock) *OrderService {
	return &OrderService{db: db, orders: orders, devices: devices, materials: materials, locks: locks, clock: clk}
}

// RecordOrder stores an order once per (deviceID, localRef) and applies its
// material consumption once. A replay returns the stored order with
// duplicate set.
func (s *OrderService) RecordOrder(ctx context.Context, deviceID string, report protocol.OrderReport) (*models.Order, bool, error) {
	localRef := strings.TrimSpace(report.LocalRef)
	if localRef == "" {
		return nil, false, fmt.Errorf("%w: local_ref is required", ErrInvalidArgument)
	}
	if len(report.Items) == 0 {
		return nil, false, fmt.Errorf("%w: order has no items", ErrInvalidArgument)
	}
	for _, it := range report.Items {
		if it.Qty <= 0 {
			return nil, false, fmt.Errorf("%w: item %s has non-positive qty", ErrInvalidArgument, it.ProductID)
		}
	}
	if _, err := s.devices.FindByDeviceID(ctx, deviceID); errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, ErrDeviceNotFound
	} else if err != nil {
		return nil, false, err
	}

	unlock, err := s.locks.Lock(ctx, "order:"+deviceID+"|"+localRef)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	if existing, err := s.orders.FindByRef(ctx, deviceID, localRef); err == nil {
		recordOrder(ctx, true)
		return existing, true, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	order := buildOrder(deviceID, localRef, report, s.clock)
	usage := consumption(report.Items)

	unlockBins, err := s.locks.Lock(ctx, binLockKey(deviceID))
	if err != nil {
		return nil, false, err
	}
	var touched []models.DeviceBin
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orders.WithTx(tx).Create(ctx, order); err != nil {
			return err
		}
		var err error
		touched, err = s.materials.applyConsumption(ctx, tx, deviceID, usage)
		return err
	})
	unlockBins()
	if err != nil {
		// another replica may have committed the same ref first
		if existing, ferr := s.orders.FindByRef(ctx, deviceID, localRef); ferr == nil {
			recordOrder(ctx, true)
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("record order: %w", err)
	}

	recordOrder(ctx, false)
	global.Logger.Info().Str("device", deviceID).Str("ref", localRef).Float64("total", order.TotalPrice).Msg("order recorded")
	s.materials.notifyLevels(ctx, deviceID, touched)
	return order, false, nil
}

func buildOrder(deviceID, localRef string, report protocol.OrderReport, clk clock.Clock) *models.Order {
	o := &models.Order{
		DeviceID:        deviceID,
		LocalRef:        localRef,
		TotalPrice:      report.TotalPrice,
		Currency:        report.Currency,
		PaymentMethod:   report.PaymentMethod,
		PaymentStatus:   report.PaymentStatus,
		DeviceCreatedAt: report.CreatedAt.UTC(),
	}
	if o.DeviceCreatedAt.IsZero() {
		o.DeviceCreatedAt = clk.Now()
	}
	var total float64
	for _, it := range report.Items {
		o.Items = append(o.Items, models.OrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Qty:       it.Qty,
			UnitPrice: it.UnitPrice,
			Materials: mustJSON(it.Materials),
		})
		total += float64(it.Qty) * it.UnitPrice
	}
	if o.TotalPrice == 0 {
		o.TotalPrice = total
	}
	return o
}

// consumption totals material usage per code across all items.
func consumption(items []protocol.OrderItem) map[string]float64 {
	out := map[string]float64{}
	for _, it := range items {
		for _, m := range it.Materials {
			if m.MaterialCode == "" || m.Amount <= 0 {
				continue
			}
			out[m.MaterialCode] += m.Amount * float64(it.Qty)
		}
	}
	return out
}
