package services

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type fleetMetrics struct {
	once          sync.Once
	commands      metric.Int64Counter
	results       metric.Int64Counter
	redeliveries  metric.Int64Counter
	orders        metric.Int64Counter
	alarms        metric.Int64Counter
	stateChanges  metric.Int64Counter
	materialStale metric.Int64Counter
}

var fm fleetMetrics

func (m *fleetMetrics) init() {
	m.once.Do(func() {
		meter := otel.Meter("coffee-fleet.backend")
		m.commands, _ = meter.Int64Counter("fleet_commands_dispatched_total",
			metric.WithDescription("Commands created by batch dispatch"))
		m.results, _ = meter.Int64Counter("fleet_command_results_total",
			metric.WithDescription("Command results reported by devices, by outcome"))
		m.redeliveries, _ = meter.Int64Counter("fleet_command_redeliveries_total",
			metric.WithDescription("Commands re-queued or failed by the delivery timeout checker"))
		m.orders, _ = meter.Int64Counter("fleet_orders_total",
			metric.WithDescription("Orders ingested, by replay flag"))
		m.alarms, _ = meter.Int64Counter("fleet_alarms_total",
			metric.WithDescription("Alarm open and clear transitions"))
		m.stateChanges, _ = meter.Int64Counter("fleet_device_state_changes_total",
			metric.WithDescription("Announced device state transitions"))
		m.materialStale, _ = meter.Int64Counter("fleet_material_reports_stale_total",
			metric.WithDescription("Bin readings ignored because a newer one was already applied"))
	})
}

func add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

func recordDispatched(ctx context.Context, commandType string, n int) {
	fm.init()
	add(ctx, fm.commands, int64(n), attribute.String("type", commandType))
}

func recordResult(ctx context.Context, outcome string) {
	fm.init()
	add(ctx, fm.results, 1, attribute.String("outcome", outcome))
}

func recordRedelivery(ctx context.Context, action string) {
	fm.init()
	add(ctx, fm.redeliveries, 1, attribute.String("action", action))
}

func recordOrder(ctx context.Context, duplicate bool) {
	fm.init()
	add(ctx, fm.orders, 1, attribute.Bool("duplicate", duplicate))
}

func recordAlarm(ctx context.Context, category, action string) {
	fm.init()
	add(ctx, fm.alarms, 1, attribute.String("category", category), attribute.String("action", action))
}

func recordStateChange(ctx context.Context, state string) {
	fm.init()
	add(ctx, fm.stateChanges, 1, attribute.String("state", state))
}

func recordStaleMaterial(ctx context.Context, n int) {
	fm.init()
	add(ctx, fm.materialStale, int64(n))
}
