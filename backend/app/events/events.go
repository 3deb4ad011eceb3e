// Package events publishes device state and alarm changes to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coffee-fleet/backend/app/models"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	SubjectDeviceState  = "fleet.device.state"
	SubjectAlarmOpened  = "fleet.alarm.opened"
	SubjectAlarmCleared = "fleet.alarm.cleared"
)

// Event is a CloudEvents-shaped envelope.
type Event struct {
	SpecVersion     string    `json:"specversion"`
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Type            string    `json:"type"`
	Subject         string    `json:"subject"`
	DataContentType string    `json:"datacontenttype"`
	Time            time.Time `json:"time"`
	Data            any       `json:"data"`
}

type DeviceStateData struct {
	DeviceID      string             `json:"device_id"`
	PreviousState models.DeviceState `json:"previous_state"`
	CurrentState  models.DeviceState `json:"current_state"`
	LastHeartbeat *time.Time         `json:"last_heartbeat,omitempty"`
}

type AlarmData struct {
	AlarmID  uint                 `json:"alarm_id"`
	DeviceID string               `json:"device_id"`
	Category models.AlarmCategory `json:"category"`
	Severity string               `json:"severity"`
	Title    string               `json:"title"`
}

// Publisher is safe to use as a nil pointer; publishing is then a no-op.
type Publisher struct {
	js     jetstream.JetStream
	source string
	now    func() time.Time
}

func NewPublisher(js jetstream.JetStream, source string) *Publisher {
	return &Publisher{js: js, source: source, now: func() time.Time { return time.Now().UTC() }}
}

// Connect dials NATS and makes sure the stream exists.
func Connect(ctx context.Context, url, stream string) (*Publisher, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("coffee-fleet-backend"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.Stream(ctx, stream); err != nil {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     stream,
			Subjects: []string{"fleet.>"},
		})
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("create stream %s: %w", stream, err)
		}
	}
	return NewPublisher(js, "coffee-fleet/backend"), nc, nil
}

func (p *Publisher) publish(ctx context.Context, subject, typ string, data any) error {
	if p == nil || p.js == nil {
		return nil
	}
	ev := Event{
		SpecVersion:     "1.0",
		ID:              uuid.NewString(),
		Source:          p.source,
		Type:            typ,
		Subject:         subject,
		DataContentType: "application/json",
		Time:            p.now(),
		Data:            data,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", typ, err)
	}
	if _, err := p.js.Publish(ctx, subject, b); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// OnDeviceStateChange satisfies the device service listener contract.
func (p *Publisher) OnDeviceStateChange(ctx context.Context, d *models.Device, prev, next models.DeviceState) error {
	return p.publish(ctx, SubjectDeviceState, "fleet.device.state_changed", DeviceStateData{
		DeviceID:      d.DeviceID,
		PreviousState: prev,
		CurrentState:  next,
		LastHeartbeat: d.LastHeartbeatAt,
	})
}

func (p *Publisher) AlarmOpened(ctx context.Context, a *models.Alarm) error {
	return p.publish(ctx, SubjectAlarmOpened, "fleet.alarm.opened", alarmData(a))
}

func (p *Publisher) AlarmCleared(ctx context.Context, a *models.Alarm) error {
	return p.publish(ctx, SubjectAlarmCleared, "fleet.alarm.cleared", alarmData(a))
}

func alarmData(a *models.Alarm) AlarmData {
	return AlarmData{AlarmID: a.ID, DeviceID: a.DeviceID, Category: a.Category, Severity: a.Severity, Title: a.Title}
}
