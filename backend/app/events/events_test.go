package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"coffee-fleet/backend/app/models"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	body    []byte
}

type fakeJetStream struct {
	jetstream.JetStream
	msgs []published
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.msgs = append(f.msgs, published{subject: subject, body: payload})
	return &jetstream.PubAck{Sequence: uint64(len(f.msgs))}, nil
}

func TestPublishDeviceState(t *testing.T) {
	js := &fakeJetStream{}
	p := NewPublisher(js, "test")
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &models.Device{DeviceID: "D001", LastHeartbeatAt: &at}

	require.NoError(t, p.OnDeviceStateChange(context.Background(), d, models.StateOnline, models.StateOffline))
	require.Len(t, js.msgs, 1)
	assert.Equal(t, SubjectDeviceState, js.msgs[0].subject)

	var ev struct {
		Type string          `json:"type"`
		Data DeviceStateData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(js.msgs[0].body, &ev))
	assert.Equal(t, "fleet.device.state_changed", ev.Type)
	assert.Equal(t, "D001", ev.Data.DeviceID)
	assert.Equal(t, models.StateOffline, ev.Data.CurrentState)
}

func TestPublishAlarm(t *testing.T) {
	js := &fakeJetStream{}
	p := NewPublisher(js, "test")
	a := &models.Alarm{ID: 7, DeviceID: "D001", Category: models.AlarmOffline}
	require.NoError(t, p.AlarmOpened(context.Background(), a))
	require.NoError(t, p.AlarmCleared(context.Background(), a))
	require.Len(t, js.msgs, 2)
	assert.Equal(t, SubjectAlarmOpened, js.msgs[0].subject)
	assert.Equal(t, SubjectAlarmCleared, js.msgs[1].subject)
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.AlarmOpened(context.Background(), &models.Alarm{}))
}
