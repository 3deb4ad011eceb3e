package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coffee-fleet/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reply(w http.ResponseWriter, status int, env protocol.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func okData(t *testing.T, v any) protocol.Envelope {
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return protocol.Envelope{OK: true, Data: raw}
}

func TestStatusDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/devices/D001/status", r.URL.Path)
		assert.Equal(t, "D001", r.Header.Get("X-Device-ID"))
		var rep protocol.StatusReport
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&rep))
		assert.Equal(t, "1.2.3", rep.Firmware)
		reply(w, http.StatusOK, okData(t, protocol.StatusResponse{State: "online"}))
	}))
	defer srv.Close()

	c := New(srv.URL, "D001", time.Second)
	resp, err := c.Status(context.Background(), protocol.StatusReport{Firmware: "1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, "online", resp.State)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   string
		check  func(error) bool
	}{
		{"bad request", http.StatusBadRequest, protocol.CodeInvalidArgument, IsPermanent},
		{"conflict", http.StatusConflict, protocol.CodeDeviceInactive, IsPermanent},
		{"unknown device", http.StatusNotFound, protocol.CodeDeviceNotFound, IsNotFound},
		{"unknown command", http.StatusNotFound, protocol.CodeCommandNotFound, IsPermanent},
		{"server error", http.StatusInternalServerError, protocol.CodeInternal, IsTransient},
		{"throttled", http.StatusTooManyRequests, "", IsTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reply(w, tc.status, protocol.Envelope{Error: &protocol.Error{Code: tc.code, Message: "nope"}})
			}))
			defer srv.Close()

			err := New(srv.URL, "D001", time.Second).Upload(context.Background(), UploadOrder, json.RawMessage(`{}`))
			require.Error(t, err)
			assert.True(t, tc.check(err), "got %v", err)
			assert.False(t, IsOffline(err))
		})
	}
}

func TestNonJSONGatewayErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := New(srv.URL, "D001", time.Second).Pending(context.Background())
	assert.True(t, IsTransient(err))
}

func TestUnreachableBackendIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "D001", time.Second).Pending(context.Background())
	require.Error(t, err)
	assert.True(t, IsOffline(err))
	assert.ErrorIs(t, err, ErrOffline)
}

func TestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL, "D001", 50*time.Millisecond).Pending(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err), "got %v", err)
}

func TestUploadUnknownKind(t *testing.T) {
	err := New("http://127.0.0.1:1", "D001", time.Second).Upload(context.Background(), "telemetry", nil)
	assert.True(t, IsPermanent(err))
}
