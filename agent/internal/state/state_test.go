package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectivityTransitions(t *testing.T) {
	t.Cleanup(func() { SetOffline(true) })

	assert.True(t, Conn.IsOffline(), "offline until the first round trip")
	assert.True(t, SetOffline(false))
	assert.False(t, SetOffline(false), "no change")
	assert.False(t, Conn.IsOffline())
	assert.True(t, SetOffline(true))
	assert.True(t, Current().Offline)
}

func TestCurrentSnapshot(t *testing.T) {
	SetDeviceID("D042")
	assert.Nil(t, Current().LastSync)

	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	SetLastSync(at)
	snap := Current()
	assert.Equal(t, "D042", snap.DeviceID)
	require.NotNil(t, snap.LastSync)
	assert.True(t, snap.LastSync.Equal(at))
}
