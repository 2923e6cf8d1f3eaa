package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenGeneratesDeviceID(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, s.DeviceID())

	// The identity is persisted immediately.
	reopened, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, s.DeviceID(), reopened.DeviceID())
}

func TestUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Update(func(st *State) {
		st.ActiveIP = "10.0.0.5"
		st.LastProbeAt = &now
		st.LastNetwork = &Network{LocalIP: "192.168.1.10", SSID: "office"}
	}))

	reopened, err := Open(dir)
	require.NoError(t, err)
	cur := reopened.Get()
	assert.Equal(t, "10.0.0.5", cur.ActiveIP)
	require.NotNil(t, cur.LastProbeAt)
	assert.Equal(t, now, *cur.LastProbeAt)
	require.NotNil(t, cur.LastNetwork)
	assert.Equal(t, "office", cur.LastNetwork.SSID)
}

func TestOpenCorruptFileStartsOver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("not json"), 0o600))

	s, err := Open(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, s.DeviceID())
}

func TestOpenFillsMissingDeviceID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte(`{"active_ip":"10.0.0.5"}`), 0o600))

	s, err := Open(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, s.DeviceID())
	assert.Equal(t, "10.0.0.5", s.Get().ActiveIP)
}
