package netselect

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/openfleet/internal/agent/state"
	"github.com/openfleet/openfleet/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeDialer answers per-host: true means the probe succeeds.
func fakeDialer(reachable map[string]bool) Dialer {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if reachable[host] {
			c, s := net.Pipe()
			s.Close()
			return c, nil
		}
		return nil, errors.New("connection refused")
	}
}

func newTestSelector(t *testing.T, reachable map[string]bool) (*Selector, *state.Store) {
	t.Helper()
	st, err := state.Open(t.TempDir())
	require.NoError(t, err)

	fp := func() state.Network { return state.Network{LocalIP: "192.168.1.10", SSID: "office"} }
	s := New("10.0.0.1", "100.64.0.1", 8000, st, fp, testLogger(t))
	s.dial = fakeDialer(reachable)
	return s, st
}

func TestSelectPrimaryReachable(t *testing.T) {
	s, st := newTestSelector(t, map[string]bool{"10.0.0.1": true, "100.64.0.1": true})

	got := s.Select(context.Background())
	assert.Equal(t, "10.0.0.1", got)

	cur := st.Get()
	assert.Equal(t, "10.0.0.1", cur.ActiveIP)
	require.NotNil(t, cur.LastProbeAt)
	require.NotNil(t, cur.LastNetwork)
	assert.Equal(t, "office", cur.LastNetwork.SSID)
}

func TestSelectFallsBack(t *testing.T) {
	s, _ := newTestSelector(t, map[string]bool{"100.64.0.1": true})
	assert.Equal(t, "100.64.0.1", s.Select(context.Background()))
}

func TestSelectBothUnreachableKeepsCached(t *testing.T) {
	s, st := newTestSelector(t, nil)
	probed := time.Now().Add(-48 * time.Hour).UTC()
	require.NoError(t, st.Update(func(cur *state.State) {
		cur.ActiveIP = "100.64.0.1"
		cur.LastProbeAt = &probed
		// No LastNetwork, so the cache is stale and a probe is forced.
	}))

	assert.Equal(t, "100.64.0.1", s.Select(context.Background()))
}

func TestSelectBothUnreachableNoCacheReturnsPrimary(t *testing.T) {
	s, _ := newTestSelector(t, nil)
	assert.Equal(t, "10.0.0.1", s.Select(context.Background()))
}

func TestSelectUsesFreshCacheWithoutProbing(t *testing.T) {
	// Every probe would fail, so a returned fallback address proves the
	// cached choice was reused.
	s, st := newTestSelector(t, nil)
	probed := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, st.Update(func(cur *state.State) {
		cur.ActiveIP = "100.64.0.1"
		cur.LastProbeAt = &probed
		cur.LastNetwork = &state.Network{LocalIP: "192.168.1.10", SSID: "office"}
	}))

	assert.Equal(t, "100.64.0.1", s.Select(context.Background()))
}

func TestSelectExpiredCacheReprobes(t *testing.T) {
	s, st := newTestSelector(t, map[string]bool{"10.0.0.1": true})
	probed := time.Now().Add(-8 * 24 * time.Hour).UTC()
	require.NoError(t, st.Update(func(cur *state.State) {
		cur.ActiveIP = "100.64.0.1"
		cur.LastProbeAt = &probed
		cur.LastNetwork = &state.Network{LocalIP: "192.168.1.10", SSID: "office"}
	}))

	assert.Equal(t, "10.0.0.1", s.Select(context.Background()))
}

func TestSelectFingerprintChangeReprobes(t *testing.T) {
	s, st := newTestSelector(t, map[string]bool{"10.0.0.1": true})
	probed := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, st.Update(func(cur *state.State) {
		cur.ActiveIP = "100.64.0.1"
		cur.LastProbeAt = &probed
		cur.LastNetwork = &state.Network{LocalIP: "172.16.0.9", SSID: "home"}
	}))

	assert.Equal(t, "10.0.0.1", s.Select(context.Background()))
}

func TestInvalidateForcesReprobe(t *testing.T) {
	s, st := newTestSelector(t, map[string]bool{"10.0.0.1": true, "100.64.0.1": true})

	probed := time.Now().UTC()
	require.NoError(t, st.Update(func(cur *state.State) {
		cur.ActiveIP = "100.64.0.1"
		cur.LastProbeAt = &probed
		cur.LastNetwork = &state.Network{LocalIP: "192.168.1.10", SSID: "office"}
	}))
	assert.Equal(t, "100.64.0.1", s.Select(context.Background()))

	s.Invalidate()
	assert.Equal(t, "10.0.0.1", s.Select(context.Background()))
}
