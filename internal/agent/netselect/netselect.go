// Package netselect chooses which of the two configured server addresses
// (primary LAN, fallback VPN) the agent connects to. The choice is cached
// with a TTL and invalidated when the local network changes.
package netselect

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/agent/state"
	"github.com/openfleet/openfleet/internal/common/logger"
)

const (
	probeTimeout = 3 * time.Second
	cacheTTL     = 7 * 24 * time.Hour
)

// Dialer probes a TCP address. Swappable in tests.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Fingerprinter reports the current network fingerprint.
type Fingerprinter func() state.Network

// Selector picks the reachable server address.
type Selector struct {
	primary  string
	fallback string
	port     int

	state       *state.Store
	dial        Dialer
	fingerprint Fingerprinter
	now         func() time.Time
	logger      *logger.Logger
}

// New creates a selector over the two candidate addresses.
func New(primary, fallback string, port int, st *state.Store, fp Fingerprinter, log *logger.Logger) *Selector {
	d := &net.Dialer{Timeout: probeTimeout}
	return &Selector{
		primary:     primary,
		fallback:    fallback,
		port:        port,
		state:       st,
		dial:        d.DialContext,
		fingerprint: fp,
		now:         time.Now,
		logger:      log,
	}
}

// Select returns the server address to connect to. A fresh cached choice
// on an unchanged network is reused; otherwise primary then fallback are
// probed with a 3 s TCP connect. When both fail the cached (or primary)
// address is returned anyway so the connect cycle retries it.
func (s *Selector) Select(ctx context.Context) string {
	cur := s.state.Get()
	fp := s.fingerprint()

	if cur.ActiveIP != "" && cur.LastProbeAt != nil &&
		s.now().Sub(*cur.LastProbeAt) < cacheTTL &&
		cur.LastNetwork != nil && *cur.LastNetwork == fp {
		return cur.ActiveIP
	}

	for _, candidate := range []string{s.primary, s.fallback} {
		if candidate == "" {
			continue
		}
		if s.probe(ctx, candidate) {
			s.persist(candidate, fp)
			return candidate
		}
	}

	s.logger.Warn("no server address reachable, keeping previous choice",
		zap.String("primary", s.primary),
		zap.String("fallback", s.fallback))
	if cur.ActiveIP != "" {
		return cur.ActiveIP
	}
	return s.primary
}

// Invalidate clears the cached choice so the next Select re-probes. Call
// after a WebSocket disconnect or an observed network change.
func (s *Selector) Invalidate() {
	if err := s.state.Update(func(st *state.State) {
		st.LastProbeAt = nil
	}); err != nil {
		s.logger.Warn("failed to invalidate server cache", zap.Error(err))
	}
}

func (s *Selector) probe(ctx context.Context, host string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", s.port))
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		s.logger.Debug("probe failed", zap.String("addr", addr), zap.Error(err))
		return false
	}
	_ = conn.Close()
	return true
}

func (s *Selector) persist(host string, fp state.Network) {
	now := s.now().UTC()
	if err := s.state.Update(func(st *state.State) {
		st.ActiveIP = host
		st.LastProbeAt = &now
		st.LastNetwork = &fp
	}); err != nil {
		s.logger.Warn("failed to persist server choice", zap.Error(err))
	}
	s.logger.Info("selected server address", zap.String("host", host))
}
