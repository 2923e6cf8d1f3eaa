// Package registry tracks live agent sessions. It enforces at most one
// session per device and routes push messages to connected agents.
package registry

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/common/logger"
	"github.com/openfleet/openfleet/internal/metrics"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
	"github.com/openfleet/openfleet/pkg/wire"
)

var (
	// ErrNotConnected is returned when no session exists for the device.
	ErrNotConnected = errors.New("agent not connected")

	// ErrSlowAgent is returned by Session.Send when the writer buffer is
	// congested and the message was dropped.
	ErrSlowAgent = errors.New("push dropped: agent slow")
)

// Session is a live agent connection as seen by the registry. Send must
// not block indefinitely: congested sessions drop the message and return
// ErrSlowAgent.
type Session interface {
	DeviceID() string
	Platform() v1.Platform
	Send(msg *wire.Message) error
	Close()
}

// Registry is the in-memory map of connected agents.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	logger   *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		logger:   log,
	}
}

// Register stores the session as the device's current connection. Any
// previous session for the same device is closed first; its deferred
// unregister becomes a no-op because the stored session has changed.
func (r *Registry) Register(s Session) {
	r.mu.Lock()
	prev, hadPrev := r.sessions[s.DeviceID()]
	r.sessions[s.DeviceID()] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if hadPrev && prev != s {
		r.logger.Info("replacing existing agent session",
			zap.String("device_id", s.DeviceID()))
		prev.Close()
	}
	metrics.OnlineAgents.Set(float64(count))
	r.logger.Info("agent session registered",
		zap.String("device_id", s.DeviceID()),
		zap.String("platform", string(s.Platform())),
		zap.Int("online", count))
}

// Unregister removes the session only if it is still the one stored for
// the device. A session replaced by a newer connection must not evict its
// replacement on teardown.
func (r *Registry) Unregister(s Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[s.DeviceID()]
	if !ok || current != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.DeviceID())
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.OnlineAgents.Set(float64(count))
	r.logger.Info("agent session unregistered",
		zap.String("device_id", s.DeviceID()),
		zap.Int("online", count))
	return true
}

// Get returns the current session for a device.
func (r *Registry) Get(deviceID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// IsOnline reports whether the device has a live session.
func (r *Registry) IsOnline(deviceID string) bool {
	_, ok := r.Get(deviceID)
	return ok
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Devices returns the device ids of all connected agents.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// SendOne delivers a message to a single device. ErrNotConnected means no
// session exists; ErrSlowAgent means the session dropped the message.
func (r *Registry) SendOne(deviceID string, msg *wire.Message) error {
	s, ok := r.Get(deviceID)
	if !ok {
		return ErrNotConnected
	}
	if err := s.Send(msg); err != nil {
		metrics.PushesDroppedTotal.Inc()
		r.logger.Warn("push dropped",
			zap.String("device_id", deviceID),
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		return err
	}
	return nil
}

// SendAll delivers a message to every connected agent, optionally filtered
// by platform. It returns the device ids that accepted the message; slow
// sessions are skipped, not waited on.
func (r *Registry) SendAll(platform v1.Platform, msg *wire.Message) []string {
	r.mu.RLock()
	targets := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if platform != "" && s.Platform() != platform {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := make([]string, 0, len(targets))
	for _, s := range targets {
		if err := s.Send(msg); err != nil {
			metrics.PushesDroppedTotal.Inc()
			r.logger.Warn("push dropped",
				zap.String("device_id", s.DeviceID()),
				zap.String("type", string(msg.Type)),
				zap.Error(err))
			continue
		}
		delivered = append(delivered, s.DeviceID())
	}
	return delivered
}
