// Package client is the agent's connection layer: check-in, the
// WebSocket session, and the background loops that keep scheduled tasks
// firing while the server is unreachable.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/agent/cache"
	"github.com/openfleet/openfleet/internal/agent/confirm"
	"github.com/openfleet/openfleet/internal/agent/executor"
	"github.com/openfleet/openfleet/internal/agent/netselect"
	"github.com/openfleet/openfleet/internal/agent/state"
	"github.com/openfleet/openfleet/internal/agent/telemetry"
	"github.com/openfleet/openfleet/internal/common/config"
	"github.com/openfleet/openfleet/internal/common/logger"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

// reconnectInterval is the flat delay between connection cycles.
const reconnectInterval = 30 * time.Second

// ErrNotConnected is returned by send when no session is open.
var ErrNotConnected = errors.New("no active session")

// Client owns the agent's server connection and shared runtime state.
type Client struct {
	cfg       *config.AgentClientConfig
	state     *state.Store
	cache     *cache.Cache
	selector  *netselect.Selector
	confirmer *confirm.Confirmer
	exec      *executor.Executor
	collector *telemetry.Collector
	logger    *logger.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	policy v1.Policy
}

// New wires the client from its collaborators.
func New(
	cfg *config.AgentClientConfig,
	st *state.Store,
	c *cache.Cache,
	sel *netselect.Selector,
	cf *confirm.Confirmer,
	ex *executor.Executor,
	col *telemetry.Collector,
	log *logger.Logger,
) *Client {
	return &Client{
		cfg:       cfg,
		state:     st,
		cache:     c,
		selector:  sel,
		confirmer: cf,
		exec:      ex,
		collector: col,
		logger:    log.WithDeviceID(st.DeviceID()),
		policy:    v1.DefaultPolicy(),
	}
}

// Run is the connection cycle: pick a server, check in, hold the session
// until it drops, then wait a flat 30 s and start over. Returns only
// when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewConstantBackOff(reconnectInterval)
	for {
		err := c.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		interval := bo.NextBackOff()
		c.logger.Warn("connection cycle ended, retrying",
			zap.Error(err), zap.Duration("backoff", interval))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (c *Client) cycle(ctx context.Context) error {
	host := c.selector.Select(ctx)
	c.confirmer.SetBaseURL(c.cfg.ServerBaseURL(host))

	resp, err := c.checkin(ctx, host)
	if err != nil {
		c.selector.Invalidate()
		return err
	}

	c.setPolicy(resp.Policy)
	if err := c.cache.Replace(resp.ScheduledTasks); err != nil {
		c.logger.Warn("failed to persist task cache", zap.Error(err))
	}
	if resp.UpdateAvailable != "" {
		c.logger.Info("agent update available",
			zap.String("version", resp.UpdateAvailable),
			zap.Bool("auto_update", resp.AutoUpdate))
	}

	err = c.runSession(ctx, resp.WebsocketURL)
	// A dropped session may mean the network moved under us.
	c.selector.Invalidate()
	return err
}

func (c *Client) setPolicy(p v1.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

// Policy returns the currently active check-in policy.
func (c *Client) Policy() v1.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}
