package client

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/agent/heartbeat"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
	"github.com/openfleet/openfleet/pkg/wire"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second

	// The server pings every 30 s; two missed pings end the session.
	readWait = 65 * time.Second

	maxMessageSize = 512 * 1024
)

// runSession dials the WebSocket, then reads and dispatches frames until
// the connection drops or ctx is cancelled.
func (c *Client) runSession(ctx context.Context, wsURL string) error {
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL+"?token="+c.cfg.Token, nil)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	// Close the socket when ctx ends so the blocking read returns.
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	go c.heartbeatLoop(sessionCtx)

	c.logger.Info("session open", zap.String("url", wsURL))
	for {
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, wire.CloseBadToken) {
				c.logger.Error("session rejected: invalid token")
			}
			return fmt.Errorf("session closed: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		c.handleMessage(sessionCtx, &msg)
	}
}

// send writes one frame to the open session.
func (c *Client) send(msg *wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *Client) handleMessage(ctx context.Context, msg *wire.Message) {
	switch msg.Type {
	case wire.TypeRunTask:
		var p wire.RunTaskPayload
		if err := msg.ParseData(&p); err != nil || p.TaskID == "" {
			c.logger.Warn("malformed run_task", zap.Error(err))
			return
		}
		go c.executeAndReport(ctx, p.TaskID, v1.ScriptType(p.ScriptType), p.ScriptBody)

	case wire.TypeScheduleTask:
		var t v1.CachedTask
		if err := msg.ParseData(&t); err != nil || t.TaskID == "" {
			c.logger.Warn("malformed schedule_task", zap.Error(err))
			return
		}
		if err := c.cache.Upsert(t); err != nil {
			c.logger.Warn("failed to cache task", zap.Error(err))
		}

	case wire.TypeCancelTask:
		var p wire.CancelTaskPayload
		if err := msg.ParseData(&p); err != nil || p.TaskID == "" {
			c.logger.Warn("malformed cancel_task", zap.Error(err))
			return
		}
		if err := c.cache.MarkCancelled(p.TaskID); err != nil {
			c.logger.Warn("failed to mark task cancelled", zap.Error(err))
		}

	case wire.TypeUpdatePolicy:
		var p v1.Policy
		if err := msg.ParseData(&p); err != nil {
			c.logger.Warn("malformed update_policy", zap.Error(err))
			return
		}
		c.setPolicy(p)
		c.logger.Info("policy updated")

	case wire.TypeDiskScanRequest:
		go c.sendDiskScan(ctx)

	default:
		c.logger.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// executeAndReport runs one script and streams its output and result
// over the session. Push-delivered tasks run immediately with no pre-run
// confirmation; the operator just asked for them.
func (c *Client) executeAndReport(ctx context.Context, taskID string, scriptType v1.ScriptType, body string) {
	log := c.logger.WithTaskID(taskID)
	log.Info("running task", zap.String("script_type", string(scriptType)))

	res := c.exec.Run(ctx, scriptType, body, func(chunk string, progress int) {
		if err := c.send(wire.NewTaskOutput(taskID, chunk, progress)); err != nil {
			log.Debug("failed to stream output", zap.Error(err))
		}
	})

	msg, err := wire.New(wire.TypeTaskResult, wire.TaskResultPayload{
		TaskID:    taskID,
		ExitCode:  res.ExitCode,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		StartedAt: res.StartedAt.Format(time.RFC3339),
	})
	if err != nil {
		log.Error("failed to encode task result", zap.Error(err))
		return
	}
	if err := c.send(msg); err != nil {
		log.Warn("failed to report task result", zap.Error(err))
		return
	}
	log.Info("task finished", zap.Int("exit_code", res.ExitCode))
}

func (c *Client) sendDiskScan(ctx context.Context) {
	entries := c.collector.DiskScan(ctx)
	payload := wire.DiskScanPayload{}
	for _, e := range entries {
		payload.Entries = append(payload.Entries, wire.DiskScanEntry{
			Path:    e.Path,
			Size:    e.Size,
			Total:   e.Total,
			Percent: e.Percent,
			Type:    e.Type,
		})
	}
	msg, err := wire.New(wire.TypeDiskScan, payload)
	if err != nil {
		c.logger.Error("failed to encode disk scan", zap.Error(err))
		return
	}
	if err := c.send(msg); err != nil {
		c.logger.Warn("failed to send disk scan", zap.Error(err))
	}
}

func (c *Client) sendHardwareReport(ctx context.Context) {
	report := c.collector.HardwareReport(ctx)
	msg, err := wire.New(wire.TypeHardwareReport, report)
	if err != nil {
		c.logger.Error("failed to encode hardware report", zap.Error(err))
		return
	}
	if err := c.send(msg); err != nil {
		c.logger.Warn("failed to send hardware report", zap.Error(err))
	}
}

// heartbeatLoop pushes telemetry for the lifetime of one session,
// recomputing the cadence from the policy and battery state after every
// send.
func (c *Client) heartbeatLoop(ctx context.Context) {
	for {
		snap := c.collector.Snapshot(ctx)
		msg, err := wire.New(wire.TypeHeartbeat, snap)
		if err != nil {
			c.logger.Error("failed to encode heartbeat", zap.Error(err))
			return
		}
		if err := c.send(msg); err != nil {
			return
		}

		interval := heartbeat.Interval(c.Policy(), snap.BatteryLevel, snap.BatteryCharging)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
