// Package session owns the server side of an agent WebSocket connection:
// the upgrade handshake, the read/write pumps, and the inbound message
// handlers that persist agent state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/common/logger"
	"github.com/openfleet/openfleet/internal/metrics"
	"github.com/openfleet/openfleet/internal/server/registry"
	"github.com/openfleet/openfleet/internal/server/store"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
	"github.com/openfleet/openfleet/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Ping cadence; the peer must answer before the next ping plus slack.
	pingPeriod = 30 * time.Second

	// Pongs may arrive up to this long after a ping before the read side
	// gives up on the connection.
	pongWait = pingPeriod + 10*time.Second

	// Maximum inbound frame size. Results are capped well below this; the
	// limit guards against a misbehaving agent.
	maxMessageSize = 512 * 1024

	// How long Send waits for room in the writer buffer before dropping.
	enqueueTimeout = time.Second
)

// Session is one live agent connection. It implements registry.Session.
type Session struct {
	deviceID string
	platform v1.Platform

	conn  *websocket.Conn
	send  chan *wire.Message
	done  chan struct{}
	store store.Store
	reg   *registry.Registry
	log   *logger.Logger
}

// New wraps an upgraded connection. bufSize bounds the writer channel.
func New(deviceID string, platform v1.Platform, conn *websocket.Conn, st store.Store, reg *registry.Registry, bufSize int, log *logger.Logger) *Session {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Session{
		deviceID: deviceID,
		platform: platform,
		conn:     conn,
		send:     make(chan *wire.Message, bufSize),
		done:     make(chan struct{}),
		store:    st,
		reg:      reg,
		log:      log.WithDeviceID(deviceID),
	}
}

func (s *Session) DeviceID() string      { return s.deviceID }
func (s *Session) Platform() v1.Platform { return s.platform }

// Send enqueues a message for the write pump. A congested session drops
// the message after enqueueTimeout and reports ErrSlowAgent; a closed one
// reports ErrNotConnected.
func (s *Session) Send(msg *wire.Message) error {
	select {
	case <-s.done:
		return registry.ErrNotConnected
	default:
	}

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return registry.ErrNotConnected
	case <-timer.C:
		return registry.ErrSlowAgent
	}
}

// Close tears down the transport. The read pump observes the closed
// connection and runs the usual unregister path.
func (s *Session) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "replaced"),
		time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// Run registers the session and blocks pumping messages until the
// connection drops. On return the session is unregistered and the device
// marked offline, unless a replacement session took over in the meantime.
func (s *Session) Run(ctx context.Context) {
	s.reg.Register(s)
	if err := s.store.SetStatus(ctx, s.deviceID, v1.DeviceOnline); err != nil {
		s.log.Warn("failed to mark device online", zap.Error(err))
	}

	go s.writePump()
	s.readPump(ctx)

	close(s.done)
	_ = s.conn.Close()

	if s.reg.Unregister(s) {
		if err := s.store.SetStatus(ctx, s.deviceID, v1.DeviceOffline); err != nil {
			s.log.Warn("failed to mark device offline", zap.Error(err))
		}
	}
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Error("session read error", zap.Error(err))
			}
			return
		}

		var msg wire.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		metrics.SessionMessagesTotal.WithLabelValues(string(msg.Type)).Inc()
		if err := s.handleMessage(ctx, &msg); err != nil {
			// Handler failures do not take the session down.
			s.log.Error("failed to handle message",
				zap.String("type", string(msg.Type)),
				zap.Error(err))
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg *wire.Message) error {
	switch msg.Type {
	case wire.TypeHeartbeat:
		return s.handleHeartbeat(ctx, msg)
	case wire.TypeTaskResult:
		return s.handleTaskResult(ctx, msg)
	case wire.TypeTaskOutput:
		return s.handleTaskOutput(ctx, msg)
	case wire.TypeLog:
		return s.handleLog(ctx, msg)
	case wire.TypeDiskScan:
		return s.handleDiskScan(ctx, msg)
	case wire.TypeHardwareReport:
		return s.handleHardwareReport(ctx, msg)
	default:
		s.log.Debug("ignoring unknown message type", zap.String("type", string(msg.Type)))
		return nil
	}
}

func (s *Session) handleHeartbeat(ctx context.Context, msg *wire.Message) error {
	var t v1.TelemetrySnapshot
	if err := msg.ParseData(&t); err != nil {
		return fmt.Errorf("invalid heartbeat payload: %w", err)
	}
	return s.store.UpdateTelemetry(ctx, s.deviceID, t)
}

func (s *Session) handleTaskResult(ctx context.Context, msg *wire.Message) error {
	var p wire.TaskResultPayload
	if err := msg.ParseData(&p); err != nil {
		return fmt.Errorf("invalid task_result payload: %w", err)
	}
	if p.TaskID == "" {
		return fmt.Errorf("task_result without task_id")
	}

	now := time.Now().UTC()
	result := &v1.TaskResult{
		TaskID:      p.TaskID,
		DeviceID:    s.deviceID,
		ExitCode:    &p.ExitCode,
		Stdout:      p.Stdout,
		Stderr:      p.Stderr,
		Progress:    100,
		Status:      resultStatus(p),
		CompletedAt: &now,
	}
	if p.StartedAt != "" {
		if started, err := time.Parse(time.RFC3339, p.StartedAt); err == nil {
			result.StartedAt = &started
		}
	}
	s.log.Info("task result received",
		zap.String("task_id", p.TaskID),
		zap.Int("exit_code", p.ExitCode),
		zap.String("status", string(result.Status)))
	return s.store.UpsertTaskResult(ctx, result)
}

// resultStatus classifies a finished execution: exit 0 completed, the
// executor's timeout marker timeout, anything else failed.
func resultStatus(p wire.TaskResultPayload) v1.ResultStatus {
	switch {
	case p.ExitCode == 0:
		return v1.ResultCompleted
	case p.ExitCode == -1 && strings.Contains(p.Stderr, "Task timed out after"):
		return v1.ResultTimeout
	default:
		return v1.ResultFailed
	}
}

func (s *Session) handleTaskOutput(ctx context.Context, msg *wire.Message) error {
	if msg.TaskID == "" {
		return fmt.Errorf("task_output without task_id")
	}
	err := s.store.AppendTaskOutput(ctx, msg.TaskID, s.deviceID, msg.Output, msg.Progress)
	if errors.Is(err, store.ErrResultNotFound) {
		// Output for a task we no longer track; nothing to append to.
		s.log.Debug("output for unknown result", zap.String("task_id", msg.TaskID))
		return nil
	}
	return err
}

func (s *Session) handleLog(ctx context.Context, msg *wire.Message) error {
	var p wire.LogPayload
	if err := msg.ParseData(&p); err != nil {
		return fmt.Errorf("invalid log payload: %w", err)
	}
	if p.Level == "" {
		p.Level = "info"
	}
	return s.store.AppendLog(ctx, &v1.LogEntry{
		DeviceID: s.deviceID,
		Level:    p.Level,
		Message:  p.Message,
		Source:   "agent",
	})
}

func (s *Session) handleDiskScan(ctx context.Context, msg *wire.Message) error {
	var p wire.DiskScanPayload
	if err := msg.ParseData(&p); err != nil {
		return fmt.Errorf("invalid disk_scan payload: %w", err)
	}
	entries := make([]v1.DiskScanEntry, 0, len(p.Entries))
	for _, e := range p.Entries {
		entries = append(entries, v1.DiskScanEntry{
			Path: e.Path, Size: e.Size, Total: e.Total, Percent: e.Percent, Type: e.Type,
		})
	}
	return s.store.SaveDiskScan(ctx, s.deviceID, entries)
}

func (s *Session) handleHardwareReport(ctx context.Context, msg *wire.Message) error {
	var hw v1.HardwareReport
	if err := msg.ParseData(&hw); err != nil {
		return fmt.Errorf("invalid hardware_report payload: %w", err)
	}
	return s.store.SaveHardwareReport(ctx, s.deviceID, hw)
}
