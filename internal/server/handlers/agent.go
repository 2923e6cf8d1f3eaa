// Package handlers exposes the HTTP API: the agent check-in endpoint and
// the dashboard surface for devices, tasks, policies, and logs.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/common/config"
	"github.com/openfleet/openfleet/internal/common/logger"
	"github.com/openfleet/openfleet/internal/server/dispatch"
	"github.com/openfleet/openfleet/internal/server/store"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

// AgentHandler serves the agent-facing HTTP endpoints.
type AgentHandler struct {
	server config.ServerConfig
	agent  config.AgentConfig
	store  store.Store
	logger *logger.Logger
}

// NewAgentHandler creates the agent endpoint handler.
func NewAgentHandler(server config.ServerConfig, agent config.AgentConfig, st store.Store, log *logger.Logger) *AgentHandler {
	return &AgentHandler{server: server, agent: agent, store: st, logger: log}
}

// RegisterRoutes attaches the agent routes.
func (h *AgentHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/api/agent/checkin", h.handleCheckin)
}

func (h *AgentHandler) handleCheckin(c *gin.Context) {
	if c.GetHeader("X-Agent-Token") != h.agent.Token {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid agent token"})
		return
	}

	var req v1.CheckinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
		return
	}

	ctx := c.Request.Context()
	device, err := h.store.UpsertDevice(ctx, &v1.Device{
		DeviceID:     req.DeviceID,
		Hostname:     req.Hostname,
		Platform:     req.Platform,
		OSInfo:       req.OSInfo,
		IPAddress:    req.IPAddress,
		AgentVersion: req.AgentVersion,
	})
	if err != nil {
		h.logger.Error("check-in upsert failed",
			zap.String("device_id", req.DeviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}
	if err := h.store.UpdateTelemetry(ctx, device.DeviceID, req.TelemetrySnapshot); err != nil {
		h.logger.Warn("check-in telemetry update failed",
			zap.String("device_id", req.DeviceID), zap.Error(err))
	}

	policy, err := h.store.GetPolicyFor(ctx, device.DeviceID)
	if err != nil {
		h.logger.Error("check-in policy lookup failed",
			zap.String("device_id", req.DeviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load policy"})
		return
	}

	tasks, err := h.store.ListScheduledTasks(ctx)
	if err != nil {
		h.logger.Error("check-in task listing failed",
			zap.String("device_id", req.DeviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load scheduled tasks"})
		return
	}
	cached := make([]v1.CachedTask, 0, len(tasks))
	for _, t := range tasks {
		if !taskTargetsDevice(t, device) {
			continue
		}
		cached = append(cached, dispatch.ToCachedTask(t))
	}

	resp := v1.CheckinResponse{
		DeviceID:       device.DeviceID,
		Registered:     true,
		Policy:         *policy,
		WebsocketURL:   fmt.Sprintf("ws://%s:%d/ws/agent/%s", h.server.PublicIP, h.server.Port, device.DeviceID),
		ScheduledTasks: cached,
	}
	if h.agent.LatestVersion != "" && h.agent.LatestVersion != req.AgentVersion {
		resp.UpdateAvailable = h.agent.LatestVersion
		resp.AutoUpdate = h.agent.AutoUpdate
	}

	h.logger.Info("agent checked in",
		zap.String("device_id", device.DeviceID),
		zap.String("platform", string(device.Platform)),
		zap.Int("scheduled_tasks", len(cached)))
	c.JSON(http.StatusOK, resp)
}

// taskTargetsDevice reports whether a scheduled task belongs in this
// device's cache.
func taskTargetsDevice(t *v1.Task, d *v1.Device) bool {
	if t.TargetType == v1.TargetDevice {
		return t.TargetID == d.DeviceID
	}
	return t.TargetPlatform == "" || t.TargetPlatform == d.Platform
}
