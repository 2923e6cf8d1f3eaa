package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/common/logger"
	"github.com/openfleet/openfleet/internal/events/bus"
	"github.com/openfleet/openfleet/internal/server/dispatch"
	"github.com/openfleet/openfleet/internal/server/registry"
	"github.com/openfleet/openfleet/internal/server/store"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

// DashboardHandler serves the operator-facing API.
type DashboardHandler struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewDashboardHandler creates the dashboard API handler.
func NewDashboardHandler(st store.Store, d *dispatch.Dispatcher, reg *registry.Registry, b bus.EventBus, log *logger.Logger) *DashboardHandler {
	return &DashboardHandler{store: st, dispatcher: d, registry: reg, bus: b, logger: log}
}

// RegisterRoutes attaches the dashboard routes.
func (h *DashboardHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/health", h.handleHealth)

	api := router.Group("/api/dashboard")
	{
		api.POST("/tasks", h.handleCreateTask)
		api.GET("/tasks", h.handleListTasks)
		api.GET("/tasks/:id", h.handleGetTask)
		api.POST("/tasks/:id/dispatch", h.handleDispatchTask)
		api.POST("/tasks/:id/cancel", h.handleCancelTask)
		api.DELETE("/tasks/:id", h.handleDeleteTask)
		api.GET("/tasks/:id/results", h.handleTaskResults)

		api.GET("/devices", h.handleListDevices)
		api.GET("/devices/:id", h.handleGetDevice)
		api.PATCH("/devices/:id", h.handlePatchDevice)
		api.DELETE("/devices/:id", h.handleDeleteDevice)
		api.POST("/devices/:id/scan", h.handleRequestScan)

		api.GET("/policies/default", h.handleGetDefaultPolicy)
		api.PUT("/policies/default", h.handlePutDefaultPolicy)
		api.PUT("/policies/device/:id", h.handlePutDevicePolicy)

		api.GET("/logs", h.handleListLogs)
	}
}

func (h *DashboardHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"agents_online": h.registry.Count(),
		"bus_connected": h.bus.IsConnected(),
	})
}

type createTaskRequest struct {
	Name            string `json:"name" binding:"required"`
	Description     string `json:"description"`
	ScriptType      string `json:"script_type" binding:"required"`
	ScriptBody      string `json:"script_body" binding:"required"`
	TargetType      string `json:"target_type"`
	TargetID        string `json:"target_id"`
	TargetPlatform  string `json:"target_platform"`
	TriggerType     string `json:"trigger_type"`
	ScheduledAt     string `json:"scheduled_at"`
	IntervalSeconds int    `json:"interval_seconds"`
	CronExpression  string `json:"cron_expression"`
	EventTrigger    string `json:"event_trigger"`
}

func (r *createTaskRequest) toTask() (*v1.Task, error) {
	t := &v1.Task{
		Name:            r.Name,
		Description:     r.Description,
		ScriptType:      v1.ScriptType(r.ScriptType),
		ScriptBody:      r.ScriptBody,
		TargetType:      v1.TargetType(r.TargetType),
		TargetID:        r.TargetID,
		TargetPlatform:  v1.Platform(r.TargetPlatform),
		TriggerType:     v1.TriggerType(r.TriggerType),
		IntervalSeconds: r.IntervalSeconds,
		CronExpression:  r.CronExpression,
		EventTrigger:    r.EventTrigger,
	}
	if t.TargetType == "" {
		t.TargetType = v1.TargetAll
	}
	if t.TriggerType == "" {
		t.TriggerType = v1.TriggerNow
	}
	if r.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, r.ScheduledAt)
		if err != nil {
			return nil, errors.New("scheduled_at must be RFC 3339")
		}
		utc := at.UTC()
		t.ScheduledAt = &utc
	}

	switch t.TriggerType {
	case v1.TriggerNow:
	case v1.TriggerOnce:
		if t.ScheduledAt == nil {
			return nil, errors.New("once trigger requires scheduled_at")
		}
	case v1.TriggerInterval:
		if t.IntervalSeconds <= 0 {
			return nil, errors.New("interval trigger requires interval_seconds > 0")
		}
	case v1.TriggerCron:
		if t.CronExpression == "" {
			return nil, errors.New("cron trigger requires cron_expression")
		}
	case v1.TriggerEvent:
		if t.EventTrigger == "" {
			return nil, errors.New("event trigger requires event_trigger")
		}
	default:
		return nil, errors.New("unknown trigger_type")
	}
	if t.TargetType == v1.TargetDevice && t.TargetID == "" {
		return nil, errors.New("device target requires target_id")
	}
	return t, nil
}

func (h *DashboardHandler) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := req.toTask()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.store.CreateTask(ctx, task); err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}

	dispatched := true
	if err := h.dispatcher.Dispatch(ctx, task); err != nil {
		if !errors.Is(err, dispatch.ErrNoTargets) {
			h.logger.Error("failed to dispatch task",
				zap.String("task_id", task.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dispatch task"})
			return
		}
		// No one online: the task stays pending for a later dispatch.
		dispatched = false
	} else {
		task.Status = v1.TaskDispatched
	}

	c.JSON(http.StatusCreated, gin.H{"task": task, "dispatched": dispatched})
}

func (h *DashboardHandler) handleListTasks(c *gin.Context) {
	tasks, err := h.store.ListTasks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *DashboardHandler) handleGetTask(c *gin.Context) {
	task, err := h.store.GetTask(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *DashboardHandler) handleDispatchTask(c *gin.Context) {
	ctx := c.Request.Context()
	task, err := h.store.GetTask(ctx, c.Param("id"))
	if errors.Is(err, store.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get task"})
		return
	}

	switch err := h.dispatcher.Dispatch(ctx, task); {
	case errors.Is(err, dispatch.ErrNoTargets):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrCancelled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("failed to dispatch task",
			zap.String("task_id", task.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dispatch task"})
	default:
		c.JSON(http.StatusOK, gin.H{"dispatched": true})
	}
}

func (h *DashboardHandler) handleCancelTask(c *gin.Context) {
	err := h.dispatcher.Cancel(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to cancel task",
			zap.String("task_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (h *DashboardHandler) handleDeleteTask(c *gin.Context) {
	if err := h.store.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *DashboardHandler) handleTaskResults(c *gin.Context) {
	results, err := h.store.ListTaskResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list results"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *DashboardHandler) handleListDevices(c *gin.Context) {
	devices, err := h.store.ListDevices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *DashboardHandler) handleGetDevice(c *gin.Context) {
	device, err := h.store.GetDevice(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrDeviceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get device"})
		return
	}
	c.JSON(http.StatusOK, device)
}

type patchDeviceRequest struct {
	Label     *string  `json:"label"`
	GroupName *string  `json:"group_name"`
	Tags      []string `json:"tags"`
}

func (h *DashboardHandler) handlePatchDevice(c *gin.Context) {
	var req patchDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.store.UpdateDeviceMeta(c.Request.Context(), c.Param("id"), req.Label, req.GroupName, req.Tags)
	if errors.Is(err, store.ErrDeviceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update device"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (h *DashboardHandler) handleDeleteDevice(c *gin.Context) {
	if err := h.store.DeleteDevice(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete device"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *DashboardHandler) handleRequestScan(c *gin.Context) {
	deviceID := c.Param("id")
	if !h.registry.IsOnline(deviceID) {
		c.JSON(http.StatusConflict, gin.H{"error": "device is not connected"})
		return
	}
	if err := h.dispatcher.RequestDiskScan(c.Request.Context(), deviceID); err != nil {
		h.logger.Error("failed to request disk scan",
			zap.String("device_id", deviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to request scan"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requested": true})
}

func (h *DashboardHandler) handleGetDefaultPolicy(c *gin.Context) {
	policy, err := h.store.GetPolicyFor(c.Request.Context(), "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get policy"})
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (h *DashboardHandler) handlePutDefaultPolicy(c *gin.Context) {
	h.putPolicy(c, "")
}

func (h *DashboardHandler) handlePutDevicePolicy(c *gin.Context) {
	h.putPolicy(c, c.Param("id"))
}

func (h *DashboardHandler) putPolicy(c *gin.Context, deviceID string) {
	var policy v1.Policy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	policy.DeviceID = deviceID

	ctx := c.Request.Context()
	if err := h.store.UpsertPolicy(ctx, &policy); err != nil {
		h.logger.Error("failed to upsert policy",
			zap.String("device_id", deviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save policy"})
		return
	}
	// Live sessions pick the new intervals up immediately; everyone else
	// gets them at next check-in.
	if err := h.dispatcher.PushPolicy(ctx, deviceID, &policy); err != nil {
		h.logger.Warn("failed to push policy update",
			zap.String("device_id", deviceID), zap.Error(err))
	}
	c.JSON(http.StatusOK, policy)
}

func (h *DashboardHandler) handleListLogs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	logs, err := h.store.ListLogs(c.Request.Context(), c.Query("device_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
