package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/openfleet/internal/common/config"
	"github.com/openfleet/openfleet/internal/common/logger"
	"github.com/openfleet/openfleet/internal/events/bus"
	"github.com/openfleet/openfleet/internal/server/dispatch"
	"github.com/openfleet/openfleet/internal/server/registry"
	"github.com/openfleet/openfleet/internal/server/store"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
	"github.com/openfleet/openfleet/pkg/wire"
)

type fixture struct {
	router *gin.Engine
	store  *store.MemoryStore
	reg    *registry.Registry
}

type fakeSession struct {
	deviceID string
	platform v1.Platform
}

func (f *fakeSession) DeviceID() string             { return f.deviceID }
func (f *fakeSession) Platform() v1.Platform        { return f.platform }
func (f *fakeSession) Close()                       {}
func (f *fakeSession) Send(msg *wire.Message) error { return nil }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	st := store.NewMemoryStore()
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	reg := registry.New(log)
	d := dispatch.New(st, b, log)

	router := gin.New()
	NewAgentHandler(
		config.ServerConfig{Host: "0.0.0.0", Port: 8000, PublicIP: "fleet.example.com"},
		config.AgentConfig{Token: "secret", LatestVersion: "2.0.0"},
		st, log,
	).RegisterRoutes(router)
	NewDashboardHandler(st, d, reg, b, log).RegisterRoutes(router)

	return &fixture{router: router, store: st, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func agentHeaders() map[string]string {
	return map[string]string{"X-Agent-Token": "secret"}
}

func TestCheckinRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/agent/checkin",
		v1.CheckinRequest{DeviceID: "dev-1"},
		map[string]string{"X-Agent-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckinRequiresDeviceID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/agent/checkin", v1.CheckinRequest{}, agentHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckinRegistersDevice(t *testing.T) {
	f := newFixture(t)
	req := v1.CheckinRequest{
		DeviceID:     "dev-1",
		AgentVersion: "1.0.0",
		Platform:     v1.PlatformLinux,
	}
	req.Hostname = "alpha"

	w := f.do(t, http.MethodPost, "/api/agent/checkin", req, agentHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var resp v1.CheckinResponse
	decode(t, w, &resp)
	assert.Equal(t, "dev-1", resp.DeviceID)
	assert.True(t, resp.Registered)
	assert.Equal(t, "ws://fleet.example.com:8000/ws/agent/dev-1", resp.WebsocketURL)
	assert.Equal(t, v1.DefaultPolicy().PluggedSeconds, resp.Policy.PluggedSeconds)
	assert.Equal(t, "2.0.0", resp.UpdateAvailable)

	d, err := f.store.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", d.Hostname)
}

func TestCheckinSeedsScheduledTasksForDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateTask(ctx, &v1.Task{
		ID: "mine", TargetType: v1.TargetDevice, TargetID: "dev-1",
		TriggerType: v1.TriggerInterval, IntervalSeconds: 60,
	}))
	require.NoError(t, f.store.CreateTask(ctx, &v1.Task{
		ID: "other", TargetType: v1.TargetDevice, TargetID: "dev-2",
		TriggerType: v1.TriggerInterval, IntervalSeconds: 60,
	}))
	require.NoError(t, f.store.CreateTask(ctx, &v1.Task{
		ID: "windows-only", TargetType: v1.TargetAll, TargetPlatform: v1.PlatformWindows,
		TriggerType: v1.TriggerCron, CronExpression: "0 8 * * *",
	}))

	req := v1.CheckinRequest{DeviceID: "dev-1", Platform: v1.PlatformLinux}
	w := f.do(t, http.MethodPost, "/api/agent/checkin", req, agentHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var resp v1.CheckinResponse
	decode(t, w, &resp)
	require.Len(t, resp.ScheduledTasks, 1)
	assert.Equal(t, "mine", resp.ScheduledTasks[0].TaskID)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&fakeSession{deviceID: "dev-1"})

	w := f.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(1), resp["agents_online"])
	assert.Equal(t, true, resp["bus_connected"])
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"script_type": "shell", "script_body": "x"}},
		{"once without scheduled_at", map[string]any{
			"name": "t", "script_type": "shell", "script_body": "x", "trigger_type": "once"}},
		{"interval without seconds", map[string]any{
			"name": "t", "script_type": "shell", "script_body": "x", "trigger_type": "interval"}},
		{"cron without expression", map[string]any{
			"name": "t", "script_type": "shell", "script_body": "x", "trigger_type": "cron"}},
		{"event without event_trigger", map[string]any{
			"name": "t", "script_type": "shell", "script_body": "x", "trigger_type": "event"}},
		{"device target without id", map[string]any{
			"name": "t", "script_type": "shell", "script_body": "x", "target_type": "device"}},
		{"bad scheduled_at", map[string]any{
			"name": "t", "script_type": "shell", "script_body": "x",
			"trigger_type": "once", "scheduled_at": "tomorrow"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/dashboard/tasks", tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCreateTaskNoTargetsStaysPending(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{"name": "uptime", "script_type": "shell", "script_body": "uptime"}
	w := f.do(t, http.MethodPost, "/api/dashboard/tasks", body, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Task       v1.Task `json:"task"`
		Dispatched bool    `json:"dispatched"`
	}
	decode(t, w, &resp)
	assert.False(t, resp.Dispatched)

	stored, err := f.store.GetTask(context.Background(), resp.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskPending, stored.Status)
}

func TestCreateTaskDispatchesToOnlineDevice(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.UpsertDevice(context.Background(), &v1.Device{DeviceID: "dev-1", Platform: v1.PlatformLinux})
	require.NoError(t, err)

	body := map[string]any{"name": "uptime", "script_type": "shell", "script_body": "uptime"}
	w := f.do(t, http.MethodPost, "/api/dashboard/tasks", body, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Task       v1.Task `json:"task"`
		Dispatched bool    `json:"dispatched"`
	}
	decode(t, w, &resp)
	assert.True(t, resp.Dispatched)
	assert.Equal(t, v1.TaskDispatched, resp.Task.Status)
}

func TestDispatchEndpointConflictWhenNoTargets(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateTask(context.Background(), &v1.Task{
		ID: "t1", TargetType: v1.TargetAll, TriggerType: v1.TriggerNow,
	}))

	w := f.do(t, http.MethodPost, "/api/dashboard/tasks/t1/dispatch", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateTask(context.Background(), &v1.Task{
		ID: "t1", TargetType: v1.TargetAll, TriggerType: v1.TriggerInterval, IntervalSeconds: 60,
	}))

	w := f.do(t, http.MethodPost, "/api/dashboard/tasks/t1/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := f.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, stored.Cancelled)
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/dashboard/tasks/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPatchDevice(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.UpsertDevice(context.Background(), &v1.Device{DeviceID: "dev-1"})
	require.NoError(t, err)

	body := map[string]any{"label": "front desk", "tags": []string{"retail"}}
	w := f.do(t, http.MethodPatch, "/api/dashboard/devices/dev-1", body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	d, err := f.store.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "front desk", d.Label)
	assert.Equal(t, []string{"retail"}, d.Tags)
}

func TestRequestScanRequiresLiveSession(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/dashboard/devices/dev-1/scan", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	f.reg.Register(&fakeSession{deviceID: "dev-1"})
	w = f.do(t, http.MethodPost, "/api/dashboard/devices/dev-1/scan", nil, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestPutDefaultPolicy(t *testing.T) {
	f := newFixture(t)

	p := v1.DefaultPolicy()
	p.PluggedSeconds = 120
	w := f.do(t, http.MethodPut, "/api/dashboard/policies/default", p, nil)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.store.GetPolicyFor(context.Background(), "any-device")
	require.NoError(t, err)
	assert.Equal(t, 120, got.PluggedSeconds)
}

func TestPutDevicePolicy(t *testing.T) {
	f := newFixture(t)

	p := v1.DefaultPolicy()
	p.PluggedSeconds = 15
	w := f.do(t, http.MethodPut, "/api/dashboard/policies/device/dev-1", p, nil)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.store.GetPolicyFor(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 15, got.PluggedSeconds)
}

func TestListLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.AppendLog(ctx, &v1.LogEntry{
			DeviceID: "dev-1", Level: "info", Message: fmt.Sprintf("entry %d", i),
		}))
	}

	w := f.do(t, http.MethodGet, "/api/dashboard/logs?device_id=dev-1&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Logs []v1.LogEntry `json:"logs"`
	}
	decode(t, w, &resp)
	assert.Len(t, resp.Logs, 2)

	w = f.do(t, http.MethodGet, "/api/dashboard/logs?limit=nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
