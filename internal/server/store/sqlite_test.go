package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteUpsertDevice(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	d, err := s.UpsertDevice(ctx, &v1.Device{
		DeviceID: "dev-1",
		Hostname: "alpha",
		Platform: v1.PlatformLinux,
		OSInfo:   "Ubuntu 24.04",
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", d.Hostname)
	assert.Equal(t, v1.DeviceOnline, d.Status)
	assert.False(t, d.FirstSeen.IsZero())

	// A refresh with an empty hostname keeps the stored one.
	d, err = s.UpsertDevice(ctx, &v1.Device{
		DeviceID:     "dev-1",
		Platform:     v1.PlatformLinux,
		AgentVersion: "1.2.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", d.Hostname)
	assert.Equal(t, "Ubuntu 24.04", d.OSInfo)
	assert.Equal(t, "1.2.0", d.AgentVersion)
}

func TestSQLiteTelemetryAndStatus(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.UpsertDevice(ctx, &v1.Device{DeviceID: "dev-1", Platform: v1.PlatformLinux})
	require.NoError(t, err)

	cpu, level := 12.5, 88.0
	require.NoError(t, s.UpdateTelemetry(ctx, "dev-1", v1.TelemetrySnapshot{
		CPUPercent:      &cpu,
		BatteryLevel:    &level,
		BatteryCharging: true,
		IPAddress:       "10.0.0.5",
	}))

	d, err := s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, d.CPUPercent)
	assert.Equal(t, 12.5, *d.CPUPercent)
	assert.True(t, d.BatteryCharging)
	assert.Equal(t, "10.0.0.5", d.IPAddress)

	require.NoError(t, s.SetStatus(ctx, "dev-1", v1.DeviceOffline))
	d, err = s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, v1.DeviceOffline, d.Status)

	assert.ErrorIs(t, s.UpdateTelemetry(ctx, "ghost", v1.TelemetrySnapshot{}), ErrDeviceNotFound)
}

func TestSQLiteListOnlineFiltersPlatform(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	for _, d := range []*v1.Device{
		{DeviceID: "dev-linux", Platform: v1.PlatformLinux},
		{DeviceID: "dev-win", Platform: v1.PlatformWindows},
	} {
		_, err := s.UpsertDevice(ctx, d)
		require.NoError(t, err)
	}
	require.NoError(t, s.SetStatus(ctx, "dev-win", v1.DeviceOffline))

	online, err := s.ListOnline(ctx, "")
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "dev-linux", online[0].DeviceID)

	online, err = s.ListOnline(ctx, v1.PlatformWindows)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestSQLiteDeviceMetaAndTags(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.UpsertDevice(ctx, &v1.Device{DeviceID: "dev-1", Platform: v1.PlatformLinux})
	require.NoError(t, err)

	label := "lab machine"
	require.NoError(t, s.UpdateDeviceMeta(ctx, "dev-1", &label, nil, []string{"lab", "gpu"}))

	d, err := s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "lab machine", d.Label)
	assert.Equal(t, []string{"lab", "gpu"}, d.Tags)

	assert.ErrorIs(t, s.UpdateDeviceMeta(ctx, "ghost", &label, nil, nil), ErrDeviceNotFound)
}

func TestSQLiteTaskLifecycle(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	task := &v1.Task{
		Name:        "nightly",
		ScriptType:  v1.ScriptShell,
		ScriptBody:  "echo hi",
		TargetType:  v1.TargetAll,
		TriggerType: v1.TriggerOnce,
		ScheduledAt: &at,
	}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.Name)
	assert.Equal(t, v1.TaskPending, got.Status)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.Equal(at))

	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, v1.TaskDispatched))
	require.NoError(t, s.CancelTask(ctx, task.ID))

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	assert.Equal(t, v1.TaskCancelled, got.Status)

	_, err = s.GetTask(ctx, "ghost")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSQLiteListScheduledTasks(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	immediate := &v1.Task{Name: "now", ScriptType: v1.ScriptShell, TriggerType: v1.TriggerNow}
	interval := &v1.Task{Name: "every", ScriptType: v1.ScriptShell, TriggerType: v1.TriggerInterval, IntervalSeconds: 60}
	cancelled := &v1.Task{Name: "dead", ScriptType: v1.ScriptShell, TriggerType: v1.TriggerCron, CronExpression: "0 3 * * *"}
	for _, task := range []*v1.Task{immediate, interval, cancelled} {
		require.NoError(t, s.CreateTask(ctx, task))
	}
	require.NoError(t, s.CancelTask(ctx, cancelled.ID))

	scheduled, err := s.ListScheduledTasks(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, interval.ID, scheduled[0].ID)
}

func TestSQLiteResultStubPromotion(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.UpsertDevice(ctx, &v1.Device{DeviceID: "dev-1", Hostname: "alpha", Platform: v1.PlatformLinux})
	require.NoError(t, err)

	started := time.Now().UTC().Truncate(time.Second)
	stubID, err := s.InsertTaskResultStub(ctx, "task-1", "dev-1", started)
	require.NoError(t, err)

	exit := 0
	done := started.Add(3 * time.Second)
	require.NoError(t, s.UpsertTaskResult(ctx, &v1.TaskResult{
		TaskID:      "task-1",
		DeviceID:    "dev-1",
		ExitCode:    &exit,
		Stdout:      "ok\n",
		Progress:    100,
		Status:      v1.ResultCompleted,
		CompletedAt: &done,
	}))

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, stubID, results[0].ID)
	assert.Equal(t, v1.ResultCompleted, results[0].Status)
	assert.Equal(t, "alpha", results[0].Hostname)
	require.NotNil(t, results[0].ExitCode)
	assert.Equal(t, 0, *results[0].ExitCode)
}

func TestSQLiteUpsertResultWithoutStubInserts(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	exit := 1
	require.NoError(t, s.UpsertTaskResult(ctx, &v1.TaskResult{
		TaskID:   "task-1",
		DeviceID: "dev-1",
		ExitCode: &exit,
		Stderr:   "boom",
		Status:   v1.ResultFailed,
	}))

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, v1.ResultFailed, results[0].Status)
}

func TestSQLiteAppendTaskOutput(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.InsertTaskResultStub(ctx, "task-1", "dev-1", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.AppendTaskOutput(ctx, "task-1", "dev-1", "line one\n", 50))
	require.NoError(t, s.AppendTaskOutput(ctx, "task-1", "dev-1", "line two\n", 50))

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "line one\nline two\n", results[0].Stdout)
	assert.Equal(t, 50, results[0].Progress)

	assert.ErrorIs(t, s.AppendTaskOutput(ctx, "ghost", "dev-1", "x", 50), ErrResultNotFound)
}

func TestSQLiteAppendTaskOutputRespectsCap(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.InsertTaskResultStub(ctx, "task-1", "dev-1", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.AppendTaskOutput(ctx, "task-1", "dev-1", strings.Repeat("a", v1.StdoutCap), 50))
	require.NoError(t, s.AppendTaskOutput(ctx, "task-1", "dev-1", "overflow", 50))

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, results[0].Stdout, v1.StdoutCap)
}

func TestSQLiteMarkResultFailed(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.InsertTaskResultStub(ctx, "task-1", "dev-1", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.MarkResultFailed(ctx, "task-1", "dev-1", "push dropped: agent slow"))

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, v1.ResultFailed, results[0].Status)
	assert.Contains(t, results[0].Stderr, "push dropped: agent slow")
	assert.NotNil(t, results[0].CompletedAt)

	assert.ErrorIs(t, s.MarkResultFailed(ctx, "ghost", "dev-1", "x"), ErrResultNotFound)
}

func TestSQLitePolicyFallback(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	// No rows: built-in defaults.
	p, err := s.GetPolicyFor(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, v1.DefaultPolicy().PluggedSeconds, p.PluggedSeconds)

	// Fleet default row.
	def := v1.DefaultPolicy()
	def.PluggedSeconds = 45
	require.NoError(t, s.UpsertPolicy(ctx, &def))

	p, err = s.GetPolicyFor(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 45, p.PluggedSeconds)

	// Device-specific row wins.
	override := v1.DefaultPolicy()
	override.DeviceID = "dev-1"
	override.PluggedSeconds = 10
	require.NoError(t, s.UpsertPolicy(ctx, &override))

	p, err = s.GetPolicyFor(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 10, p.PluggedSeconds)

	p, err = s.GetPolicyFor(ctx, "dev-2")
	require.NoError(t, err)
	assert.Equal(t, 45, p.PluggedSeconds)

	// Replacing the default keeps a single row per device_id.
	def.PluggedSeconds = 90
	require.NoError(t, s.UpsertPolicy(ctx, &def))
	p, err = s.GetPolicyFor(ctx, "dev-2")
	require.NoError(t, err)
	assert.Equal(t, 90, p.PluggedSeconds)
}

func TestSQLiteLogs(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendLog(ctx, &v1.LogEntry{
			DeviceID:  "dev-1",
			Level:     "info",
			Message:   "hello",
			Source:    "agent",
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.AppendLog(ctx, &v1.LogEntry{DeviceID: "dev-2", Level: "warn", Message: "other"}))

	logs, err := s.ListLogs(ctx, "dev-1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, e := range logs {
		assert.Equal(t, "dev-1", e.DeviceID)
	}

	all, err := s.ListLogs(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSQLiteDiskScanAndHardwareReport(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.UpsertDevice(ctx, &v1.Device{DeviceID: "dev-1", Platform: v1.PlatformLinux})
	require.NoError(t, err)

	require.NoError(t, s.SaveDiskScan(ctx, "dev-1", []v1.DiskScanEntry{
		{Path: "/", Size: "12 GB", Total: "50 GB", Percent: 24, Type: "ext4"},
	}))
	// Saving again replaces the previous scan rather than erroring.
	require.NoError(t, s.SaveDiskScan(ctx, "dev-1", nil))

	require.NoError(t, s.SaveHardwareReport(ctx, "dev-1", v1.HardwareReport{
		CPUModel: "Ryzen 7",
		MAC:      "aa:bb:cc:dd:ee:ff",
	}))

	d, err := s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", d.MACAddress)
}
