package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

func exitCode(n int) *int { return &n }

func seedDevice(t *testing.T, s *MemoryStore, id string, platform v1.Platform) {
	t.Helper()
	_, err := s.UpsertDevice(context.Background(), &v1.Device{
		DeviceID: id,
		Hostname: "host-" + id,
		Platform: platform,
	})
	require.NoError(t, err)
}

func TestUpsertDeviceCreatesAndRefreshes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.UpsertDevice(ctx, &v1.Device{DeviceID: "d1", Hostname: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, v1.DeviceOnline, created.Status)
	assert.False(t, created.FirstSeen.IsZero())

	// Second check-in with an empty hostname keeps the known one.
	refreshed, err := s.UpsertDevice(ctx, &v1.Device{DeviceID: "d1", AgentVersion: "1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, "alpha", refreshed.Hostname)
	assert.Equal(t, "1.2.0", refreshed.AgentVersion)
	assert.Equal(t, created.FirstSeen, refreshed.FirstSeen)
}

func TestListOnlineFiltersByPlatform(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedDevice(t, s, "lin", v1.PlatformLinux)
	seedDevice(t, s, "win", v1.PlatformWindows)
	require.NoError(t, s.SetStatus(ctx, "win", v1.DeviceOffline))
	seedDevice(t, s, "win2", v1.PlatformWindows)

	all, err := s.ListOnline(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	windows, err := s.ListOnline(ctx, v1.PlatformWindows)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, "win2", windows[0].DeviceID)
}

func TestUpsertTaskResultPromotesRunningStub(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stubID, err := s.InsertTaskResultStub(ctx, "task-1", "dev-1", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.UpsertTaskResult(ctx, &v1.TaskResult{
		TaskID:   "task-1",
		DeviceID: "dev-1",
		Status:   v1.ResultCompleted,
		ExitCode: exitCode(0),
		Stdout:   "done\n",
		Progress: 100,
	}))

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, results, 1, "the stub must be promoted, not duplicated")
	assert.Equal(t, stubID, results[0].ID)
	assert.Equal(t, v1.ResultCompleted, results[0].Status)
	assert.Equal(t, "done\n", results[0].Stdout)
}

func TestUpsertTaskResultWithoutStubInserts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertTaskResult(ctx, &v1.TaskResult{
		TaskID:   "task-1",
		DeviceID: "dev-1",
		Status:   v1.ResultFailed,
		ExitCode: exitCode(2),
	}))

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, v1.ResultFailed, results[0].Status)
}

func TestUpsertTaskResultCapsOutput(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertTaskResult(ctx, &v1.TaskResult{
		TaskID:   "task-1",
		DeviceID: "dev-1",
		Status:   v1.ResultCompleted,
		Stdout:   strings.Repeat("a", v1.StdoutCap+500),
		Stderr:   strings.Repeat("b", v1.StderrCap+500),
	}))

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, results[0].Stdout, v1.StdoutCap)
	assert.Len(t, results[0].Stderr, v1.StderrCap)
}

func TestAppendTaskOutput(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.InsertTaskResultStub(ctx, "task-1", "dev-1", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.AppendTaskOutput(ctx, "task-1", "dev-1", "line one\n", 50))
	require.NoError(t, s.AppendTaskOutput(ctx, "task-1", "dev-1", "line two\n", 50))

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", results[0].Stdout)
	assert.Equal(t, 50, results[0].Progress)
}

func TestAppendTaskOutputRespectsCap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.InsertTaskResultStub(ctx, "task-1", "dev-1", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.AppendTaskOutput(ctx, "task-1", "dev-1", strings.Repeat("x", v1.StdoutCap), 50))
	require.NoError(t, s.AppendTaskOutput(ctx, "task-1", "dev-1", "overflow", 50))

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, results[0].Stdout, v1.StdoutCap)
}

func TestAppendTaskOutputMissingStub(t *testing.T) {
	s := NewMemoryStore()
	err := s.AppendTaskOutput(context.Background(), "ghost", "dev-1", "x", 50)
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestMarkResultFailed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.InsertTaskResultStub(ctx, "task-1", "dev-1", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.MarkResultFailed(ctx, "task-1", "dev-1", "push dropped: agent slow"))

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, v1.ResultFailed, results[0].Status)
	assert.Contains(t, results[0].Stderr, "push dropped: agent slow")
	assert.NotNil(t, results[0].CompletedAt)
}

func TestListTaskResultsJoinsHostname(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedDevice(t, s, "dev-1", v1.PlatformLinux)

	_, err := s.InsertTaskResultStub(ctx, "task-1", "dev-1", time.Now().UTC())
	require.NoError(t, err)

	results, err := s.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "host-dev-1", results[0].Hostname)
}

func TestGetPolicyForFallbackChain(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// No rows at all: built-in defaults.
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
	custom := v1.DefaultPolicy()
	custom.DeviceID = "dev-1"
	custom.PluggedSeconds = 10
	require.NoError(t, s.UpsertPolicy(ctx, &custom))

	p, err = s.GetPolicyFor(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 10, p.PluggedSeconds)

	// Other devices still get the default.
	p, err = s.GetPolicyFor(ctx, "dev-2")
	require.NoError(t, err)
	assert.Equal(t, 45, p.PluggedSeconds)
}

func TestListScheduledTasksExcludesImmediateAndCancelled(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &v1.Task{ID: "now", TriggerType: v1.TriggerNow}))
	require.NoError(t, s.CreateTask(ctx, &v1.Task{ID: "cron", TriggerType: v1.TriggerCron, CronExpression: "0 8 * * *"}))
	require.NoError(t, s.CreateTask(ctx, &v1.Task{ID: "gone", TriggerType: v1.TriggerInterval, IntervalSeconds: 60}))
	require.NoError(t, s.CancelTask(ctx, "gone"))

	scheduled, err := s.ListScheduledTasks(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, "cron", scheduled[0].ID)
}

func TestListLogsFilterAndLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendLog(ctx, &v1.LogEntry{DeviceID: "dev-1", Message: "a"}))
	}
	require.NoError(t, s.AppendLog(ctx, &v1.LogEntry{DeviceID: "dev-2", Message: "b"}))

	logs, err := s.ListLogs(ctx, "dev-1", 3)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	logs, err = s.ListLogs(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 6)
}
