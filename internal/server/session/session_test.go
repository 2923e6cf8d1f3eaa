package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/openfleet/internal/common/logger"
	"github.com/openfleet/openfleet/internal/server/registry"
	"github.com/openfleet/openfleet/internal/server/store"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
	"github.com/openfleet/openfleet/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestSession(t *testing.T) (*Session, *store.MemoryStore) {
	t.Helper()
	log := testLogger(t)
	st := store.NewMemoryStore()
	_, err := st.UpsertDevice(context.Background(), &v1.Device{DeviceID: "dev-1", Platform: v1.PlatformLinux})
	require.NoError(t, err)
	return New("dev-1", v1.PlatformLinux, nil, st, registry.New(log), 8, log), st
}

func dataMsg(t *testing.T, typ wire.Type, payload any) *wire.Message {
	t.Helper()
	msg, err := wire.New(typ, payload)
	require.NoError(t, err)
	return msg
}

func TestResultStatus(t *testing.T) {
	cases := []struct {
		name string
		p    wire.TaskResultPayload
		want v1.ResultStatus
	}{
		{"exit zero", wire.TaskResultPayload{ExitCode: 0}, v1.ResultCompleted},
		{"nonzero exit", wire.TaskResultPayload{ExitCode: 2, Stderr: "boom"}, v1.ResultFailed},
		{"timeout marker", wire.TaskResultPayload{ExitCode: -1, Stderr: "Task timed out after 300s"}, v1.ResultTimeout},
		{"minus one without marker", wire.TaskResultPayload{ExitCode: -1, Stderr: "spawn failed"}, v1.ResultFailed},
		{"marker with wrong exit code", wire.TaskResultPayload{ExitCode: 1, Stderr: "Task timed out after 300s"}, v1.ResultFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resultStatus(tc.p))
		})
	}
}

func TestHandleHeartbeat(t *testing.T) {
	s, st := newTestSession(t)

	cpu := 42.5
	msg := dataMsg(t, wire.TypeHeartbeat, v1.TelemetrySnapshot{CPUPercent: &cpu, BatteryCharging: true})
	require.NoError(t, s.handleMessage(context.Background(), msg))

	d, err := st.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	require.NotNil(t, d.CPUPercent)
	assert.Equal(t, 42.5, *d.CPUPercent)
	assert.True(t, d.BatteryCharging)
}

func TestHandleTaskResultPromotesStub(t *testing.T) {
	s, st := newTestSession(t)
	ctx := context.Background()

	_, err := st.InsertTaskResultStub(ctx, "task-1", "dev-1", time.Now().UTC())
	require.NoError(t, err)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := dataMsg(t, wire.TypeTaskResult, wire.TaskResultPayload{
		TaskID:    "task-1",
		ExitCode:  0,
		Stdout:    "ok\n",
		StartedAt: started.Format(time.RFC3339),
	})
	require.NoError(t, s.handleMessage(ctx, msg))

	results, err := st.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, v1.ResultCompleted, results[0].Status)
	assert.Equal(t, 100, results[0].Progress)
	require.NotNil(t, results[0].StartedAt)
	assert.Equal(t, started, results[0].StartedAt.UTC())
	assert.NotNil(t, results[0].CompletedAt)
}

func TestHandleTaskResultRequiresTaskID(t *testing.T) {
	s, _ := newTestSession(t)
	msg := dataMsg(t, wire.TypeTaskResult, wire.TaskResultPayload{ExitCode: 0})
	assert.Error(t, s.handleMessage(context.Background(), msg))
}

func TestHandleTaskOutput(t *testing.T) {
	s, st := newTestSession(t)
	ctx := context.Background()

	_, err := st.InsertTaskResultStub(ctx, "task-1", "dev-1", time.Now().UTC())
	require.NoError(t, err)

	msg := wire.NewTaskOutput("task-1", "line one", 50)
	require.NoError(t, s.handleMessage(ctx, msg))

	results, err := st.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	assert.Contains(t, results[0].Stdout, "line one")
	assert.Equal(t, 50, results[0].Progress)
}

func TestHandleTaskOutputKeepsLineBoundaries(t *testing.T) {
	s, st := newTestSession(t)
	ctx := context.Background()

	_, err := st.InsertTaskResultStub(ctx, "task-1", "dev-1", time.Now().UTC())
	require.NoError(t, err)

	// Streamed chunks carry their own terminators; the store appends
	// them verbatim so a mid-run poll shows distinct lines.
	require.NoError(t, s.handleMessage(ctx, wire.NewTaskOutput("task-1", "one\n", 50)))
	require.NoError(t, s.handleMessage(ctx, wire.NewTaskOutput("task-1", "two\n", 50)))

	results, err := st.ListTaskResults(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", results[0].Stdout)
}

func TestHandleTaskOutputWithoutStubIsTolerated(t *testing.T) {
	s, _ := newTestSession(t)
	msg := wire.NewTaskOutput("ghost", "line", 50)
	assert.NoError(t, s.handleMessage(context.Background(), msg))
}

func TestHandleLog(t *testing.T) {
	s, st := newTestSession(t)
	ctx := context.Background()

	msg := dataMsg(t, wire.TypeLog, wire.LogPayload{Level: "warn", Message: "low disk"})
	require.NoError(t, s.handleMessage(ctx, msg))

	logs, err := st.ListLogs(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "warn", logs[0].Level)
	assert.Equal(t, "low disk", logs[0].Message)
	assert.Equal(t, "agent", logs[0].Source)
}

func TestHandleLogDefaultsLevel(t *testing.T) {
	s, st := newTestSession(t)
	ctx := context.Background()

	msg := dataMsg(t, wire.TypeLog, wire.LogPayload{Message: "hello"})
	require.NoError(t, s.handleMessage(ctx, msg))

	logs, err := st.ListLogs(ctx, "dev-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "info", logs[0].Level)
}

func TestHandleUnknownTypeIsIgnored(t *testing.T) {
	s, _ := newTestSession(t)
	msg := &wire.Message{Type: wire.Type("mystery"), Data: json.RawMessage(`{}`)}
	assert.NoError(t, s.handleMessage(context.Background(), msg))
}

func TestSendOnClosedSession(t *testing.T) {
	s, _ := newTestSession(t)
	close(s.done)
	assert.ErrorIs(t, s.Send(&wire.Message{Type: wire.TypeRunTask}), registry.ErrNotConnected)
}

func TestSendSlowAgent(t *testing.T) {
	log := testLogger(t)
	st := store.NewMemoryStore()
	s := New("dev-1", v1.PlatformLinux, nil, st, registry.New(log), 1, log)

	// Fill the writer buffer; nothing drains it.
	require.NoError(t, s.Send(&wire.Message{Type: wire.TypeRunTask}))
	assert.ErrorIs(t, s.Send(&wire.Message{Type: wire.TypeRunTask}), registry.ErrSlowAgent)
}
