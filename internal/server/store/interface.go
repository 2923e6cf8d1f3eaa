// Package store provides durable persistence for devices, policies, tasks,
// task results, and agent logs. The control plane reads and writes through
// the Store interface only; implementations exist for SQLite (default),
// PostgreSQL, and memory (tests).
package store

import (
	"context"
	"errors"
	"time"

	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

// Common errors returned by store implementations.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrResultNotFound = errors.New("task result not found")
)

// Store is the persistence interface consumed by the control-plane core.
type Store interface {
	DeviceStore
	TaskStore
	PolicyStore
	LogStore

	Close() error
}

// DeviceStore holds the durable per-device records.
type DeviceStore interface {
	// UpsertDevice creates the device on first check-in or refreshes
	// last_seen, status, and addressing fields on subsequent ones.
	UpsertDevice(ctx context.Context, d *v1.Device) (*v1.Device, error)

	// UpdateTelemetry applies a heartbeat snapshot and sets last_seen
	// and status=online.
	UpdateTelemetry(ctx context.Context, deviceID string, t v1.TelemetrySnapshot) error

	// SetStatus records the session-lifecycle driven online/offline state.
	SetStatus(ctx context.Context, deviceID string, status v1.DeviceStatus) error

	GetDevice(ctx context.Context, deviceID string) (*v1.Device, error)
	ListDevices(ctx context.Context) ([]*v1.Device, error)

	// ListOnline returns online devices, optionally filtered by platform
	// (empty platform matches all).
	ListOnline(ctx context.Context, platform v1.Platform) ([]*v1.Device, error)

	// UpdateDeviceMeta patches operator-editable fields. Nil pointers
	// leave the field unchanged.
	UpdateDeviceMeta(ctx context.Context, deviceID string, label, groupName *string, tags []string) error

	DeleteDevice(ctx context.Context, deviceID string) error

	SaveDiskScan(ctx context.Context, deviceID string, entries []v1.DiskScanEntry) error
	SaveHardwareReport(ctx context.Context, deviceID string, hw v1.HardwareReport) error
}

// TaskStore holds task definitions and per-device results.
type TaskStore interface {
	CreateTask(ctx context.Context, t *v1.Task) error
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	ListTasks(ctx context.Context) ([]*v1.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus) error

	// CancelTask sets the cancelled flag and status=cancelled.
	CancelTask(ctx context.Context, id string) error
	DeleteTask(ctx context.Context, id string) error

	// ListScheduledTasks returns non-cancelled tasks with a deferred
	// trigger (once/interval/cron/event); used to seed agent caches at
	// check-in.
	ListScheduledTasks(ctx context.Context) ([]*v1.Task, error)

	// InsertTaskResultStub creates a running result row at dispatch time
	// so the dashboard shows pending devices before any output arrives.
	InsertTaskResultStub(ctx context.Context, taskID, deviceID string, startedAt time.Time) (string, error)

	// UpsertTaskResult finalizes the result for (taskID, deviceID): the
	// running stub is promoted if present, otherwise a new row is
	// inserted. Stdout/stderr are capped at the output byte limits.
	UpsertTaskResult(ctx context.Context, r *v1.TaskResult) error

	// AppendTaskOutput appends streamed stdout to the running result,
	// respecting the stdout cap, and updates progress.
	AppendTaskOutput(ctx context.Context, taskID, deviceID, chunk string, progress int) error

	// MarkResultFailed marks the running stub failed with the given
	// stderr reason (e.g. a dropped push).
	MarkResultFailed(ctx context.Context, taskID, deviceID, reason string) error

	ListTaskResults(ctx context.Context, taskID string) ([]*v1.TaskResult, error)
}

// PolicyStore holds heartbeat policies.
type PolicyStore interface {
	// GetPolicyFor returns the device-specific policy if one exists,
	// else the default policy, else the built-in fallback.
	GetPolicyFor(ctx context.Context, deviceID string) (*v1.Policy, error)

	// UpsertPolicy creates or replaces a policy; an empty DeviceID
	// addresses the fleet default (at most one default exists).
	UpsertPolicy(ctx context.Context, p *v1.Policy) error
}

// LogStore persists agent-originated log entries.
type LogStore interface {
	AppendLog(ctx context.Context, e *v1.LogEntry) error
	ListLogs(ctx context.Context, deviceID string, limit int) ([]*v1.LogEntry, error)
}

// CapOutput truncates stdout/stderr to the output byte limits. Truncation
// is by bytes; the JSON encoder handles any split rune by replacement.
func CapOutput(stdout, stderr string) (string, string) {
	if len(stdout) > v1.StdoutCap {
		stdout = stdout[:v1.StdoutCap]
	}
	if len(stderr) > v1.StderrCap {
		stderr = stderr[:v1.StderrCap]
	}
	return stdout, stderr
}
