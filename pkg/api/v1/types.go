// Package v1 defines the API types shared between the OpenFleet server and agent.
package v1

import "time"

// Platform identifies the OS family an agent runs on.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformAndroid Platform = "android"
)

// DeviceStatus is the liveness state of a device as seen by the server.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// ScriptType selects the interpreter a task runs under.
type ScriptType string

const (
	ScriptPowershell ScriptType = "powershell"
	ScriptCmd        ScriptType = "cmd"
	ScriptPython     ScriptType = "python"
	ScriptBash       ScriptType = "bash"
	ScriptShell      ScriptType = "shell"
	ScriptADB        ScriptType = "adb"
)

// TriggerType decides when a task executes.
type TriggerType string

const (
	TriggerNow      TriggerType = "now"
	TriggerOnce     TriggerType = "once"
	TriggerInterval TriggerType = "interval"
	TriggerCron     TriggerType = "cron"
	TriggerEvent    TriggerType = "event"
)

// TargetType selects which devices a task is dispatched to.
type TargetType string

const (
	TargetDevice TargetType = "device"
	TargetAll    TargetType = "all"
)

// TaskStatus is the server-side lifecycle state of a task definition.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDispatched TaskStatus = "dispatched"
	TaskCancelled  TaskStatus = "cancelled"
)

// ResultStatus is the per-device execution state of a task.
type ResultStatus string

const (
	ResultRunning   ResultStatus = "running"
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultTimeout   ResultStatus = "timeout"
)

// Output caps enforced on task results (spec'd limits, applied on both sides).
const (
	StdoutCap = 64 * 1024
	StderrCap = 16 * 1024
)

// TelemetrySnapshot is the payload of a heartbeat and part of check-in.
// Battery fields are nil/false on devices without a battery.
type TelemetrySnapshot struct {
	Hostname        string   `json:"hostname"`
	IPAddress       string   `json:"ip_address"`
	OSInfo          string   `json:"os_info"`
	BatteryLevel    *float64 `json:"battery_level"`
	BatteryCharging bool     `json:"battery_charging"`
	CPUPercent      *float64 `json:"cpu_percent,omitempty"`
	RAMPercent      *float64 `json:"ram_percent,omitempty"`
	DiskPercent     *float64 `json:"disk_percent,omitempty"`
}

// Device is the durable per-device record.
type Device struct {
	DeviceID        string       `json:"device_id"`
	Hostname        string       `json:"hostname"`
	Label           string       `json:"label,omitempty"`
	GroupName       string       `json:"group_name,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
	Platform        Platform     `json:"platform"`
	OSInfo          string       `json:"os_info"`
	IPAddress       string       `json:"ip_address"`
	MACAddress      string       `json:"mac_address,omitempty"`
	AgentVersion    string       `json:"agent_version"`
	Status          DeviceStatus `json:"status"`
	BatteryLevel    *float64     `json:"battery_level"`
	BatteryCharging bool         `json:"battery_charging"`
	CPUPercent      *float64     `json:"cpu_percent"`
	RAMPercent      *float64     `json:"ram_percent"`
	DiskPercent     *float64     `json:"disk_percent"`
	FirstSeen       time.Time    `json:"first_seen"`
	LastSeen        time.Time    `json:"last_seen"`
}

// Policy holds the battery-band heartbeat intervals and scan cadences
// for a device (or the fleet default when DeviceID is empty).
type Policy struct {
	ID                       string    `json:"id,omitempty"`
	DeviceID                 string    `json:"device_id,omitempty"`
	PluggedSeconds           int       `json:"checkin_plugged_seconds"`
	Battery100To80Seconds    int       `json:"checkin_battery_100_80_seconds"`
	Battery79To50Seconds     int       `json:"checkin_battery_79_50_seconds"`
	Battery49To20Seconds     int       `json:"checkin_battery_49_20_seconds"`
	Battery19To10Seconds     int       `json:"checkin_battery_19_10_seconds"`
	Battery9To0Seconds       int       `json:"checkin_battery_9_0_seconds"`
	LowBatteryAlertThreshold int       `json:"low_battery_alert_threshold"`
	DiskScanIntervalHours    int       `json:"disk_scan_interval_hours"`
	HardwareScanIntervalDays int       `json:"hardware_scan_interval_days"`
	UpdatedAt                time.Time `json:"updated_at,omitempty"`
}

// DefaultPolicy returns the fleet-wide fallback policy.
func DefaultPolicy() Policy {
	return Policy{
		PluggedSeconds:           30,
		Battery100To80Seconds:    60,
		Battery79To50Seconds:     180,
		Battery49To20Seconds:     300,
		Battery19To10Seconds:     600,
		Battery9To0Seconds:       900,
		LowBatteryAlertThreshold: 15,
		DiskScanIntervalHours:    168,
		HardwareScanIntervalDays: 30,
	}
}

// Task is the durable server-side task definition.
type Task struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	ScriptType      ScriptType  `json:"script_type"`
	ScriptBody      string      `json:"script_body"`
	TargetType      TargetType  `json:"target_type"`
	TargetID        string      `json:"target_id,omitempty"`
	TargetPlatform  Platform    `json:"target_platform,omitempty"`
	TriggerType     TriggerType `json:"trigger_type"`
	ScheduledAt     *time.Time  `json:"scheduled_at,omitempty"`
	IntervalSeconds int         `json:"interval_seconds,omitempty"`
	CronExpression  string      `json:"cron_expression,omitempty"`
	EventTrigger    string      `json:"event_trigger,omitempty"`
	Status          TaskStatus  `json:"status"`
	Cancelled       bool        `json:"cancelled"`
	CreatedAt       time.Time   `json:"created_at"`
}

// TaskResult is one device's execution record for a task. A stub row with
// status=running is inserted at dispatch time.
type TaskResult struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	DeviceID    string       `json:"device_id"`
	Hostname    string       `json:"hostname,omitempty"`
	ExitCode    *int         `json:"exit_code"`
	Stdout      string       `json:"stdout"`
	Stderr      string       `json:"stderr"`
	Progress    int          `json:"progress"`
	Status      ResultStatus `json:"status"`
	StartedAt   *time.Time   `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at"`
}

// CachedTask mirrors a scheduled Task in the agent's on-disk cache.
type CachedTask struct {
	TaskID          string      `json:"task_id"`
	Name            string      `json:"name"`
	ScriptType      ScriptType  `json:"script_type"`
	ScriptBody      string      `json:"script_body"`
	TriggerType     TriggerType `json:"trigger_type"`
	ScheduledAt     *time.Time  `json:"scheduled_at,omitempty"`
	IntervalSeconds int         `json:"interval_seconds,omitempty"`
	CronExpression  string      `json:"cron_expression,omitempty"`
	EventTrigger    string      `json:"event_trigger,omitempty"`
	LastRun         *time.Time  `json:"last_run,omitempty"`
	Cancelled       bool        `json:"cancelled"`
}

// LogEntry is an agent-originated log line persisted server side.
type LogEntry struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// DiskScanEntry is one mount point or oversized folder from a disk scan.
type DiskScanEntry struct {
	Path    string `json:"path"`
	Size    string `json:"size"`
	Total   string `json:"total,omitempty"`
	Percent int    `json:"pct"`
	Type    string `json:"type,omitempty"`
}

// HardwareReport is a coarse hardware inventory snapshot.
type HardwareReport struct {
	CPUModel   string   `json:"cpu_model,omitempty"`
	CPUCores   int      `json:"cpu_cores,omitempty"`
	RAMTotalGB float64  `json:"ram_total_gb,omitempty"`
	Disks      []string `json:"disks,omitempty"`
	MAC        string   `json:"mac,omitempty"`
}

// CheckinRequest is the body of POST /api/agent/checkin.
type CheckinRequest struct {
	DeviceID     string   `json:"device_id"`
	AgentVersion string   `json:"agent_version"`
	Platform     Platform `json:"platform"`
	TelemetrySnapshot
}

// CheckinResponse seeds the agent's policy and task cache and tells it
// where to open the WebSocket session.
type CheckinResponse struct {
	DeviceID        string       `json:"device_id"`
	Registered      bool         `json:"registered"`
	Policy          Policy       `json:"policy"`
	WebsocketURL    string       `json:"websocket_url"`
	ScheduledTasks  []CachedTask `json:"scheduled_tasks"`
	UpdateAvailable string       `json:"update_available,omitempty"`
	AutoUpdate      bool         `json:"auto_update,omitempty"`
}
