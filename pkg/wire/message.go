// Package wire defines the agent session message envelope and catalogue.
// Every frame on the agent WebSocket is a single JSON text message with a
// "type" discriminator; binary frames are not used.
package wire

import "encoding/json"

// Type is the message discriminator.
type Type string

// Agent → server messages.
const (
	TypeHeartbeat      Type = "heartbeat"
	TypeTaskResult     Type = "task_result"
	TypeTaskOutput     Type = "task_output"
	TypeLog            Type = "log"
	TypeDiskScan       Type = "disk_scan"
	TypeHardwareReport Type = "hardware_report"
)

// Server → agent messages.
const (
	TypeRunTask         Type = "run_task"
	TypeScheduleTask    Type = "schedule_task"
	TypeCancelTask      Type = "cancel_task"
	TypeUpdatePolicy    Type = "update_policy"
	TypeDiskScanRequest Type = "disk_scan_request"
)

// CloseBadToken is the WebSocket close code sent when the agent token
// does not match.
const CloseBadToken = 4003

// Message is the envelope for all session frames. Payloads travel under
// Data except for task_output, which carries its fields at the top level.
type Message struct {
	Type     Type            `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	TaskID   string          `json:"task_id,omitempty"`
	Output   string          `json:"output,omitempty"`
	Progress int             `json:"progress,omitempty"`
}

// New builds a message with the payload marshaled under Data.
func New(t Type, payload any) (*Message, error) {
	if payload == nil {
		return &Message{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, Data: data}, nil
}

// NewTaskOutput builds a streaming output frame.
func NewTaskOutput(taskID, output string, progress int) *Message {
	return &Message{
		Type:     TypeTaskOutput,
		TaskID:   taskID,
		Output:   output,
		Progress: progress,
	}
}

// ParseData unmarshals the Data payload into v. A nil payload is not an
// error; the target is left untouched.
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Envelope is a push-bus command envelope: a message destined for one
// device ("device-id"), every online device ("all"), or all online devices
// of one platform ("all" + Platform).
type Envelope struct {
	Target   string   `json:"target"`
	Platform string   `json:"platform,omitempty"`
	Message  *Message `json:"message"`
}

// TargetAll addresses an envelope to every online device.
const TargetAll = "all"

// RunTaskPayload is the data of a run_task frame.
type RunTaskPayload struct {
	TaskID     string `json:"task_id"`
	Name       string `json:"name"`
	ScriptType string `json:"script_type"`
	ScriptBody string `json:"script_body"`
}

// TaskResultPayload is the data of a task_result frame.
type TaskResultPayload struct {
	TaskID    string `json:"task_id"`
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	StartedAt string `json:"started_at"`
}

// CancelTaskPayload is the data of a cancel_task frame.
type CancelTaskPayload struct {
	TaskID string `json:"task_id"`
}

// LogPayload is the data of a log frame.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// DiskScanEntry is one mount point or oversized folder in a disk_scan frame.
type DiskScanEntry struct {
	Path    string `json:"path"`
	Size    string `json:"size"`
	Total   string `json:"total,omitempty"`
	Percent int    `json:"pct"`
	Type    string `json:"type,omitempty"`
}

// DiskScanPayload is the data of a disk_scan frame.
type DiskScanPayload struct {
	Entries []DiskScanEntry `json:"entries"`
}
