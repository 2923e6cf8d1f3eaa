package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

// MemoryStore is an in-memory Store used by tests and single-process
// development setups. All methods are safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*v1.Device
	tasks    map[string]*v1.Task
	results  []*v1.TaskResult
	policies map[string]*v1.Policy // keyed by device id; "" is the default
	logs     []*v1.LogEntry
	scans    map[string][]v1.DiskScanEntry
	hardware map[string]v1.HardwareReport
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*v1.Device),
		tasks:    make(map[string]*v1.Task),
		policies: make(map[string]*v1.Policy),
		scans:    make(map[string][]v1.DiskScanEntry),
		hardware: make(map[string]v1.HardwareReport),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertDevice(ctx context.Context, d *v1.Device) (*v1.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.devices[d.DeviceID]
	if !ok {
		created := *d
		created.Status = v1.DeviceOnline
		created.FirstSeen = now
		created.LastSeen = now
		s.devices[d.DeviceID] = &created
		out := created
		return &out, nil
	}

	existing.LastSeen = now
	existing.Status = v1.DeviceOnline
	existing.AgentVersion = d.AgentVersion
	if d.Hostname != "" {
		existing.Hostname = d.Hostname
	}
	if d.IPAddress != "" {
		existing.IPAddress = d.IPAddress
	}
	if d.OSInfo != "" {
		existing.OSInfo = d.OSInfo
	}
	out := *existing
	return &out, nil
}

func (s *MemoryStore) UpdateTelemetry(ctx context.Context, deviceID string, t v1.TelemetrySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.LastSeen = time.Now().UTC()
	d.Status = v1.DeviceOnline
	d.BatteryLevel = t.BatteryLevel
	d.BatteryCharging = t.BatteryCharging
	d.CPUPercent = t.CPUPercent
	d.RAMPercent = t.RAMPercent
	d.DiskPercent = t.DiskPercent
	if t.IPAddress != "" {
		d.IPAddress = t.IPAddress
	}
	return nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, deviceID string, status v1.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Status = status
	if status == v1.DeviceOnline {
		d.LastSeen = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, deviceID string) (*v1.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	out := *d
	return &out, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]*v1.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*v1.Device, 0, len(s.devices))
	for _, d := range s.devices {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

func (s *MemoryStore) ListOnline(ctx context.Context, platform v1.Platform) ([]*v1.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Device
	for _, d := range s.devices {
		if d.Status != v1.DeviceOnline {
			continue
		}
		if platform != "" && d.Platform != platform {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemoryStore) UpdateDeviceMeta(ctx context.Context, deviceID string, label, groupName *string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	if label != nil {
		d.Label = *label
	}
	if groupName != nil {
		d.GroupName = *groupName
	}
	if tags != nil {
		d.Tags = tags
	}
	return nil
}

func (s *MemoryStore) DeleteDevice(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
	return nil
}

func (s *MemoryStore) SaveDiskScan(ctx context.Context, deviceID string, entries []v1.DiskScanEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans[deviceID] = entries
	return nil
}

func (s *MemoryStore) SaveHardwareReport(ctx context.Context, deviceID string, hw v1.HardwareReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardware[deviceID] = hw
	if d, ok := s.devices[deviceID]; ok && hw.MAC != "" {
		d.MACAddress = hw.MAC
	}
	return nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, t *v1.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = v1.TaskPending
	}
	c := *t
	s.tasks[t.ID] = &c
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := *t
	return &out, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context) ([]*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*v1.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = status
	return nil
}

func (s *MemoryStore) CancelTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Cancelled = true
	t.Status = v1.TaskCancelled
	return nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) ListScheduledTasks(ctx context.Context) ([]*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Task
	for _, t := range s.tasks {
		if t.Cancelled || t.TriggerType == v1.TriggerNow {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) InsertTaskResultStub(ctx context.Context, taskID, deviceID string, startedAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &v1.TaskResult{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		DeviceID:  deviceID,
		Status:    v1.ResultRunning,
		Progress:  0,
		StartedAt: &startedAt,
	}
	s.results = append(s.results, r)
	return r.ID, nil
}

// runningResult returns the running row for (taskID, deviceID), if any.
// Caller must hold the lock.
func (s *MemoryStore) runningResult(taskID, deviceID string) *v1.TaskResult {
	for i := len(s.results) - 1; i >= 0; i-- {
		r := s.results[i]
		if r.TaskID == taskID && r.DeviceID == deviceID && r.Status == v1.ResultRunning {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) UpsertTaskResult(ctx context.Context, in *v1.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in.Stdout, in.Stderr = CapOutput(in.Stdout, in.Stderr)

	r := s.runningResult(in.TaskID, in.DeviceID)
	if r == nil {
		c := *in
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		s.results = append(s.results, &c)
		return nil
	}

	r.ExitCode = in.ExitCode
	r.Stdout = in.Stdout
	r.Stderr = in.Stderr
	r.Status = in.Status
	r.Progress = in.Progress
	if in.StartedAt != nil {
		r.StartedAt = in.StartedAt
	}
	r.CompletedAt = in.CompletedAt
	return nil
}

func (s *MemoryStore) AppendTaskOutput(ctx context.Context, taskID, deviceID, chunk string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.runningResult(taskID, deviceID)
	if r == nil {
		return ErrResultNotFound
	}
	if remaining := v1.StdoutCap - len(r.Stdout); remaining > 0 {
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		r.Stdout += chunk
	}
	r.Progress = progress
	return nil
}

func (s *MemoryStore) MarkResultFailed(ctx context.Context, taskID, deviceID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.runningResult(taskID, deviceID)
	if r == nil {
		return ErrResultNotFound
	}
	now := time.Now().UTC()
	r.Status = v1.ResultFailed
	if !strings.Contains(r.Stderr, reason) {
		r.Stderr += reason
	}
	if len(r.Stderr) > v1.StderrCap {
		r.Stderr = r.Stderr[:v1.StderrCap]
	}
	r.CompletedAt = &now
	return nil
}

func (s *MemoryStore) ListTaskResults(ctx context.Context, taskID string) ([]*v1.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.TaskResult
	for _, r := range s.results {
		if r.TaskID == taskID {
			c := *r
			if d, ok := s.devices[r.DeviceID]; ok {
				c.Hostname = d.Hostname
			}
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetPolicyFor(ctx context.Context, deviceID string) (*v1.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.policies[deviceID]; ok {
		out := *p
		return &out, nil
	}
	if p, ok := s.policies[""]; ok {
		out := *p
		return &out, nil
	}
	p := v1.DefaultPolicy()
	return &p, nil
}

func (s *MemoryStore) UpsertPolicy(ctx context.Context, p *v1.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.UpdatedAt = time.Now().UTC()
	c := *p
	s.policies[p.DeviceID] = &c
	return nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, e *v1.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	c := *e
	s.logs = append(s.logs, &c)
	return nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, deviceID string, limit int) ([]*v1.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.LogEntry
	for i := len(s.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := s.logs[i]
		if deviceID != "" && e.DeviceID != deviceID {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}
