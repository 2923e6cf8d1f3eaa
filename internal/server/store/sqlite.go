package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openfleet/openfleet/internal/db"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

// SQLiteStore implements Store on an embedded SQLite database. Writes go
// through a single writer connection; reads use a read-only pool.
type SQLiteStore struct {
	w  *sqlx.DB
	ro *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and initializes
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewSQLiteStoreWithDB(writer, reader)
}

// NewSQLiteStoreWithDB builds a store on existing connections. The schema
// is created if missing.
func NewSQLiteStoreWithDB(writer, reader *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{w: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		_ = writer.Close()
		if reader != writer {
			_ = reader.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	wErr := s.w.Close()
	if s.ro != s.w {
		if rErr := s.ro.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.w.Exec(`
	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		group_name TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		platform TEXT NOT NULL DEFAULT '',
		os_info TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		mac_address TEXT NOT NULL DEFAULT '',
		agent_version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'offline',
		battery_level REAL,
		battery_charging INTEGER NOT NULL DEFAULT 0,
		cpu_percent REAL,
		ram_percent REAL,
		disk_percent REAL,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		script_type TEXT NOT NULL,
		script_body TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		target_platform TEXT NOT NULL DEFAULT '',
		trigger_type TEXT NOT NULL,
		scheduled_at TIMESTAMP,
		interval_seconds INTEGER NOT NULL DEFAULT 0,
		cron_expression TEXT NOT NULL DEFAULT '',
		event_trigger TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		cancelled INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_results (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		exit_code INTEGER,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'running',
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT '',
		checkin_plugged_seconds INTEGER NOT NULL,
		checkin_battery_100_80_seconds INTEGER NOT NULL,
		checkin_battery_79_50_seconds INTEGER NOT NULL,
		checkin_battery_49_20_seconds INTEGER NOT NULL,
		checkin_battery_19_10_seconds INTEGER NOT NULL,
		checkin_battery_9_0_seconds INTEGER NOT NULL,
		low_battery_alert_threshold INTEGER NOT NULL,
		disk_scan_interval_hours INTEGER NOT NULL,
		hardware_scan_interval_days INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(device_id)
	);

	CREATE TABLE IF NOT EXISTS agent_logs (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT 'info',
		message TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS disk_scans (
		device_id TEXT PRIMARY KEY,
		entries TEXT NOT NULL DEFAULT '[]',
		scanned_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hardware_reports (
		device_id TEXT PRIMARY KEY,
		report TEXT NOT NULL DEFAULT '{}',
		reported_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
	CREATE INDEX IF NOT EXISTS idx_task_results_task_id ON task_results(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_results_device_id ON task_results(device_id);
	CREATE INDEX IF NOT EXISTS idx_agent_logs_device_id ON agent_logs(device_id, timestamp);
	`)
	return err
}

type deviceRow struct {
	DeviceID        string    `db:"device_id"`
	Hostname        string    `db:"hostname"`
	Label           string    `db:"label"`
	GroupName       string    `db:"group_name"`
	Tags            string    `db:"tags"`
	Platform        string    `db:"platform"`
	OSInfo          string    `db:"os_info"`
	IPAddress       string    `db:"ip_address"`
	MACAddress      string    `db:"mac_address"`
	AgentVersion    string    `db:"agent_version"`
	Status          string    `db:"status"`
	BatteryLevel    *float64  `db:"battery_level"`
	BatteryCharging bool      `db:"battery_charging"`
	CPUPercent      *float64  `db:"cpu_percent"`
	RAMPercent      *float64  `db:"ram_percent"`
	DiskPercent     *float64  `db:"disk_percent"`
	FirstSeen       time.Time `db:"first_seen"`
	LastSeen        time.Time `db:"last_seen"`
}

func (r *deviceRow) toDevice() *v1.Device {
	var tags []string
	_ = json.Unmarshal([]byte(r.Tags), &tags)
	return &v1.Device{
		DeviceID:        r.DeviceID,
		Hostname:        r.Hostname,
		Label:           r.Label,
		GroupName:       r.GroupName,
		Tags:            tags,
		Platform:        v1.Platform(r.Platform),
		OSInfo:          r.OSInfo,
		IPAddress:       r.IPAddress,
		MACAddress:      r.MACAddress,
		AgentVersion:    r.AgentVersion,
		Status:          v1.DeviceStatus(r.Status),
		BatteryLevel:    r.BatteryLevel,
		BatteryCharging: r.BatteryCharging,
		CPUPercent:      r.CPUPercent,
		RAMPercent:      r.RAMPercent,
		DiskPercent:     r.DiskPercent,
		FirstSeen:       r.FirstSeen,
		LastSeen:        r.LastSeen,
	}
}

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *v1.Device) (*v1.Device, error) {
	now := time.Now().UTC()
	tags, _ := json.Marshal(d.Tags)
	if d.Tags == nil {
		tags = []byte("[]")
	}

	_, err := s.w.ExecContext(ctx, `
		INSERT INTO devices (device_id, hostname, label, group_name, tags, platform,
			os_info, ip_address, mac_address, agent_version, status,
			battery_level, battery_charging, first_seen, last_seen)
		VALUES (?, ?, '', '', ?, ?, ?, ?, '', ?, 'online', NULL, 0, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			hostname = CASE WHEN excluded.hostname != '' THEN excluded.hostname ELSE hostname END,
			os_info = CASE WHEN excluded.os_info != '' THEN excluded.os_info ELSE os_info END,
			ip_address = CASE WHEN excluded.ip_address != '' THEN excluded.ip_address ELSE ip_address END,
			agent_version = excluded.agent_version,
			status = 'online',
			last_seen = excluded.last_seen`,
		d.DeviceID, d.Hostname, string(tags), string(d.Platform),
		d.OSInfo, d.IPAddress, d.AgentVersion, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}
	return s.getDevice(ctx, s.w, d.DeviceID)
}

func (s *SQLiteStore) getDevice(ctx context.Context, conn *sqlx.DB, deviceID string) (*v1.Device, error) {
	var row deviceRow
	err := conn.GetContext(ctx, &row, `SELECT * FROM devices WHERE device_id = ?`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return row.toDevice(), nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*v1.Device, error) {
	return s.getDevice(ctx, s.ro, deviceID)
}

func (s *SQLiteStore) UpdateTelemetry(ctx context.Context, deviceID string, t v1.TelemetrySnapshot) error {
	res, err := s.w.ExecContext(ctx, `
		UPDATE devices SET
			battery_level = ?,
			battery_charging = ?,
			cpu_percent = ?,
			ram_percent = ?,
			disk_percent = ?,
			ip_address = CASE WHEN ? != '' THEN ? ELSE ip_address END,
			status = 'online',
			last_seen = ?
		WHERE device_id = ?`,
		t.BatteryLevel, t.BatteryCharging, t.CPUPercent, t.RAMPercent, t.DiskPercent,
		t.IPAddress, t.IPAddress, time.Now().UTC(), deviceID)
	if err != nil {
		return fmt.Errorf("failed to update telemetry: %w", err)
	}
	return requireRow(res, ErrDeviceNotFound)
}

func (s *SQLiteStore) SetStatus(ctx context.Context, deviceID string, status v1.DeviceStatus) error {
	var res sql.Result
	var err error
	if status == v1.DeviceOnline {
		res, err = s.w.ExecContext(ctx,
			`UPDATE devices SET status = ?, last_seen = ? WHERE device_id = ?`,
			string(status), time.Now().UTC(), deviceID)
	} else {
		res, err = s.w.ExecContext(ctx,
			`UPDATE devices SET status = ? WHERE device_id = ?`,
			string(status), deviceID)
	}
	if err != nil {
		return fmt.Errorf("failed to set device status: %w", err)
	}
	return requireRow(res, ErrDeviceNotFound)
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*v1.Device, error) {
	var rows []deviceRow
	if err := s.ro.SelectContext(ctx, &rows,
		`SELECT * FROM devices ORDER BY last_seen DESC`); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devicesFromRows(rows), nil
}

func (s *SQLiteStore) ListOnline(ctx context.Context, platform v1.Platform) ([]*v1.Device, error) {
	query := `SELECT * FROM devices WHERE status = 'online'`
	args := []any{}
	if platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(platform))
	}
	query += ` ORDER BY device_id`

	var rows []deviceRow
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list online devices: %w", err)
	}
	return devicesFromRows(rows), nil
}

func devicesFromRows(rows []deviceRow) []*v1.Device {
	out := make([]*v1.Device, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDevice())
	}
	return out
}

func (s *SQLiteStore) UpdateDeviceMeta(ctx context.Context, deviceID string, label, groupName *string, tags []string) error {
	sets := []string{}
	args := []any{}
	if label != nil {
		sets = append(sets, "label = ?")
		args = append(args, *label)
	}
	if groupName != nil {
		sets = append(sets, "group_name = ?")
		args = append(args, *groupName)
	}
	if tags != nil {
		encoded, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(encoded))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, deviceID)

	res, err := s.w.ExecContext(ctx,
		`UPDATE devices SET `+strings.Join(sets, ", ")+` WHERE device_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	return requireRow(res, ErrDeviceNotFound)
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, deviceID string) error {
	_, err := s.w.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveDiskScan(ctx context.Context, deviceID string, entries []v1.DiskScanEntry) error {
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode disk scan: %w", err)
	}
	_, err = s.w.ExecContext(ctx, `
		INSERT INTO disk_scans (device_id, entries, scanned_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET entries = excluded.entries, scanned_at = excluded.scanned_at`,
		deviceID, string(encoded), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save disk scan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveHardwareReport(ctx context.Context, deviceID string, hw v1.HardwareReport) error {
	encoded, err := json.Marshal(hw)
	if err != nil {
		return fmt.Errorf("failed to encode hardware report: %w", err)
	}
	_, err = s.w.ExecContext(ctx, `
		INSERT INTO hardware_reports (device_id, report, reported_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET report = excluded.report, reported_at = excluded.reported_at`,
		deviceID, string(encoded), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save hardware report: %w", err)
	}
	if hw.MAC != "" {
		if _, err := s.w.ExecContext(ctx,
			`UPDATE devices SET mac_address = ? WHERE device_id = ?`, hw.MAC, deviceID); err != nil {
			return fmt.Errorf("failed to update mac address: %w", err)
		}
	}
	return nil
}

type taskRow struct {
	ID              string     `db:"id"`
	Name            string     `db:"name"`
	Description     string     `db:"description"`
	ScriptType      string     `db:"script_type"`
	ScriptBody      string     `db:"script_body"`
	TargetType      string     `db:"target_type"`
	TargetID        string     `db:"target_id"`
	TargetPlatform  string     `db:"target_platform"`
	TriggerType     string     `db:"trigger_type"`
	ScheduledAt     *time.Time `db:"scheduled_at"`
	IntervalSeconds int        `db:"interval_seconds"`
	CronExpression  string     `db:"cron_expression"`
	EventTrigger    string     `db:"event_trigger"`
	Status          string     `db:"status"`
	Cancelled       bool       `db:"cancelled"`
	CreatedAt       time.Time  `db:"created_at"`
}

func (r *taskRow) toTask() *v1.Task {
	return &v1.Task{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		ScriptType:      v1.ScriptType(r.ScriptType),
		ScriptBody:      r.ScriptBody,
		TargetType:      v1.TargetType(r.TargetType),
		TargetID:        r.TargetID,
		TargetPlatform:  v1.Platform(r.TargetPlatform),
		TriggerType:     v1.TriggerType(r.TriggerType),
		ScheduledAt:     r.ScheduledAt,
		IntervalSeconds: r.IntervalSeconds,
		CronExpression:  r.CronExpression,
		EventTrigger:    r.EventTrigger,
		Status:          v1.TaskStatus(r.Status),
		Cancelled:       r.Cancelled,
		CreatedAt:       r.CreatedAt,
	}
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *v1.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = v1.TaskPending
	}

	_, err := s.w.ExecContext(ctx, `
		INSERT INTO tasks (id, name, description, script_type, script_body,
			target_type, target_id, target_platform, trigger_type, scheduled_at,
			interval_seconds, cron_expression, event_trigger, status, cancelled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, string(t.ScriptType), t.ScriptBody,
		string(t.TargetType), t.TargetID, string(t.TargetPlatform), string(t.TriggerType),
		t.ScheduledAt, t.IntervalSeconds, t.CronExpression, t.EventTrigger,
		string(t.Status), t.Cancelled, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	var row taskRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toTask(), nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*v1.Task, error) {
	var rows []taskRow
	if err := s.ro.SelectContext(ctx, &rows,
		`SELECT * FROM tasks ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	out := make([]*v1.Task, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toTask())
	}
	return out, nil
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus) error {
	res, err := s.w.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return requireRow(res, ErrTaskNotFound)
}

func (s *SQLiteStore) CancelTask(ctx context.Context, id string) error {
	res, err := s.w.ExecContext(ctx,
		`UPDATE tasks SET cancelled = 1, status = 'cancelled' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	return requireRow(res, ErrTaskNotFound)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.w.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListScheduledTasks(ctx context.Context) ([]*v1.Task, error) {
	var rows []taskRow
	if err := s.ro.SelectContext(ctx, &rows, `
		SELECT * FROM tasks
		WHERE cancelled = 0 AND trigger_type != 'now'
		ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}
	out := make([]*v1.Task, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toTask())
	}
	return out, nil
}

type resultRow struct {
	ID          string     `db:"id"`
	TaskID      string     `db:"task_id"`
	DeviceID    string     `db:"device_id"`
	Hostname    string     `db:"hostname"`
	ExitCode    *int       `db:"exit_code"`
	Stdout      string     `db:"stdout"`
	Stderr      string     `db:"stderr"`
	Progress    int        `db:"progress"`
	Status      string     `db:"status"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (r *resultRow) toResult() *v1.TaskResult {
	return &v1.TaskResult{
		ID:          r.ID,
		TaskID:      r.TaskID,
		DeviceID:    r.DeviceID,
		Hostname:    r.Hostname,
		ExitCode:    r.ExitCode,
		Stdout:      r.Stdout,
		Stderr:      r.Stderr,
		Progress:    r.Progress,
		Status:      v1.ResultStatus(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

func (s *SQLiteStore) InsertTaskResultStub(ctx context.Context, taskID, deviceID string, startedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO task_results (id, task_id, device_id, stdout, stderr, progress, status, started_at)
		VALUES (?, ?, ?, '', '', 0, 'running', ?)`,
		id, taskID, deviceID, startedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert result stub: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpsertTaskResult(ctx context.Context, in *v1.TaskResult) error {
	in.Stdout, in.Stderr = CapOutput(in.Stdout, in.Stderr)

	res, err := s.w.ExecContext(ctx, `
		UPDATE task_results SET
			exit_code = ?, stdout = ?, stderr = ?, progress = ?, status = ?,
			started_at = COALESCE(?, started_at), completed_at = ?
		WHERE task_id = ? AND device_id = ? AND status = 'running'`,
		in.ExitCode, in.Stdout, in.Stderr, in.Progress, string(in.Status),
		in.StartedAt, in.CompletedAt, in.TaskID, in.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to update task result: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	_, err = s.w.ExecContext(ctx, `
		INSERT INTO task_results (id, task_id, device_id, exit_code, stdout, stderr,
			progress, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.TaskID, in.DeviceID, in.ExitCode, in.Stdout, in.Stderr,
		in.Progress, string(in.Status), in.StartedAt, in.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendTaskOutput(ctx context.Context, taskID, deviceID, chunk string, progress int) error {
	tx, err := s.w.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row struct {
		ID     string `db:"id"`
		Stdout string `db:"stdout"`
	}
	err = tx.GetContext(ctx, &row, `
		SELECT id, stdout FROM task_results
		WHERE task_id = ? AND device_id = ? AND status = 'running'
		ORDER BY started_at DESC LIMIT 1`, taskID, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrResultNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load running result: %w", err)
	}

	stdout := row.Stdout
	if remaining := v1.StdoutCap - len(stdout); remaining > 0 {
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		stdout += chunk
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE task_results SET stdout = ?, progress = ? WHERE id = ?`,
		stdout, progress, row.ID); err != nil {
		return fmt.Errorf("failed to append output: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkResultFailed(ctx context.Context, taskID, deviceID, reason string) error {
	tx, err := s.w.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row struct {
		ID     string `db:"id"`
		Stderr string `db:"stderr"`
	}
	err = tx.GetContext(ctx, &row, `
		SELECT id, stderr FROM task_results
		WHERE task_id = ? AND device_id = ? AND status = 'running'
		ORDER BY started_at DESC LIMIT 1`, taskID, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrResultNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load running result: %w", err)
	}

	stderr := row.Stderr
	if !strings.Contains(stderr, reason) {
		stderr += reason
	}
	if len(stderr) > v1.StderrCap {
		stderr = stderr[:v1.StderrCap]
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_results SET status = 'failed', stderr = ?, completed_at = ? WHERE id = ?`,
		stderr, time.Now().UTC(), row.ID); err != nil {
		return fmt.Errorf("failed to mark result failed: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTaskResults(ctx context.Context, taskID string) ([]*v1.TaskResult, error) {
	var rows []resultRow
	if err := s.ro.SelectContext(ctx, &rows, `
		SELECT r.*, COALESCE(d.hostname, '') AS hostname
		FROM task_results r
		LEFT JOIN devices d ON d.device_id = r.device_id
		WHERE r.task_id = ?
		ORDER BY r.started_at`, taskID); err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	out := make([]*v1.TaskResult, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toResult())
	}
	return out, nil
}

type policyRow struct {
	ID                       string    `db:"id"`
	DeviceID                 string    `db:"device_id"`
	PluggedSeconds           int       `db:"checkin_plugged_seconds"`
	Battery100To80Seconds    int       `db:"checkin_battery_100_80_seconds"`
	Battery79To50Seconds     int       `db:"checkin_battery_79_50_seconds"`
	Battery49To20Seconds     int       `db:"checkin_battery_49_20_seconds"`
	Battery19To10Seconds     int       `db:"checkin_battery_19_10_seconds"`
	Battery9To0Seconds       int       `db:"checkin_battery_9_0_seconds"`
	LowBatteryAlertThreshold int       `db:"low_battery_alert_threshold"`
	DiskScanIntervalHours    int       `db:"disk_scan_interval_hours"`
	HardwareScanIntervalDays int       `db:"hardware_scan_interval_days"`
	UpdatedAt                time.Time `db:"updated_at"`
}

func (r *policyRow) toPolicy() *v1.Policy {
	return &v1.Policy{
		ID:                       r.ID,
		DeviceID:                 r.DeviceID,
		PluggedSeconds:           r.PluggedSeconds,
		Battery100To80Seconds:    r.Battery100To80Seconds,
		Battery79To50Seconds:     r.Battery79To50Seconds,
		Battery49To20Seconds:     r.Battery49To20Seconds,
		Battery19To10Seconds:     r.Battery19To10Seconds,
		Battery9To0Seconds:       r.Battery9To0Seconds,
		LowBatteryAlertThreshold: r.LowBatteryAlertThreshold,
		DiskScanIntervalHours:    r.DiskScanIntervalHours,
		HardwareScanIntervalDays: r.HardwareScanIntervalDays,
		UpdatedAt:                r.UpdatedAt,
	}
}

func (s *SQLiteStore) GetPolicyFor(ctx context.Context, deviceID string) (*v1.Policy, error) {
	var row policyRow
	err := s.ro.GetContext(ctx, &row, `
		SELECT * FROM policies
		WHERE device_id IN (?, '')
		ORDER BY device_id DESC LIMIT 1`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		p := v1.DefaultPolicy()
		return &p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return row.toPolicy(), nil
}

func (s *SQLiteStore) UpsertPolicy(ctx context.Context, p *v1.Policy) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.UpdatedAt = time.Now().UTC()

	_, err := s.w.ExecContext(ctx, `
		INSERT INTO policies (id, device_id, checkin_plugged_seconds,
			checkin_battery_100_80_seconds, checkin_battery_79_50_seconds,
			checkin_battery_49_20_seconds, checkin_battery_19_10_seconds,
			checkin_battery_9_0_seconds, low_battery_alert_threshold,
			disk_scan_interval_hours, hardware_scan_interval_days, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			checkin_plugged_seconds = excluded.checkin_plugged_seconds,
			checkin_battery_100_80_seconds = excluded.checkin_battery_100_80_seconds,
			checkin_battery_79_50_seconds = excluded.checkin_battery_79_50_seconds,
			checkin_battery_49_20_seconds = excluded.checkin_battery_49_20_seconds,
			checkin_battery_19_10_seconds = excluded.checkin_battery_19_10_seconds,
			checkin_battery_9_0_seconds = excluded.checkin_battery_9_0_seconds,
			low_battery_alert_threshold = excluded.low_battery_alert_threshold,
			disk_scan_interval_hours = excluded.disk_scan_interval_hours,
			hardware_scan_interval_days = excluded.hardware_scan_interval_days,
			updated_at = excluded.updated_at`,
		p.ID, p.DeviceID, p.PluggedSeconds,
		p.Battery100To80Seconds, p.Battery79To50Seconds,
		p.Battery49To20Seconds, p.Battery19To10Seconds,
		p.Battery9To0Seconds, p.LowBatteryAlertThreshold,
		p.DiskScanIntervalHours, p.HardwareScanIntervalDays, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, e *v1.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO agent_logs (id, device_id, level, message, source, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.Level, e.Message, e.Source, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, deviceID string, limit int) ([]*v1.LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT * FROM agent_logs`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	type logRow struct {
		ID        string    `db:"id"`
		DeviceID  string    `db:"device_id"`
		Level     string    `db:"level"`
		Message   string    `db:"message"`
		Source    string    `db:"source"`
		Timestamp time.Time `db:"timestamp"`
	}
	var raw []logRow
	if err := s.ro.SelectContext(ctx, &raw, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	out := make([]*v1.LogEntry, 0, len(raw))
	for _, r := range raw {
		out = append(out, &v1.LogEntry{
			ID: r.ID, DeviceID: r.DeviceID, Level: r.Level,
			Message: r.Message, Source: r.Source, Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
