package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openfleet/openfleet/internal/common/database"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

// PostgresStore implements Store on PostgreSQL for multi-node deployments
// where several control-plane instances share one database.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the schema on the given connection pool.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
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
		battery_level DOUBLE PRECISION,
		battery_charging BOOLEAN NOT NULL DEFAULT FALSE,
		cpu_percent DOUBLE PRECISION,
		ram_percent DOUBLE PRECISION,
		disk_percent DOUBLE PRECISION,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL
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
		scheduled_at TIMESTAMPTZ,
		interval_seconds INTEGER NOT NULL DEFAULT 0,
		cron_expression TEXT NOT NULL DEFAULT '',
		event_trigger TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_results (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		device_id TEXT NOT NULL,
		exit_code INTEGER,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'running',
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT '' UNIQUE,
		checkin_plugged_seconds INTEGER NOT NULL,
		checkin_battery_100_80_seconds INTEGER NOT NULL,
		checkin_battery_79_50_seconds INTEGER NOT NULL,
		checkin_battery_49_20_seconds INTEGER NOT NULL,
		checkin_battery_19_10_seconds INTEGER NOT NULL,
		checkin_battery_9_0_seconds INTEGER NOT NULL,
		low_battery_alert_threshold INTEGER NOT NULL,
		disk_scan_interval_hours INTEGER NOT NULL,
		hardware_scan_interval_days INTEGER NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_logs (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT 'info',
		message TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS disk_scans (
		device_id TEXT PRIMARY KEY,
		entries TEXT NOT NULL DEFAULT '[]',
		scanned_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hardware_reports (
		device_id TEXT PRIMARY KEY,
		report TEXT NOT NULL DEFAULT '{}',
		reported_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
	CREATE INDEX IF NOT EXISTS idx_task_results_task_id ON task_results(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_results_device_id ON task_results(device_id);
	CREATE INDEX IF NOT EXISTS idx_agent_logs_device_id ON agent_logs(device_id, timestamp);
	`)
	return err
}

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *v1.Device) (*v1.Device, error) {
	now := time.Now().UTC()
	tags, _ := json.Marshal(d.Tags)
	if d.Tags == nil {
		tags = []byte("[]")
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO devices (device_id, hostname, tags, platform, os_info,
			ip_address, agent_version, status, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'online', $8, $8)
		ON CONFLICT (device_id) DO UPDATE SET
			hostname = CASE WHEN EXCLUDED.hostname != '' THEN EXCLUDED.hostname ELSE devices.hostname END,
			os_info = CASE WHEN EXCLUDED.os_info != '' THEN EXCLUDED.os_info ELSE devices.os_info END,
			ip_address = CASE WHEN EXCLUDED.ip_address != '' THEN EXCLUDED.ip_address ELSE devices.ip_address END,
			agent_version = EXCLUDED.agent_version,
			status = 'online',
			last_seen = EXCLUDED.last_seen`,
		d.DeviceID, d.Hostname, string(tags), string(d.Platform),
		d.OSInfo, d.IPAddress, d.AgentVersion, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}
	return s.GetDevice(ctx, d.DeviceID)
}

func (s *PostgresStore) GetDevice(ctx context.Context, deviceID string) (*v1.Device, error) {
	rows, err := s.db.Query(ctx, `SELECT * FROM devices WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[deviceRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return row.toDevice(), nil
}

func (s *PostgresStore) UpdateTelemetry(ctx context.Context, deviceID string, t v1.TelemetrySnapshot) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE devices SET
			battery_level = $1,
			battery_charging = $2,
			cpu_percent = $3,
			ram_percent = $4,
			disk_percent = $5,
			ip_address = CASE WHEN $6 != '' THEN $6 ELSE ip_address END,
			status = 'online',
			last_seen = $7
		WHERE device_id = $8`,
		t.BatteryLevel, t.BatteryCharging, t.CPUPercent, t.RAMPercent, t.DiskPercent,
		t.IPAddress, time.Now().UTC(), deviceID)
	if err != nil {
		return fmt.Errorf("failed to update telemetry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, deviceID string, status v1.DeviceStatus) error {
	query := `UPDATE devices SET status = $1 WHERE device_id = $2`
	if status == v1.DeviceOnline {
		query = `UPDATE devices SET status = $1, last_seen = NOW() WHERE device_id = $2`
	}
	tag, err := s.db.Exec(ctx, query, string(status), deviceID)
	if err != nil {
		return fmt.Errorf("failed to set device status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]*v1.Device, error) {
	return s.collectDevices(ctx, `SELECT * FROM devices ORDER BY last_seen DESC`)
}

func (s *PostgresStore) ListOnline(ctx context.Context, platform v1.Platform) ([]*v1.Device, error) {
	if platform != "" {
		return s.collectDevices(ctx,
			`SELECT * FROM devices WHERE status = 'online' AND platform = $1 ORDER BY device_id`,
			string(platform))
	}
	return s.collectDevices(ctx,
		`SELECT * FROM devices WHERE status = 'online' ORDER BY device_id`)
}

func (s *PostgresStore) collectDevices(ctx context.Context, query string, args ...any) ([]*v1.Device, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[deviceRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}
	return devicesFromRows(collected), nil
}

func (s *PostgresStore) UpdateDeviceMeta(ctx context.Context, deviceID string, label, groupName *string, tags []string) error {
	sets := []string{}
	args := []any{}
	if label != nil {
		args = append(args, *label)
		sets = append(sets, fmt.Sprintf("label = $%d", len(args)))
	}
	if groupName != nil {
		args = append(args, *groupName)
		sets = append(sets, fmt.Sprintf("group_name = $%d", len(args)))
	}
	if tags != nil {
		encoded, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags: %w", err)
		}
		args = append(args, string(encoded))
		sets = append(sets, fmt.Sprintf("tags = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, deviceID)

	tag, err := s.db.Exec(ctx,
		fmt.Sprintf(`UPDATE devices SET %s WHERE device_id = $%d`, strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDevice(ctx context.Context, deviceID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM devices WHERE device_id = $1`, deviceID); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveDiskScan(ctx context.Context, deviceID string, entries []v1.DiskScanEntry) error {
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode disk scan: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO disk_scans (device_id, entries, scanned_at) VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE SET entries = EXCLUDED.entries, scanned_at = EXCLUDED.scanned_at`,
		deviceID, string(encoded), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save disk scan: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveHardwareReport(ctx context.Context, deviceID string, hw v1.HardwareReport) error {
	encoded, err := json.Marshal(hw)
	if err != nil {
		return fmt.Errorf("failed to encode hardware report: %w", err)
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO hardware_reports (device_id, report, reported_at) VALUES ($1, $2, $3)
			ON CONFLICT (device_id) DO UPDATE SET report = EXCLUDED.report, reported_at = EXCLUDED.reported_at`,
			deviceID, string(encoded), time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to save hardware report: %w", err)
		}
		if hw.MAC != "" {
			if _, err := tx.Exec(ctx,
				`UPDATE devices SET mac_address = $1 WHERE device_id = $2`, hw.MAC, deviceID); err != nil {
				return fmt.Errorf("failed to update mac address: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *v1.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = v1.TaskPending
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, name, description, script_type, script_body,
			target_type, target_id, target_platform, trigger_type, scheduled_at,
			interval_seconds, cron_expression, event_trigger, status, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.Name, t.Description, string(t.ScriptType), t.ScriptBody,
		string(t.TargetType), t.TargetID, string(t.TargetPlatform), string(t.TriggerType),
		t.ScheduledAt, t.IntervalSeconds, t.CronExpression, t.EventTrigger,
		string(t.Status), t.Cancelled, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	rows, err := s.db.Query(ctx, `SELECT * FROM tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[taskRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toTask(), nil
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]*v1.Task, error) {
	return s.collectTasks(ctx, `SELECT * FROM tasks ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListScheduledTasks(ctx context.Context) ([]*v1.Task, error) {
	return s.collectTasks(ctx, `
		SELECT * FROM tasks
		WHERE cancelled = FALSE AND trigger_type != 'now'
		ORDER BY created_at`)
}

func (s *PostgresStore) collectTasks(ctx context.Context, query string, args ...any) ([]*v1.Task, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[taskRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan tasks: %w", err)
	}
	out := make([]*v1.Task, 0, len(collected))
	for i := range collected {
		out = append(out, collected[i].toTask())
	}
	return out, nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE tasks SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) CancelTask(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tasks SET cancelled = TRUE, status = 'cancelled' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTaskResultStub(ctx context.Context, taskID, deviceID string, startedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(ctx, `
		INSERT INTO task_results (id, task_id, device_id, status, started_at)
		VALUES ($1, $2, $3, 'running', $4)`,
		id, taskID, deviceID, startedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert result stub: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpsertTaskResult(ctx context.Context, in *v1.TaskResult) error {
	in.Stdout, in.Stderr = CapOutput(in.Stdout, in.Stderr)

	tag, err := s.db.Exec(ctx, `
		UPDATE task_results SET
			exit_code = $1, stdout = $2, stderr = $3, progress = $4, status = $5,
			started_at = COALESCE($6, started_at), completed_at = $7
		WHERE task_id = $8 AND device_id = $9 AND status = 'running'`,
		in.ExitCode, in.Stdout, in.Stderr, in.Progress, string(in.Status),
		in.StartedAt, in.CompletedAt, in.TaskID, in.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to update task result: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO task_results (id, task_id, device_id, exit_code, stdout, stderr,
			progress, status, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		in.ID, in.TaskID, in.DeviceID, in.ExitCode, in.Stdout, in.Stderr,
		in.Progress, string(in.Status), in.StartedAt, in.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task result: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendTaskOutput(ctx context.Context, taskID, deviceID, chunk string, progress int) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var id, stdout string
		err := tx.QueryRow(ctx, `
			SELECT id, stdout FROM task_results
			WHERE task_id = $1 AND device_id = $2 AND status = 'running'
			ORDER BY started_at DESC LIMIT 1
			FOR UPDATE`, taskID, deviceID).Scan(&id, &stdout)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrResultNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load running result: %w", err)
		}

		if remaining := v1.StdoutCap - len(stdout); remaining > 0 {
			if len(chunk) > remaining {
				chunk = chunk[:remaining]
			}
			stdout += chunk
		}
		if _, err := tx.Exec(ctx,
			`UPDATE task_results SET stdout = $1, progress = $2 WHERE id = $3`,
			stdout, progress, id); err != nil {
			return fmt.Errorf("failed to append output: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) MarkResultFailed(ctx context.Context, taskID, deviceID, reason string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var id, stderr string
		err := tx.QueryRow(ctx, `
			SELECT id, stderr FROM task_results
			WHERE task_id = $1 AND device_id = $2 AND status = 'running'
			ORDER BY started_at DESC LIMIT 1
			FOR UPDATE`, taskID, deviceID).Scan(&id, &stderr)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrResultNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load running result: %w", err)
		}

		if !strings.Contains(stderr, reason) {
			stderr += reason
		}
		if len(stderr) > v1.StderrCap {
			stderr = stderr[:v1.StderrCap]
		}
		if _, err := tx.Exec(ctx, `
			UPDATE task_results SET status = 'failed', stderr = $1, completed_at = $2 WHERE id = $3`,
			stderr, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("failed to mark result failed: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListTaskResults(ctx context.Context, taskID string) ([]*v1.TaskResult, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.*, COALESCE(d.hostname, '') AS hostname
		FROM task_results r
		LEFT JOIN devices d ON d.device_id = r.device_id
		WHERE r.task_id = $1
		ORDER BY r.started_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[resultRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan task results: %w", err)
	}
	out := make([]*v1.TaskResult, 0, len(collected))
	for i := range collected {
		out = append(out, collected[i].toResult())
	}
	return out, nil
}

func (s *PostgresStore) GetPolicyFor(ctx context.Context, deviceID string) (*v1.Policy, error) {
	rows, err := s.db.Query(ctx, `
		SELECT * FROM policies
		WHERE device_id IN ($1, '')
		ORDER BY device_id DESC LIMIT 1`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[policyRow])
	if errors.Is(err, pgx.ErrNoRows) {
		p := v1.DefaultPolicy()
		return &p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return row.toPolicy(), nil
}

func (s *PostgresStore) UpsertPolicy(ctx context.Context, p *v1.Policy) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.UpdatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx, `
		INSERT INTO policies (id, device_id, checkin_plugged_seconds,
			checkin_battery_100_80_seconds, checkin_battery_79_50_seconds,
			checkin_battery_49_20_seconds, checkin_battery_19_10_seconds,
			checkin_battery_9_0_seconds, low_battery_alert_threshold,
			disk_scan_interval_hours, hardware_scan_interval_days, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (device_id) DO UPDATE SET
			checkin_plugged_seconds = EXCLUDED.checkin_plugged_seconds,
			checkin_battery_100_80_seconds = EXCLUDED.checkin_battery_100_80_seconds,
			checkin_battery_79_50_seconds = EXCLUDED.checkin_battery_79_50_seconds,
			checkin_battery_49_20_seconds = EXCLUDED.checkin_battery_49_20_seconds,
			checkin_battery_19_10_seconds = EXCLUDED.checkin_battery_19_10_seconds,
			checkin_battery_9_0_seconds = EXCLUDED.checkin_battery_9_0_seconds,
			low_battery_alert_threshold = EXCLUDED.low_battery_alert_threshold,
			disk_scan_interval_hours = EXCLUDED.disk_scan_interval_hours,
			hardware_scan_interval_days = EXCLUDED.hardware_scan_interval_days,
			updated_at = EXCLUDED.updated_at`,
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

func (s *PostgresStore) AppendLog(ctx context.Context, e *v1.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_logs (id, device_id, level, message, source, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.DeviceID, e.Level, e.Message, e.Source, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, deviceID string, limit int) ([]*v1.LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, device_id, level, message, source, timestamp FROM agent_logs`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = $1 ORDER BY timestamp DESC LIMIT $2`
		args = append(args, deviceID, limit)
	} else {
		query += ` ORDER BY timestamp DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var out []*v1.LogEntry
	for rows.Next() {
		var e v1.LogEntry
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Level, &e.Message, &e.Source, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
