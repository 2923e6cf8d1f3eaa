// Package trigger decides which cached tasks are due on an evaluator
// tick. Time arithmetic is in UTC.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

// TickInterval is the evaluator cadence.
const TickInterval = 30 * time.Second

// Due reports whether the task should fire at now. Event tasks are never
// due from the tick path; the event watcher dispatches those.
func Due(t v1.CachedTask, now time.Time) bool {
	if t.Cancelled {
		return false
	}
	now = now.UTC()

	switch t.TriggerType {
	case v1.TriggerNow:
		return true
	case v1.TriggerOnce:
		// A once task is removed after running, so its presence means it
		// has not run yet. Past-due schedules fire on the next tick.
		return t.ScheduledAt != nil && !now.Before(t.ScheduledAt.UTC())
	case v1.TriggerInterval:
		if t.IntervalSeconds <= 0 {
			return false
		}
		if t.LastRun == nil {
			return true
		}
		return now.Sub(t.LastRun.UTC()) >= time.Duration(t.IntervalSeconds)*time.Second
	case v1.TriggerCron:
		spec, err := ParseCron(t.CronExpression)
		if err != nil {
			return false
		}
		if !spec.Matches(now) {
			return false
		}
		// At most one firing per matching minute.
		minute := now.Truncate(time.Minute)
		return t.LastRun == nil || t.LastRun.UTC().Before(minute)
	default:
		return false
	}
}

// DueTasks filters the snapshot, preserving insertion order as the
// execution tie-break.
func DueTasks(tasks []v1.CachedTask, now time.Time) []v1.CachedTask {
	var due []v1.CachedTask
	for _, t := range tasks {
		if t.TriggerType == v1.TriggerEvent {
			continue
		}
		if Due(t, now) {
			due = append(due, t)
		}
	}
	return due
}

// CronSpec is the supported cron subset: "minute hour * * weekday" with
// weekday 0-6 (0 = Sunday) or "*".
type CronSpec struct {
	Minute  int
	Hour    int
	Weekday int // -1 means any
}

// ParseCron parses the five-field expression.
func ParseCron(expr string) (CronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return CronSpec{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	if fields[2] != "*" || fields[3] != "*" {
		return CronSpec{}, fmt.Errorf("day-of-month and month must be *")
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return CronSpec{}, fmt.Errorf("invalid minute: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return CronSpec{}, fmt.Errorf("invalid hour: %w", err)
	}

	weekday := -1
	if fields[4] != "*" {
		weekday, err = parseField(fields[4], 0, 6)
		if err != nil {
			return CronSpec{}, fmt.Errorf("invalid weekday: %w", err)
		}
	}
	return CronSpec{Minute: minute, Hour: hour, Weekday: weekday}, nil
}

func parseField(s string, min, max int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%d out of range [%d,%d]", n, min, max)
	}
	return n, nil
}

// Matches reports whether t (UTC) falls in the expression's minute.
func (s CronSpec) Matches(t time.Time) bool {
	t = t.UTC()
	if t.Minute() != s.Minute || t.Hour() != s.Hour {
		return false
	}
	return s.Weekday == -1 || int(t.Weekday()) == s.Weekday
}
