package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/agent/confirm"
	"github.com/openfleet/openfleet/internal/agent/trigger"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

const eventTickInterval = 15 * time.Second

// RunScheduler fires cached tasks on their triggers. It runs whether or
// not a session is open; a disconnected agent still executes its
// schedule and only loses live result reporting.
func (c *Client) RunScheduler(ctx context.Context) error {
	ticker := time.NewTicker(trigger.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, t := range trigger.DueTasks(c.cache.LoadAll(), now) {
				c.runScheduled(ctx, t, now)
			}
		}
	}
}

func (c *Client) runScheduled(ctx context.Context, t v1.CachedTask, now time.Time) {
	log := c.logger.WithTaskID(t.TaskID)

	if c.confirmer.Check(ctx, t.TaskID) == confirm.Cancelled {
		if err := c.cache.MarkCancelled(t.TaskID); err != nil {
			log.Warn("failed to mark task cancelled", zap.Error(err))
		}
		return
	}

	log.Info("scheduled task due", zap.String("trigger", string(t.TriggerType)))
	c.executeAndReport(ctx, t.TaskID, t.ScriptType, t.ScriptBody)

	switch t.TriggerType {
	case v1.TriggerOnce:
		if err := c.cache.Remove(t.TaskID); err != nil {
			log.Warn("failed to remove one-shot task", zap.Error(err))
		}
	case v1.TriggerInterval, v1.TriggerCron:
		if err := c.cache.SetLastRun(t.TaskID, now); err != nil {
			log.Warn("failed to record last run", zap.Error(err))
		}
	}
}

// RunEvents watches the local network fingerprint. A change invalidates
// the cached server choice and fires the network_change event tasks.
func (c *Client) RunEvents(ctx context.Context) error {
	ticker := time.NewTicker(eventTickInterval)
	defer ticker.Stop()

	last := c.collector.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := c.collector.Fingerprint()
			if cur == last {
				continue
			}
			c.logger.Info("network change detected",
				zap.String("local_ip", cur.LocalIP), zap.String("ssid", cur.SSID))
			last = cur
			c.selector.Invalidate()
			c.fireEventTasks(ctx, "network_change")
		}
	}
}

func (c *Client) fireEventTasks(ctx context.Context, event string) {
	for _, t := range c.cache.LoadAll() {
		if t.TriggerType != v1.TriggerEvent || t.Cancelled || t.EventTrigger != event {
			continue
		}
		if c.confirmer.Check(ctx, t.TaskID) == confirm.Cancelled {
			if err := c.cache.MarkCancelled(t.TaskID); err != nil {
				c.logger.WithTaskID(t.TaskID).Warn("failed to mark task cancelled", zap.Error(err))
			}
			continue
		}
		c.executeAndReport(ctx, t.TaskID, t.ScriptType, t.ScriptBody)
	}
}

// RunScans pushes disk scans and hardware reports on the policy cadence.
// Sends are skipped while disconnected and retried on the next tick.
func (c *Client) RunScans(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	var lastDisk, lastHardware time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !c.connected() {
				continue
			}
			p := c.Policy()
			if interval := time.Duration(p.DiskScanIntervalHours) * time.Hour; interval > 0 &&
				now.Sub(lastDisk) >= interval {
				c.sendDiskScan(ctx)
				lastDisk = now
			}
			if interval := time.Duration(p.HardwareScanIntervalDays) * 24 * time.Hour; interval > 0 &&
				now.Sub(lastHardware) >= interval {
				c.sendHardwareReport(ctx)
				lastHardware = now
			}
		}
	}
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
