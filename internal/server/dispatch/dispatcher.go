// Package dispatch turns task definitions into push envelopes on the
// event bus and keeps task status and result stubs consistent with what
// was sent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/common/logger"
	"github.com/openfleet/openfleet/internal/events/bus"
	"github.com/openfleet/openfleet/internal/metrics"
	"github.com/openfleet/openfleet/internal/server/push"
	"github.com/openfleet/openfleet/internal/server/store"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
	"github.com/openfleet/openfleet/pkg/wire"
)

var (
	// ErrNoTargets is returned when an immediate dispatch resolves to
	// zero online devices. The task stays pending.
	ErrNoTargets = errors.New("no online devices match the target")

	// ErrCancelled is returned when dispatching a cancelled task.
	ErrCancelled = errors.New("task is cancelled")
)

// Dispatcher publishes task commands and records dispatch bookkeeping.
type Dispatcher struct {
	store  store.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// New creates a dispatcher.
func New(st store.Store, b bus.EventBus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{store: st, bus: b, logger: log}
}

// Dispatch sends the task to its targets. Immediate tasks get a running
// result stub per resolved device before the envelope is published;
// scheduled tasks are pushed as schedule_task for the agents' local
// caches. In both cases the task ends up dispatched.
func (d *Dispatcher) Dispatch(ctx context.Context, task *v1.Task) error {
	if task.Cancelled {
		return ErrCancelled
	}

	if task.TriggerType == v1.TriggerNow {
		if err := d.dispatchImmediate(ctx, task); err != nil {
			return err
		}
	} else {
		if err := d.dispatchScheduled(ctx, task); err != nil {
			return err
		}
	}

	metrics.TasksDispatchedTotal.Inc()
	return d.store.UpdateTaskStatus(ctx, task.ID, v1.TaskDispatched)
}

func (d *Dispatcher) dispatchImmediate(ctx context.Context, task *v1.Task) error {
	targets, err := d.resolveTargets(ctx, task)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return ErrNoTargets
	}

	now := time.Now().UTC()
	for _, deviceID := range targets {
		if _, err := d.store.InsertTaskResultStub(ctx, task.ID, deviceID, now); err != nil {
			return fmt.Errorf("failed to insert result stub: %w", err)
		}
	}

	msg, err := wire.New(wire.TypeRunTask, wire.RunTaskPayload{
		TaskID:     task.ID,
		Name:       task.Name,
		ScriptType: string(task.ScriptType),
		ScriptBody: task.ScriptBody,
	})
	if err != nil {
		return fmt.Errorf("failed to build run_task: %w", err)
	}

	d.logger.Info("dispatching task",
		zap.String("task_id", task.ID),
		zap.String("trigger", string(task.TriggerType)),
		zap.Int("targets", len(targets)))

	// An unfiltered fleet-wide dispatch rides a single "all" envelope;
	// anything narrower gets one envelope per device so delivery failures
	// map back to the right stub.
	if task.TargetType == v1.TargetAll && task.TargetPlatform == "" {
		return d.publish(ctx, wire.Envelope{Target: wire.TargetAll, Message: msg})
	}
	for _, deviceID := range targets {
		if err := d.publish(ctx, wire.Envelope{Target: deviceID, Message: msg}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dispatchScheduled(ctx context.Context, task *v1.Task) error {
	msg, err := wire.New(wire.TypeScheduleTask, ToCachedTask(task))
	if err != nil {
		return fmt.Errorf("failed to build schedule_task: %w", err)
	}

	env := wire.Envelope{Target: wire.TargetAll, Platform: string(task.TargetPlatform), Message: msg}
	if task.TargetType == v1.TargetDevice {
		env = wire.Envelope{Target: task.TargetID, Message: msg}
	}

	d.logger.Info("pushing scheduled task",
		zap.String("task_id", task.ID),
		zap.String("trigger", string(task.TriggerType)),
		zap.String("target", env.Target))
	return d.publish(ctx, env)
}

// Cancel marks the task cancelled and pushes cancel_task so connected
// agents drop it from their caches immediately. Offline agents learn of
// the cancellation at their next check-in or pre-run confirmation.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := d.store.CancelTask(ctx, taskID); err != nil {
		return err
	}

	msg, err := wire.New(wire.TypeCancelTask, wire.CancelTaskPayload{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("failed to build cancel_task: %w", err)
	}

	env := wire.Envelope{Target: wire.TargetAll, Message: msg}
	if task.TargetType == v1.TargetDevice {
		env = wire.Envelope{Target: task.TargetID, Message: msg}
	}
	return d.publish(ctx, env)
}

// PushPolicy sends update_policy to one device, or to every connected
// agent when deviceID is empty (default policy change).
func (d *Dispatcher) PushPolicy(ctx context.Context, deviceID string, p *v1.Policy) error {
	msg, err := wire.New(wire.TypeUpdatePolicy, p)
	if err != nil {
		return fmt.Errorf("failed to build update_policy: %w", err)
	}
	env := wire.Envelope{Target: wire.TargetAll, Message: msg}
	if deviceID != "" {
		env = wire.Envelope{Target: deviceID, Message: msg}
	}
	return d.publish(ctx, env)
}

// RequestDiskScan asks one device for an immediate disk scan.
func (d *Dispatcher) RequestDiskScan(ctx context.Context, deviceID string) error {
	msg, err := wire.New(wire.TypeDiskScanRequest, nil)
	if err != nil {
		return err
	}
	return d.publish(ctx, wire.Envelope{Target: deviceID, Message: msg})
}

func (d *Dispatcher) publish(ctx context.Context, env wire.Envelope) error {
	event, err := bus.NewEvent(push.EventTypeCommand, "dispatcher", env)
	if err != nil {
		return fmt.Errorf("failed to build push event: %w", err)
	}
	if err := d.bus.Publish(ctx, bus.SubjectPushCommands, event); err != nil {
		return fmt.Errorf("failed to publish push event: %w", err)
	}
	return nil
}

func (d *Dispatcher) resolveTargets(ctx context.Context, task *v1.Task) ([]string, error) {
	if task.TargetType == v1.TargetDevice {
		if task.TargetID == "" {
			return nil, fmt.Errorf("device-targeted task without target_id")
		}
		return []string{task.TargetID}, nil
	}

	devices, err := d.store.ListOnline(ctx, task.TargetPlatform)
	if err != nil {
		return nil, fmt.Errorf("failed to list online devices: %w", err)
	}
	ids := make([]string, 0, len(devices))
	for _, dev := range devices {
		ids = append(ids, dev.DeviceID)
	}
	return ids, nil
}

// ToCachedTask projects the schedulable fields of a task for agent caches.
func ToCachedTask(t *v1.Task) v1.CachedTask {
	return v1.CachedTask{
		TaskID:          t.ID,
		Name:            t.Name,
		ScriptType:      t.ScriptType,
		ScriptBody:      t.ScriptBody,
		TriggerType:     t.TriggerType,
		ScheduledAt:     t.ScheduledAt,
		IntervalSeconds: t.IntervalSeconds,
		CronExpression:  t.CronExpression,
		EventTrigger:    t.EventTrigger,
	}
}
