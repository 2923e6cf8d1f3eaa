// Package push forwards command envelopes from the event bus to live
// agent sessions. Running it over the bus keeps dispatch decoupled from
// session ownership, so a multi-node deployment can dispatch from any
// node and deliver from the one holding the connection.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/common/logger"
	"github.com/openfleet/openfleet/internal/events/bus"
	"github.com/openfleet/openfleet/internal/server/registry"
	"github.com/openfleet/openfleet/internal/server/store"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
	"github.com/openfleet/openfleet/pkg/wire"
)

// EventTypeCommand is the bus event type carrying a push envelope.
const EventTypeCommand = "push.command"

// Pump subscribes to push.commands and routes envelopes to sessions.
type Pump struct {
	bus    bus.EventBus
	reg    *registry.Registry
	store  store.Store
	logger *logger.Logger
	sub    bus.Subscription
}

// NewPump creates an unstarted pump.
func NewPump(b bus.EventBus, reg *registry.Registry, st store.Store, log *logger.Logger) *Pump {
	return &Pump{bus: b, reg: reg, store: st, logger: log}
}

// Start subscribes to the push subject.
func (p *Pump) Start() error {
	sub, err := p.bus.Subscribe(bus.SubjectPushCommands, p.handleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to push subject: %w", err)
	}
	p.sub = sub
	return nil
}

// Stop unsubscribes from the push subject.
func (p *Pump) Stop() {
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
}

func (p *Pump) handleEvent(ctx context.Context, event *bus.Event) error {
	var env wire.Envelope
	if err := json.Unmarshal(event.Data, &env); err != nil {
		return fmt.Errorf("invalid push envelope: %w", err)
	}
	if env.Message == nil {
		return fmt.Errorf("push envelope without message")
	}

	if env.Target == wire.TargetAll {
		p.deliverAll(ctx, &env)
		return nil
	}
	p.deliverOne(ctx, env.Target, env.Message)
	return nil
}

func (p *Pump) deliverAll(ctx context.Context, env *wire.Envelope) {
	platform := v1.Platform(env.Platform)
	for _, deviceID := range p.reg.Devices() {
		s, ok := p.reg.Get(deviceID)
		if !ok {
			continue
		}
		if platform != "" && s.Platform() != platform {
			continue
		}
		p.deliverOne(ctx, deviceID, env.Message)
	}
}

func (p *Pump) deliverOne(ctx context.Context, deviceID string, msg *wire.Message) {
	err := p.reg.SendOne(deviceID, msg)
	if err == nil {
		return
	}
	// A run_task that cannot reach the agent leaves its dispatch stub
	// running forever; fail it with the drop reason instead.
	if msg.Type == wire.TypeRunTask {
		p.failStub(ctx, deviceID, msg, err)
	}
}

func (p *Pump) failStub(ctx context.Context, deviceID string, msg *wire.Message, sendErr error) {
	var payload wire.RunTaskPayload
	if err := msg.ParseData(&payload); err != nil || payload.TaskID == "" {
		return
	}

	reason := "push dropped: agent not connected"
	if errors.Is(sendErr, registry.ErrSlowAgent) {
		reason = registry.ErrSlowAgent.Error()
	}
	if err := p.store.MarkResultFailed(ctx, payload.TaskID, deviceID, reason); err != nil &&
		!errors.Is(err, store.ErrResultNotFound) {
		p.logger.Error("failed to fail dropped dispatch",
			zap.String("task_id", payload.TaskID),
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
}
