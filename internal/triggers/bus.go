package triggers

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// Engine lifecycle namespaces. Events under these are never routed to
// triggers, so a "*" trigger cannot feed on its own execution's events.
var (
	lifecyclePrefixes = []string{"execution.", "step.", "approval.", "circuit_breaker."}
	lifecycleTypes    = map[string]bool{schema.EventWorkflowCreated: true, schema.EventWorkflowPublished: true}
)

// Bus feeds events from a streaming hub into the Manager.
type Bus struct {
	hub     streaming.EventHub
	manager *Manager
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBus creates a Bus. It does nothing until Start.
func NewBus(hub streaming.EventHub, manager *Manager, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{hub: hub, manager: manager, logger: logger}
}

// Publish hands an externally produced event straight to the manager.
func (b *Bus) Publish(ctx context.Context, ev *schema.TriggerEvent) ([]string, error) {
	return b.manager.ProcessEvent(ctx, ev)
}

// Start subscribes to the hub and processes routable events until Stop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return schema.NewError(schema.ErrCodeAlreadyRunning, "trigger bus already started")
	}

	busCtx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := b.hub.Subscribe(busCtx, streaming.EventFilter{EventTypes: []string{"*"}})
	if err != nil {
		cancel()
		return err
	}
	b.cancel = cancel
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		defer unsubscribe()
		for {
			select {
			case <-busCtx.Done():
				return
			case se, ok := <-events:
				if !ok {
					return
				}
				if !Routable(se.EventType) {
					continue
				}
				ev := FromStreamEvent(se)
				if _, err := b.manager.ProcessEvent(busCtx, ev); err != nil {
					b.logger.Error("trigger event processing failed",
						slog.String("event_type", ev.Type),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
	b.logger.Info("trigger bus started")
	return nil
}

// Stop unsubscribes and waits for the loop to exit.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.cancel = nil
	b.done = nil
	b.logger.Info("trigger bus stopped")
}

// Routable reports whether a hub event may launch workflows.
func Routable(eventType string) bool {
	for _, p := range lifecyclePrefixes {
		if strings.HasPrefix(eventType, p) {
			return false
		}
	}
	return eventType != "" && !lifecycleTypes[eventType]
}

// FromStreamEvent converts a hub event into a trigger event. Events emitted
// by a running workflow carry it as source and its execution as correlation.
func FromStreamEvent(se streaming.StreamEvent) *schema.TriggerEvent {
	ev := &schema.TriggerEvent{
		ID:            "evt_" + uuid.NewString(),
		Type:          se.EventType,
		CorrelationID: se.ExecutionID,
		Timestamp:     se.Timestamp,
		Metadata:      map[string]string{},
	}
	switch p := se.Payload.(type) {
	case map[string]any:
		ev.Payload = p
	case nil:
	default:
		ev.Payload = map[string]any{"value": p}
	}
	if se.WorkflowID != "" {
		ev.Source = "workflow:" + se.WorkflowID
		ev.Metadata["workflow_id"] = se.WorkflowID
	}
	if se.ExecutionID != "" {
		ev.Metadata["execution_id"] = se.ExecutionID
	}
	if se.StepID != "" {
		ev.Metadata["step_id"] = se.StepID
	}
	return ev
}
