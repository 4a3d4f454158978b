// Package notify emits best-effort deployment notifications to the
// platform's webhook delivery subsystem.
package notify

import (
	"context"
	"time"

	"github.com/0711-os/orchestrator/internal/platform"
)

// Event types.
const (
	EventDeploymentCompleted  = "deployment.completed"
	EventDeploymentFailed     = "deployment.failed"
	EventDeploymentDegraded   = "deployment.degraded"
	EventDeploymentRecovered  = "deployment.recovered"
	EventConnectorInstalled   = "connector.installed"
	EventConnectorUninstalled = "connector.uninstalled"
	EventPipelineTriggered    = "pipeline.triggered"
)

// Event is one notification.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	CustomerID string         `json:"customer_id"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewEvent creates an event with a fresh ID.
func NewEvent(eventType, customerID string, data map[string]any) Event {
	return Event{
		ID:         platform.NewID(),
		Type:       eventType,
		CustomerID: customerID,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink accepts notifications. Notify must not block on delivery; delivery
// guarantees belong to the receiving side.
type Sink interface {
	Notify(ctx context.Context, event Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Recorder keeps every event in memory.
type Recorder struct {
	events chan Event
}

// NewRecorder creates a Recorder that holds up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan Event, size)}
}

func (r *Recorder) Notify(_ context.Context, event Event) {
	select {
	case r.events <- event:
	default:
	}
}

// Events drains and returns the recorded events.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}
