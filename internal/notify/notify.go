// Package notify pushes live agent updates to external subscribers.
// Delivery is fire-and-forget: publishers never return errors to callers.
package notify

import (
	"context"
	"time"
)

// Event names carried on the wire.
const (
	EventAgentStatus   = "agent:status"
	EventMetricsUpdate = "metrics:update"
)

// StatusUpdate is published whenever an agent's health is re-evaluated.
type StatusUpdate struct {
	Status      string   `json:"status"`
	HealthScore int      `json:"healthScore"`
	Reasons     []string `json:"reasons"`
}

// MetricsUpdate is published for every accepted heartbeat.
type MetricsUpdate struct {
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers an event keyed by agent id.
type Publisher interface {
	Publish(ctx context.Context, agentID uint, event string, payload any)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, uint, string, any) {}

// Func adapts a plain function to Publisher.
type Func func(ctx context.Context, agentID uint, event string, payload any)

func (f Func) Publish(ctx context.Context, agentID uint, event string, payload any) {
	f(ctx, agentID, event, payload)
}
