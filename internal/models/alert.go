package models

import (
	"encoding/json"
	"time"
)

// AlertType names the condition an alert watches.
type AlertType string

const (
	AlertCPUHigh    AlertType = "CPU_HIGH"
	AlertMemoryHigh AlertType = "MEMORY_HIGH"
	AlertOffline    AlertType = "OFFLINE"
	AlertCustom     AlertType = "CUSTOM"
)

// Severity is an incident priority, P1 being the most urgent.
type Severity string

const (
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
)

// Valid reports whether s is one of P1..P4.
func (s Severity) Valid() bool {
	return s.rank() > 0
}

// MoreSevereThan reports whether s outranks other.
func (s Severity) MoreSevereThan(other Severity) bool {
	if !s.Valid() {
		return false
	}
	if !other.Valid() {
		return true
	}
	return s.rank() < other.rank()
}

func (s Severity) rank() int {
	switch s {
	case SeverityP1:
		return 1
	case SeverityP2:
		return 2
	case SeverityP3:
		return 3
	case SeverityP4:
		return 4
	}
	return 0
}

// AlertStatus is derived from the alert timestamps, never stored.
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "OPEN"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertStatusResolved     AlertStatus = "RESOLVED"
)

// Alert is a single threshold breach or liveness loss. At most one alert
// per (AgentID, Type) has ResolvedAt unset at any time.
type Alert struct {
	Model

	AgentID    uint   `gorm:"index;not null" json:"agent_id"`
	Agent      *Agent `gorm:"foreignKey:AgentID" json:"agent,omitempty"`
	IncidentID *uint  `gorm:"index" json:"incident_id,omitempty"`

	Type     AlertType `gorm:"index;size:32;not null" json:"type"`
	Severity Severity  `gorm:"index;size:2;not null" json:"severity"`
	Message  string    `gorm:"not null" json:"message"`

	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `gorm:"index" json:"resolved_at,omitempty"`
}

// Status derives OPEN / ACKNOWLEDGED / RESOLVED from the timestamps.
func (a *Alert) Status() AlertStatus {
	switch {
	case a.ResolvedAt != nil:
		return AlertStatusResolved
	case a.AcknowledgedAt != nil:
		return AlertStatusAcknowledged
	default:
		return AlertStatusOpen
	}
}

// MarshalJSON adds the derived status to the wire form.
func (a Alert) MarshalJSON() ([]byte, error) {
	type plain Alert
	return json.Marshal(struct {
		plain
		Status AlertStatus `json:"status"`
	}{plain(a), a.Status()})
}
