package models

import "time"

// IncidentStatus is the stored lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "OPEN"
	IncidentResolved IncidentStatus = "RESOLVED"
)

// Incident groups related alerts of one agent. It becomes RESOLVED only
// once every linked alert is resolved.
type Incident struct {
	Model

	AgentID   *uint  `gorm:"index" json:"agent_id,omitempty"`
	AgentName string `json:"agent,omitempty"`

	Severity Severity       `gorm:"index;size:2;not null" json:"severity"`
	Type     AlertType      `gorm:"index;size:32;not null" json:"type"`
	Title    string         `gorm:"not null" json:"title"`
	Message  string         `json:"message,omitempty"`
	Status   IncidentStatus `gorm:"index;size:16;not null" json:"status"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`

	// AlertIDs is append-only, in attach order.
	AlertIDs IDList `gorm:"type:text" json:"alert_ids"`
}

// EventType classifies an entry of the incident timeline.
type EventType string

const (
	EventCreated       EventType = "CREATED"
	EventAlertAttached EventType = "ALERT_ATTACHED"
	EventAcknowledged  EventType = "ACKNOWLEDGED"
	EventResolved      EventType = "RESOLVED"
	EventComment       EventType = "COMMENT"
)

// ActorSystem is the actor recorded for automatic transitions.
const ActorSystem = "system"

// IncidentEvent is one append-only timeline entry.
type IncidentEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	IncidentID uint      `gorm:"index:idx_incident_timeline,priority:1;not null" json:"incident_id"`
	Type       EventType `gorm:"index;size:16;not null" json:"type"`
	Actor      string    `gorm:"index;size:191;not null" json:"actor"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `gorm:"index:idx_incident_timeline,priority:2" json:"created_at"`
}

// AuditLog records an operator action.
type AuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Actor      string    `gorm:"index;size:191" json:"actor"`
	Action     string    `gorm:"index;size:32" json:"action"`
	TargetType string    `gorm:"size:16" json:"target_type"`
	TargetID   uint      `json:"target_id"`
	Metadata   Labels    `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}
