// Package models defines GORM data models for FleetPulse.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AgentStatus is the liveness state derived from heartbeats.
type AgentStatus string

const (
	AgentHealthy   AgentStatus = "HEALTHY"
	AgentDegraded  AgentStatus = "DEGRADED"
	AgentUnhealthy AgentStatus = "UNHEALTHY"
	AgentOffline   AgentStatus = "OFFLINE"
)

// AgentStatuses lists every status in severity order, least severe first.
var AgentStatuses = []AgentStatus{AgentHealthy, AgentDegraded, AgentUnhealthy, AgentOffline}

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentHealthy, AgentDegraded, AgentUnhealthy, AgentOffline:
		return true
	}
	return false
}

// AgentMetadata is the host description an agent reports about itself.
// Known keys get their own field; anything else lands in Extra.
type AgentMetadata struct {
	OS          string            `json:"os,omitempty"`
	Version     string            `json:"version,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Hostname    string            `json:"hostname,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// MetadataFromMap splits a free-form metadata object into the known keys
// and Extra. Non-string values are formatted with fmt.
func MetadataFromMap(raw map[string]any) AgentMetadata {
	var m AgentMetadata
	for k, v := range raw {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		switch k {
		case "os":
			m.OS = s
		case "version":
			m.Version = s
		case "environment":
			m.Environment = s
		case "hostname":
			m.Hostname = s
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[k] = s
		}
	}
	return m
}

// Merge overlays the non-empty fields of other onto m.
func (m AgentMetadata) Merge(other AgentMetadata) AgentMetadata {
	if other.OS != "" {
		m.OS = other.OS
	}
	if other.Version != "" {
		m.Version = other.Version
	}
	if other.Environment != "" {
		m.Environment = other.Environment
	}
	if other.Hostname != "" {
		m.Hostname = other.Hostname
	}
	if len(other.Extra) > 0 {
		extra := make(map[string]string, len(m.Extra)+len(other.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		for k, v := range other.Extra {
			extra[k] = v
		}
		m.Extra = extra
	}
	return m
}

// Scan implements sql.Scanner.
func (m *AgentMetadata) Scan(value any) error {
	raw, err := columnBytes(value)
	if err != nil {
		return fmt.Errorf("AgentMetadata.Scan: %w", err)
	}
	if len(raw) == 0 {
		*m = AgentMetadata{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Value implements driver.Valuer.
func (m AgentMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	return string(b), err
}

// Agent is a monitored host. Heartbeat ingest and the offline sweep are
// the only writers of the health fields.
type Agent struct {
	Model

	// Identity
	Name string `gorm:"uniqueIndex;size:191;not null" json:"name"`
	// Token authenticates token-bound heartbeats. Never serialized.
	Token string `gorm:"uniqueIndex;size:64;not null" json:"-"`

	// Liveness
	Status           AgentStatus `gorm:"index;size:16;not null" json:"status"`
	LastHeartbeat    *time.Time  `json:"last_heartbeat,omitempty"`
	HeartbeatAgeSec  *int64      `json:"heartbeat_age_sec"`
	MissedHeartbeats int         `json:"missed_heartbeats"`
	HealthScore      int         `json:"health_score"`
	HealthReasons    StringList  `gorm:"type:text" json:"health_reasons"`

	// Latest samples, percent 0-100
	CPU    *float64 `json:"cpu,omitempty"`
	Memory *float64 `json:"memory,omitempty"`

	Metadata AgentMetadata `gorm:"type:text" json:"metadata"`
}

// MetricSample is one heartbeat's resource reading. Append-only; pruned by
// the retention janitor.
type MetricSample struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AgentID   uint      `gorm:"index;not null" json:"agent_id"`
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	CreatedAt time.Time `gorm:"index" json:"timestamp"`
}
