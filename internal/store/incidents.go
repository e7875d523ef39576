package store

import (
	"context"
	"fmt"
	"time"

	"github.com/vesaa/fleetpulse/internal/models"
)

// CreateIncident inserts a new incident.
func (s *Store) CreateIncident(ctx context.Context, inc *models.Incident) error {
	if err := s.with(ctx).Create(inc).Error; err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// GetIncident loads an incident by id.
func (s *Store) GetIncident(ctx context.Context, id uint) (*models.Incident, error) {
	var inc models.Incident
	if err := s.with(ctx).First(&inc, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &inc, nil
}

// FindOpenIncident returns the oldest unresolved incident for an agent.
// A non-nil typ narrows the match to that alert type.
func (s *Store) FindOpenIncident(ctx context.Context, agentID uint, typ *models.AlertType) (*models.Incident, error) {
	q := s.with(ctx).Where("agent_id = ? AND status <> ?", agentID, models.IncidentResolved)
	if typ != nil {
		q = q.Where("type = ?", *typ)
	}
	var inc models.Incident
	if err := q.Order("id asc").First(&inc).Error; err != nil {
		return nil, notFound(err)
	}
	return &inc, nil
}

// FindOpenIncidentByTitle returns an unresolved incident with the same
// agent and title. A nil agentID matches incidents without an agent.
func (s *Store) FindOpenIncidentByTitle(ctx context.Context, agentID *uint, title string) (*models.Incident, error) {
	q := s.with(ctx).Where("title = ? AND status <> ?", title, models.IncidentResolved)
	if agentID != nil {
		q = q.Where("agent_id = ?", *agentID)
	} else {
		q = q.Where("agent_id IS NULL")
	}
	var inc models.Incident
	if err := q.Order("id asc").First(&inc).Error; err != nil {
		return nil, notFound(err)
	}
	return &inc, nil
}

// ListIncidents returns incidents newest first, optionally filtered by status.
func (s *Store) ListIncidents(ctx context.Context, status models.IncidentStatus, limit int) ([]models.Incident, error) {
	q := s.with(ctx)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Incident
	if err := q.Order("created_at desc, id desc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return out, nil
}

// UpdateIncidentFields applies a partial update by id.
func (s *Store) UpdateIncidentFields(ctx context.Context, id uint, fields map[string]any) error {
	res := s.with(ctx).Model(&models.Incident{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update incident %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveIncident marks an incident RESOLVED unless it already is. The bool
// reports whether this call made the transition.
func (s *Store) ResolveIncident(ctx context.Context, id uint, actor string, at time.Time) (bool, error) {
	res := s.with(ctx).Model(&models.Incident{}).
		Where("id = ? AND status <> ?", id, models.IncidentResolved).
		Updates(map[string]any{
			"status":      models.IncidentResolved,
			"resolved_at": at,
			"resolved_by": actor,
		})
	if res.Error != nil {
		return false, fmt.Errorf("resolve incident %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// AcknowledgeIncident marks an open, unacknowledged incident acknowledged.
// The bool reports whether this call made the change.
func (s *Store) AcknowledgeIncident(ctx context.Context, id uint, actor string, at time.Time) (bool, error) {
	res := s.with(ctx).Model(&models.Incident{}).
		Where("id = ? AND acknowledged = ? AND status <> ?", id, false, models.IncidentResolved).
		Updates(map[string]any{
			"acknowledged":    true,
			"acknowledged_by": actor,
			"acknowledged_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("acknowledge incident %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// AppendEvent adds an entry to an incident timeline.
func (s *Store) AppendEvent(ctx context.Context, ev *models.IncidentEvent) error {
	if err := s.with(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("append %s event to incident %d: %w", ev.Type, ev.IncidentID, err)
	}
	return nil
}

// ListEvents returns an incident timeline oldest first.
func (s *Store) ListEvents(ctx context.Context, incidentID uint) ([]models.IncidentEvent, error) {
	var out []models.IncidentEvent
	err := s.with(ctx).
		Where("incident_id = ?", incidentID).
		Order("created_at asc, id asc").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list events for incident %d: %w", incidentID, err)
	}
	return out, nil
}
