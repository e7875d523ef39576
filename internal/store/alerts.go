package store

import (
	"context"
	"fmt"
	"time"

	"github.com/vesaa/fleetpulse/internal/models"
)

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	// Status is "active" (unresolved), "resolved" or "all"/"" for both.
	Status  string
	AgentID uint
	Since   time.Time
	Limit   int
}

// CreateAlert inserts a new alert.
func (s *Store) CreateAlert(ctx context.Context, a *models.Alert) error {
	if err := s.with(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

// GetAlert loads an alert by id with its agent.
func (s *Store) GetAlert(ctx context.Context, id uint) (*models.Alert, error) {
	var a models.Alert
	if err := s.with(ctx).Preload("Agent").First(&a, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// FindOpenAlert returns the unresolved alert for (agent, type), or
// ErrNotFound when there is none.
func (s *Store) FindOpenAlert(ctx context.Context, agentID uint, typ models.AlertType) (*models.Alert, error) {
	var a models.Alert
	err := s.with(ctx).
		Where("agent_id = ? AND type = ? AND resolved_at IS NULL", agentID, typ).
		Order("id asc").
		First(&a).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// ListOpenAlerts returns every unresolved alert for (agent, type).
func (s *Store) ListOpenAlerts(ctx context.Context, agentID uint, typ models.AlertType) ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.with(ctx).
		Where("agent_id = ? AND type = ? AND resolved_at IS NULL", agentID, typ).
		Order("id asc").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("list open alerts: %w", err)
	}
	return alerts, nil
}

// ResolveAlert stamps resolved_at if the alert is still open. The bool is
// false when another writer resolved it first.
func (s *Store) ResolveAlert(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := s.with(ctx).Model(&models.Alert{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("resolve alert %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// AcknowledgeAlert records the acknowledging actor on an alert.
func (s *Store) AcknowledgeAlert(ctx context.Context, id uint, actor string, at time.Time) error {
	res := s.with(ctx).Model(&models.Alert{}).Where("id = ?", id).Updates(map[string]any{
		"acknowledged_at": at,
		"acknowledged_by": actor,
	})
	if res.Error != nil {
		return fmt.Errorf("acknowledge alert %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAlertIncident links an alert to an incident.
func (s *Store) SetAlertIncident(ctx context.Context, alertID, incidentID uint) error {
	res := s.with(ctx).Model(&models.Alert{}).Where("id = ?", alertID).Update("incident_id", incidentID)
	if res.Error != nil {
		return fmt.Errorf("link alert %d to incident %d: %w", alertID, incidentID, res.Error)
	}
	return nil
}

// CountOpenAlertsForIncident counts unresolved alerts linked to an incident.
func (s *Store) CountOpenAlertsForIncident(ctx context.Context, incidentID uint) (int64, error) {
	var n int64
	err := s.with(ctx).Model(&models.Alert{}).
		Where("incident_id = ? AND resolved_at IS NULL", incidentID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count open alerts for incident %d: %w", incidentID, err)
	}
	return n, nil
}

// ListOpenAlertsForIncident returns unresolved alerts linked to an incident.
func (s *Store) ListOpenAlertsForIncident(ctx context.Context, incidentID uint) ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.with(ctx).
		Where("incident_id = ? AND resolved_at IS NULL", incidentID).
		Order("id asc").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("list open alerts for incident %d: %w", incidentID, err)
	}
	return alerts, nil
}

// ListAlerts returns alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	q := s.with(ctx).Preload("Agent")
	switch f.Status {
	case "active":
		q = q.Where("resolved_at IS NULL")
	case "resolved":
		q = q.Where("resolved_at IS NOT NULL")
	case "", "all":
	default:
		return nil, fmt.Errorf("unknown alert status filter %q", f.Status)
	}
	if f.AgentID != 0 {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var alerts []models.Alert
	if err := q.Order("created_at desc, id desc").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// PurgeResolvedAlerts hard-deletes alerts resolved before cutoff.
// Unresolved alerts are never purged so the one-open-alert rule holds.
func (s *Store) PurgeResolvedAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.with(ctx).Unscoped().
		Where("resolved_at IS NOT NULL AND resolved_at < ?", cutoff).
		Delete(&models.Alert{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge alerts: %w", res.Error)
	}
	return res.RowsAffected, nil
}
