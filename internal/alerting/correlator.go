// Package alerting turns threshold breaches into deduplicated alerts and
// groups them into incidents.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/models"
	"github.com/vesaa/fleetpulse/internal/store"
	"github.com/vesaa/fleetpulse/internal/telemetry"
)

// Correlator attaches alerts to incidents and closes incidents whose alerts
// are all resolved. TryResolve is the only path that sets an incident
// RESOLVED.
type Correlator struct {
	store   *store.Store
	byType  bool
	log     *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewCorrelator builds a correlator. With byType set, incidents group alerts
// by (agent, type); otherwise by agent alone. A nil now uses UTC wall time.
func NewCorrelator(st *store.Store, byType bool, log *zap.Logger, m *telemetry.Metrics, now func() time.Time) *Correlator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if m == nil {
		m = telemetry.New(nil)
	}
	return &Correlator{store: st, byType: byType, log: log.Named("correlator"), metrics: m, now: now}
}

// Attach links alert to the open incident of its agent, creating one when
// none exists. Attaching an alert that is already linked changes nothing.
func (c *Correlator) Attach(ctx context.Context, alert *models.Alert) (*models.Incident, error) {
	var (
		incident *models.Incident
		created  bool
	)
	now := c.now()

	err := c.store.Transaction(ctx, func(tx *store.Store) error {
		var typ *models.AlertType
		if c.byType {
			t := alert.Type
			typ = &t
		}

		inc, err := tx.FindOpenIncident(ctx, alert.AgentID, typ)
		switch {
		case errors.Is(err, store.ErrNotFound):
			inc, err = c.open(ctx, tx, alert, now)
			if err != nil {
				return err
			}
			created = true
		case err != nil:
			return fmt.Errorf("find open incident for agent %d: %w", alert.AgentID, err)
		default:
			if err := c.link(ctx, tx, inc, alert, now); err != nil {
				return err
			}
		}

		if err := tx.SetAlertIncident(ctx, alert.ID, inc.ID); err != nil {
			return err
		}
		incident = inc
		return nil
	})
	if err != nil {
		return nil, err
	}

	alert.IncidentID = &incident.ID
	if created {
		c.metrics.IncidentsOpened.Inc()
		c.log.Info("incident opened",
			zap.Uint("incident_id", incident.ID), zap.Uint("agent_id", alert.AgentID),
			zap.String("type", string(alert.Type)), zap.String("severity", string(incident.Severity)))
	}
	return incident, nil
}

func (c *Correlator) open(ctx context.Context, tx *store.Store, alert *models.Alert, now time.Time) (*models.Incident, error) {
	agentID := alert.AgentID
	inc := &models.Incident{
		AgentID:  &agentID,
		Severity: alert.Severity,
		Type:     alert.Type,
		Title:    alert.Message,
		Message:  alert.Message,
		Status:   models.IncidentOpen,
		AlertIDs: models.IDList{alert.ID},
	}
	inc.CreatedAt = now
	if agent, err := tx.GetAgent(ctx, agentID); err == nil {
		inc.AgentName = agent.Name
	}
	if err := tx.CreateIncident(ctx, inc); err != nil {
		return nil, err
	}
	err := tx.AppendEvent(ctx, &models.IncidentEvent{
		IncidentID: inc.ID,
		Type:       models.EventCreated,
		Actor:      models.ActorSystem,
		Message:    "Incident created from alert",
		CreatedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	return inc, nil
}

func (c *Correlator) link(ctx context.Context, tx *store.Store, inc *models.Incident, alert *models.Alert, now time.Time) error {
	if inc.AlertIDs.Contains(alert.ID) {
		return nil
	}

	ids := make(models.IDList, 0, len(inc.AlertIDs)+1)
	ids = append(ids, inc.AlertIDs...)
	ids = append(ids, alert.ID)
	fields := map[string]any{"alert_ids": ids}

	msg := "Alert attached: " + alert.Message
	if alert.Severity.MoreSevereThan(inc.Severity) {
		fields["severity"] = alert.Severity
		msg += fmt.Sprintf(" (severity %s -> %s)", inc.Severity, alert.Severity)
	}
	if err := tx.UpdateIncidentFields(ctx, inc.ID, fields); err != nil {
		return err
	}
	if sev, ok := fields["severity"].(models.Severity); ok {
		inc.Severity = sev
	}
	inc.AlertIDs = ids

	return tx.AppendEvent(ctx, &models.IncidentEvent{
		IncidentID: inc.ID,
		Type:       models.EventAlertAttached,
		Actor:      models.ActorSystem,
		Message:    msg,
		CreatedAt:  now,
	})
}

// TryResolve closes the incident when none of its alerts is still open.
// It reports whether this call performed the transition. An empty actor
// means the system.
func (c *Correlator) TryResolve(ctx context.Context, incidentID uint, actor string) (bool, error) {
	if actor == "" {
		actor = models.ActorSystem
	}
	now := c.now()
	resolved := false

	err := c.store.Transaction(ctx, func(tx *store.Store) error {
		open, err := tx.CountOpenAlertsForIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		if open > 0 {
			return nil
		}
		ok, err := tx.ResolveIncident(ctx, incidentID, actor, now)
		if err != nil || !ok {
			return err
		}

		msg := "Incident auto-resolved (all alerts resolved)"
		if actor != models.ActorSystem {
			msg = "Incident resolved by " + actor
		}
		if err := tx.AppendEvent(ctx, &models.IncidentEvent{
			IncidentID: incidentID,
			Type:       models.EventResolved,
			Actor:      actor,
			Message:    msg,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		resolved = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if resolved {
		c.metrics.IncidentsResolved.WithLabelValues(telemetry.ActorKind(actor)).Inc()
		c.log.Info("incident resolved", zap.Uint("incident_id", incidentID), zap.String("actor", actor))
	}
	return resolved, nil
}
