package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/audit"
	"github.com/vesaa/fleetpulse/internal/models"
	"github.com/vesaa/fleetpulse/internal/store"
	"github.com/vesaa/fleetpulse/internal/telemetry"
)

// ErrInvalid marks a malformed operator request.
var ErrInvalid = errors.New("invalid request")

// NewIncident is an operator-created incident.
type NewIncident struct {
	AgentID  *uint            `json:"agent_id"`
	Severity models.Severity  `json:"severity"`
	Type     models.AlertType `json:"type"`
	Title    string           `json:"title"`
	Message  string           `json:"message"`
}

// Manager carries out operator actions on alerts and incidents. Every
// resolution still goes through Correlator.TryResolve.
type Manager struct {
	store      *store.Store
	correlator *Correlator
	audit      *audit.Recorder
	log        *zap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

func NewManager(st *store.Store, corr *Correlator, rec *audit.Recorder, log *zap.Logger, m *telemetry.Metrics, now func() time.Time) *Manager {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if m == nil {
		m = telemetry.New(nil)
	}
	return &Manager{store: st, correlator: corr, audit: rec, log: log.Named("incidents"), metrics: m, now: now}
}

// CreateIncident opens an incident by hand. An open incident with the same
// agent and title is returned instead, with created false.
func (m *Manager) CreateIncident(ctx context.Context, req NewIncident, actor string) (inc *models.Incident, created bool, err error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return nil, false, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if req.Severity == "" {
		req.Severity = models.SeverityP3
	}
	if !req.Severity.Valid() {
		return nil, false, fmt.Errorf("%w: severity %q is not one of P1..P4", ErrInvalid, req.Severity)
	}
	if req.Type == "" {
		req.Type = models.AlertCustom
	}

	var agentName string
	if req.AgentID != nil {
		agent, err := m.store.GetAgent(ctx, *req.AgentID)
		if err != nil {
			return nil, false, err
		}
		agentName = agent.Name
	}

	now := m.now()
	err = m.store.Transaction(ctx, func(tx *store.Store) error {
		existing, err := tx.FindOpenIncidentByTitle(ctx, req.AgentID, req.Title)
		if err == nil {
			inc = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		inc = &models.Incident{
			AgentID:   req.AgentID,
			AgentName: agentName,
			Severity:  req.Severity,
			Type:      req.Type,
			Title:     req.Title,
			Message:   req.Message,
			Status:    models.IncidentOpen,
			AlertIDs:  models.IDList{},
		}
		inc.CreatedAt = now
		if err := tx.CreateIncident(ctx, inc); err != nil {
			return err
		}
		created = true
		return tx.AppendEvent(ctx, &models.IncidentEvent{
			IncidentID: inc.ID,
			Type:       models.EventCreated,
			Actor:      actor,
			Message:    "Incident created manually",
			CreatedAt:  now,
		})
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		m.metrics.IncidentsOpened.Inc()
		m.audit.Record(ctx, actor, audit.CreateIncident, audit.TargetIncident, inc.ID,
			models.Labels{"severity": string(inc.Severity), "title": inc.Title})
	}
	return inc, created, nil
}

// AcknowledgeIncident marks an incident acknowledged. Resolved or already
// acknowledged incidents are returned unchanged, and concurrent calls record
// a single ACKNOWLEDGED event.
func (m *Manager) AcknowledgeIncident(ctx context.Context, id uint, actor string) (*models.Incident, error) {
	inc, err := m.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.Status == models.IncidentResolved || inc.Acknowledged {
		return inc, nil
	}

	now := m.now()
	acked := false
	err = m.store.Transaction(ctx, func(tx *store.Store) error {
		ok, err := tx.AcknowledgeIncident(ctx, id, actor, now)
		if err != nil || !ok {
			return err
		}
		acked = true
		return tx.AppendEvent(ctx, &models.IncidentEvent{
			IncidentID: id,
			Type:       models.EventAcknowledged,
			Actor:      actor,
			Message:    "Incident acknowledged",
			CreatedAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}

	if acked {
		m.audit.Record(ctx, actor, audit.AckIncident, audit.TargetIncident, id, nil)
	}
	return m.store.GetIncident(ctx, id)
}

// ResolveIncident resolves every open alert linked to the incident and then
// lets the correlator close it.
func (m *Manager) ResolveIncident(ctx context.Context, id uint, actor string) (*models.Incident, error) {
	inc, err := m.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.Status == models.IncidentResolved {
		return inc, nil
	}

	open, err := m.store.ListOpenAlertsForIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for _, a := range open {
		ok, err := m.store.ResolveAlert(ctx, a.ID, now)
		if err != nil {
			return nil, err
		}
		if ok {
			m.metrics.AlertsResolved.WithLabelValues(string(a.Type)).Inc()
		}
	}

	resolved, err := m.correlator.TryResolve(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if resolved {
		m.audit.Record(ctx, actor, audit.ResolveIncident, audit.TargetIncident, id,
			models.Labels{"alerts_resolved": fmt.Sprint(len(open))})
	}
	return m.store.GetIncident(ctx, id)
}

// CommentIncident appends a COMMENT event to the timeline.
func (m *Manager) CommentIncident(ctx context.Context, id uint, actor, message string) (*models.IncidentEvent, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: comment message is required", ErrInvalid)
	}
	if _, err := m.store.GetIncident(ctx, id); err != nil {
		return nil, err
	}
	ev := &models.IncidentEvent{
		IncidentID: id,
		Type:       models.EventComment,
		Actor:      actor,
		Message:    message,
		CreatedAt:  m.now(),
	}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	m.audit.Record(ctx, actor, audit.CommentIncident, audit.TargetIncident, id, nil)
	return ev, nil
}

// Timeline returns the incident's events oldest first.
func (m *Manager) Timeline(ctx context.Context, id uint) ([]models.IncidentEvent, error) {
	if _, err := m.store.GetIncident(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListEvents(ctx, id)
}

// AcknowledgeAlert records who is looking at an alert. Resolved or already
// acknowledged alerts are returned unchanged.
func (m *Manager) AcknowledgeAlert(ctx context.Context, id uint, actor string) (*models.Alert, error) {
	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.ResolvedAt != nil || a.AcknowledgedAt != nil {
		return a, nil
	}
	if err := m.store.AcknowledgeAlert(ctx, id, actor, m.now()); err != nil {
		return nil, err
	}
	m.audit.Record(ctx, actor, audit.AckAlert, audit.TargetAlert, id, models.Labels{"type": string(a.Type)})
	return m.store.GetAlert(ctx, id)
}

// ResolveAlert resolves one alert by hand and re-checks its incident.
func (m *Manager) ResolveAlert(ctx context.Context, id uint, actor string) (*models.Alert, error) {
	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := m.store.ResolveAlert(ctx, id, m.now())
	if err != nil {
		return nil, err
	}
	if ok {
		m.metrics.AlertsResolved.WithLabelValues(string(a.Type)).Inc()
		m.audit.Record(ctx, actor, audit.ResolveAlert, audit.TargetAlert, id, models.Labels{"type": string(a.Type)})
		if a.IncidentID != nil {
			if _, err := m.correlator.TryResolve(ctx, *a.IncidentID, actor); err != nil {
				m.log.Error("resolve-check after manual alert resolve failed",
					zap.Uint("alert_id", id), zap.Uint("incident_id", *a.IncidentID), zap.Error(err))
			}
		}
	}
	return m.store.GetAlert(ctx, id)
}
