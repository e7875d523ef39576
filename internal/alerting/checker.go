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

// Checker raises and clears alerts for one (agent, type) pair at a time,
// keeping at most one unresolved alert per pair.
type Checker struct {
	store      *store.Store
	correlator *Correlator
	log        *zap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

func NewChecker(st *store.Store, corr *Correlator, log *zap.Logger, m *telemetry.Metrics, now func() time.Time) *Checker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if m == nil {
		m = telemetry.New(nil)
	}
	return &Checker{store: st, correlator: corr, log: log.Named("checker"), metrics: m, now: now}
}

// Check raises an alert when value >= threshold and clears open alerts of
// that type otherwise. Failures are logged and swallowed so heartbeat
// processing never blocks on alert bookkeeping.
func (c *Checker) Check(ctx context.Context, agentID uint, typ models.AlertType, value, threshold float64, sev models.Severity, message string) {
	if value >= threshold {
		if _, _, err := c.Raise(ctx, agentID, typ, sev, message); err != nil {
			c.log.Error("raise alert failed",
				zap.Uint("agent_id", agentID), zap.String("type", string(typ)), zap.Error(err))
		}
		return
	}
	if _, err := c.Clear(ctx, agentID, typ); err != nil {
		c.log.Error("clear alerts failed",
			zap.Uint("agent_id", agentID), zap.String("type", string(typ)), zap.Error(err))
	}
}

// Raise opens an alert for (agent, type) unless one is already open, in
// which case the existing alert is returned and created is false. An open
// alert left without an incident is attached on the way.
func (c *Checker) Raise(ctx context.Context, agentID uint, typ models.AlertType, sev models.Severity, message string) (alert *models.Alert, created bool, err error) {
	existing, err := c.store.FindOpenAlert(ctx, agentID, typ)
	if err == nil {
		// an earlier attach failed; every open alert must belong to an incident
		if existing.IncidentID == nil {
			if _, err := c.correlator.Attach(ctx, existing); err != nil {
				return existing, false, fmt.Errorf("attach alert %d: %w", existing.ID, err)
			}
			c.log.Info("unlinked alert attached", zap.Uint("alert_id", existing.ID), zap.Uint("agent_id", agentID))
		}
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("look up open %s alert: %w", typ, err)
	}

	alert = &models.Alert{
		AgentID:  agentID,
		Type:     typ,
		Severity: sev,
		Message:  message,
	}
	alert.CreatedAt = c.now()
	if err := c.store.CreateAlert(ctx, alert); err != nil {
		return nil, false, err
	}
	c.metrics.AlertsOpened.WithLabelValues(string(typ)).Inc()
	c.log.Info("alert opened",
		zap.Uint("alert_id", alert.ID), zap.Uint("agent_id", agentID),
		zap.String("type", string(typ)), zap.String("severity", string(sev)))

	if _, err := c.correlator.Attach(ctx, alert); err != nil {
		return alert, true, fmt.Errorf("attach alert %d: %w", alert.ID, err)
	}
	return alert, true, nil
}

// Clear resolves every open alert for (agent, type) and re-checks the
// incidents they belong to. It returns how many alerts it resolved.
func (c *Checker) Clear(ctx context.Context, agentID uint, typ models.AlertType) (int, error) {
	open, err := c.store.ListOpenAlerts(ctx, agentID, typ)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}

	now := c.now()
	resolved := 0
	var errs []error
	incidents := make(map[uint]struct{})

	for _, a := range open {
		ok, err := c.store.ResolveAlert(ctx, a.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		resolved++
		c.metrics.AlertsResolved.WithLabelValues(string(typ)).Inc()
		c.log.Info("alert resolved", zap.Uint("alert_id", a.ID), zap.Uint("agent_id", agentID), zap.String("type", string(typ)))
		if a.IncidentID != nil {
			incidents[*a.IncidentID] = struct{}{}
		}
	}

	for id := range incidents {
		if _, err := c.correlator.TryResolve(ctx, id, models.ActorSystem); err != nil {
			errs = append(errs, fmt.Errorf("resolve-check incident %d: %w", id, err))
		}
	}
	return resolved, errors.Join(errs...)
}
