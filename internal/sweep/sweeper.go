// Package sweep re-evaluates every agent on a timer, drives OFFLINE alert
// transitions, and expires old samples and alerts.
package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/agentlock"
	"github.com/vesaa/fleetpulse/internal/alerting"
	"github.com/vesaa/fleetpulse/internal/health"
	"github.com/vesaa/fleetpulse/internal/models"
	"github.com/vesaa/fleetpulse/internal/notify"
	"github.com/vesaa/fleetpulse/internal/store"
	"github.com/vesaa/fleetpulse/internal/telemetry"
)

// Options tune the offline sweep.
type Options struct {
	// ExpectedInterval is how often agents are supposed to report.
	ExpectedInterval time.Duration
	OfflineSeverity  models.Severity
	Health           health.Thresholds
	Now              func() time.Time
}

// Sweeper runs one pass over the fleet per call to Sweep.
type Sweeper struct {
	store     *store.Store
	checker   *alerting.Checker
	locker    *agentlock.Locker
	publisher notify.Publisher
	log       *zap.Logger
	metrics   *telemetry.Metrics
	opts      Options
}

func NewSweeper(
	st *store.Store,
	checker *alerting.Checker,
	locker *agentlock.Locker,
	pub notify.Publisher,
	log *zap.Logger,
	m *telemetry.Metrics,
	opts Options,
) *Sweeper {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.ExpectedInterval <= 0 {
		opts.ExpectedInterval = 5 * time.Second
	}
	if opts.OfflineSeverity == "" {
		opts.OfflineSeverity = models.SeverityP1
	}
	if opts.Health == (health.Thresholds{}) {
		opts.Health = health.DefaultThresholds
	}
	if pub == nil {
		pub = notify.Nop{}
	}
	if m == nil {
		m = telemetry.New(nil)
	}
	return &Sweeper{
		store:     st,
		checker:   checker,
		locker:    locker,
		publisher: pub,
		log:       log.Named("sweep"),
		metrics:   m,
		opts:      opts,
	}
}

// Sweep evaluates every agent once. A failure on one agent is logged and
// counted, and the pass moves on. It returns the number of failed agents.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	defer func() { s.metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := s.store.ListAgentIDs(ctx)
	if err != nil {
		s.metrics.SweepErrors.Inc()
		s.log.Error("sweep: list agents failed", zap.Error(err))
		return 0
	}

	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := s.sweepAgent(ctx, id); err != nil {
			failed++
			s.metrics.SweepErrors.Inc()
			s.log.Error("sweep: agent evaluation failed", zap.Uint("agent_id", id), zap.Error(err))
		}
	}

	if counts, err := s.store.CountAgentsByStatus(ctx); err == nil {
		for status, n := range counts {
			s.metrics.Agents.WithLabelValues(string(status)).Set(float64(n))
		}
	}
	s.log.Debug("sweep finished", zap.Int("agents", len(ids)), zap.Int("failed", failed), zap.Duration("took", time.Since(start)))
	return failed
}

// sweepAgent is the per-agent recovery boundary.
func (s *Sweeper) sweepAgent(ctx context.Context, id uint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	unlock := s.locker.Lock(id)
	defer unlock()

	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}

	now := s.opts.Now()
	age := health.HeartbeatAge(agent.LastHeartbeat, now)
	missed := health.MissedHeartbeats(age, s.opts.ExpectedInterval)
	eval := s.opts.Health.Evaluate(age, missed)
	prev := agent.Status

	if err := s.store.UpdateAgentFields(ctx, id, map[string]any{
		"status":            eval.Status,
		"heartbeat_age_sec": age,
		"missed_heartbeats": missed,
		"health_score":      eval.Score,
		"health_reasons":    models.StringList(eval.Reasons),
	}); err != nil {
		return err
	}

	s.publisher.Publish(ctx, id, notify.EventAgentStatus, notify.StatusUpdate{
		Status: string(eval.Status), HealthScore: eval.Score, Reasons: eval.Reasons,
	})

	switch {
	case prev != models.AgentOffline && eval.Status == models.AgentOffline:
		msg := fmt.Sprintf("Agent %s went offline", agent.Name)
		if age != nil {
			msg = fmt.Sprintf("Agent %s went offline (no heartbeat for %ds)", agent.Name, *age)
		}
		alert, created, err := s.checker.Raise(ctx, id, models.AlertOffline, s.opts.OfflineSeverity, msg)
		if err != nil {
			return fmt.Errorf("raise offline alert: %w", err)
		}
		if created {
			s.log.Warn("agent offline", zap.Uint("agent_id", id), zap.Uint("alert_id", alert.ID))
		}
	case prev == models.AgentOffline && eval.Status != models.AgentOffline:
		n, err := s.checker.Clear(ctx, id, models.AlertOffline)
		if err != nil {
			return fmt.Errorf("resolve offline alerts: %w", err)
		}
		if n > 0 {
			s.log.Info("agent recovered", zap.Uint("agent_id", id), zap.Int("alerts_resolved", n))
		}
	}
	return nil
}
