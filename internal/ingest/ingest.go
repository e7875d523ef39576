// Package ingest processes agent heartbeats: it refreshes the agent row,
// stores a metric sample, runs the threshold checks and publishes live
// updates.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/agentlock"
	"github.com/vesaa/fleetpulse/internal/alerting"
	"github.com/vesaa/fleetpulse/internal/audit"
	"github.com/vesaa/fleetpulse/internal/health"
	"github.com/vesaa/fleetpulse/internal/models"
	"github.com/vesaa/fleetpulse/internal/notify"
	"github.com/vesaa/fleetpulse/internal/store"
	"github.com/vesaa/fleetpulse/internal/telemetry"
)

var (
	// ErrInvalidPayload rejects a heartbeat with malformed metrics. No state changes.
	ErrInvalidPayload = errors.New("invalid heartbeat payload")
	// ErrUnauthorized rejects a heartbeat whose credential matches no agent.
	ErrUnauthorized = errors.New("invalid or missing agent credential")
	// ErrAgentExists is returned by Register for a taken name.
	ErrAgentExists = errors.New("agent name already registered")
)

// Heartbeat variants, used as a metrics label.
const (
	VariantToken = "token"
	VariantName  = "name"
)

// Payload is the body an agent sends. CPU and Memory are percentages.
type Payload struct {
	CPU      *float64       `json:"cpu"`
	Memory   *float64       `json:"memory"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks both metrics are present, finite, and within 0..100.
func (p Payload) Validate() error {
	for name, v := range map[string]*float64{"cpu": p.CPU, "memory": p.Memory} {
		if v == nil {
			return fmt.Errorf("%w: %s is required", ErrInvalidPayload, name)
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 || *v > 100 {
			return fmt.Errorf("%w: %s must be a percentage between 0 and 100", ErrInvalidPayload, name)
		}
	}
	return nil
}

// Result identifies what a heartbeat produced.
type Result struct {
	AgentID  uint
	MetricID uint
	Status   models.AgentStatus
}

// Options are the per-metric thresholds and the severity of breach alerts.
type Options struct {
	CPUThreshold      float64
	MemoryThreshold   float64
	ThresholdSeverity models.Severity
	Health            health.Thresholds
	Now               func() time.Time
}

type Service struct {
	store     *store.Store
	checker   *alerting.Checker
	locker    *agentlock.Locker
	publisher notify.Publisher
	audit     *audit.Recorder
	log       *zap.Logger
	metrics   *telemetry.Metrics
	opts      Options
}

func NewService(
	st *store.Store,
	checker *alerting.Checker,
	locker *agentlock.Locker,
	pub notify.Publisher,
	rec *audit.Recorder,
	log *zap.Logger,
	m *telemetry.Metrics,
	opts Options,
) *Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Health == (health.Thresholds{}) {
		opts.Health = health.DefaultThresholds
	}
	if opts.ThresholdSeverity == "" {
		opts.ThresholdSeverity = models.SeverityP2
	}
	if pub == nil {
		pub = notify.Nop{}
	}
	if m == nil {
		m = telemetry.New(nil)
	}
	return &Service{
		store:     st,
		checker:   checker,
		locker:    locker,
		publisher: pub,
		audit:     rec,
		log:       log.Named("ingest"),
		metrics:   m,
		opts:      opts,
	}
}

// Authenticate resolves the agent that owns token. An unknown token is
// counted and reported as ErrUnauthorized.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.Agent, error) {
	agent, err := s.store.GetAgentByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		s.count(VariantToken, ErrUnauthorized)
		return nil, ErrUnauthorized
	}
	if err != nil {
		s.count(VariantToken, err)
		return nil, err
	}
	return agent, nil
}

// ForAgent ingests a heartbeat for an agent already resolved by Authenticate.
func (s *Service) ForAgent(ctx context.Context, agentID uint, p Payload) (*Result, error) {
	if err := p.Validate(); err != nil {
		s.count(VariantToken, err)
		return nil, err
	}
	res, err := s.process(ctx, agentID, p)
	s.count(VariantToken, err)
	return res, err
}

// ByToken ingests a heartbeat for the agent that owns token. The credential
// is checked before the payload.
func (s *Service) ByToken(ctx context.Context, token string, p Payload) (*Result, error) {
	agent, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.ForAgent(ctx, agent.ID, p)
}

// ByName ingests a heartbeat for the named agent, registering it on first
// contact. The caller authenticates the shared agent key.
func (s *Service) ByName(ctx context.Context, name string, p Payload) (*Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		err := fmt.Errorf("%w: name is required", ErrInvalidPayload)
		s.count(VariantName, err)
		return nil, err
	}
	if err := p.Validate(); err != nil {
		s.count(VariantName, err)
		return nil, err
	}

	agent, err := s.findOrCreate(ctx, name)
	if err != nil {
		s.count(VariantName, err)
		return nil, err
	}
	res, err := s.process(ctx, agent.ID, p)
	s.count(VariantName, err)
	return res, err
}

func (s *Service) findOrCreate(ctx context.Context, name string) (*models.Agent, error) {
	agent, err := s.store.GetAgentByName(ctx, name)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	agent = newAgent(name, models.AgentMetadata{})
	if cerr := s.store.CreateAgent(ctx, agent); cerr != nil {
		// lost a create race against another heartbeat with the same name
		if existing, gerr := s.store.GetAgentByName(ctx, name); gerr == nil {
			return existing, nil
		}
		return nil, cerr
	}
	s.log.Info("agent registered on first heartbeat", zap.Uint("agent_id", agent.ID), zap.String("name", name))
	return agent, nil
}

// Register creates an agent with a fresh bearer token for the token-bound
// heartbeat variant.
func (s *Service) Register(ctx context.Context, name string, meta models.AgentMetadata, actor string) (*models.Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidPayload)
	}
	if _, err := s.store.GetAgentByName(ctx, name); err == nil {
		return nil, ErrAgentExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	agent := newAgent(name, meta)
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.Record(ctx, actor, audit.CreateAgent, audit.TargetAgent, agent.ID, models.Labels{"name": name})
	}
	s.log.Info("agent created", zap.Uint("agent_id", agent.ID), zap.String("name", name), zap.String("actor", actor))
	return agent, nil
}

func newAgent(name string, meta models.AgentMetadata) *models.Agent {
	return &models.Agent{
		Name:          name,
		Token:         uuid.NewString(),
		Status:        models.AgentOffline,
		HealthScore:   100,
		HealthReasons: models.StringList{},
		Metadata:      meta,
	}
}

// process applies one heartbeat while holding the agent's lock.
func (s *Service) process(ctx context.Context, agentID uint, p Payload) (*Result, error) {
	unlock := s.locker.Lock(agentID)
	defer unlock()

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	prev := agent.Status
	now := s.opts.Now()
	cpu, mem := *p.CPU, *p.Memory

	var zero int64
	eval := s.opts.Health.Evaluate(&zero, 0)

	fields := map[string]any{
		"cpu":               cpu,
		"memory":            mem,
		"status":            eval.Status,
		"last_heartbeat":    now,
		"heartbeat_age_sec": zero,
		"missed_heartbeats": 0,
		"health_score":      eval.Score,
		"health_reasons":    models.StringList(eval.Reasons),
	}
	if len(p.Metadata) > 0 {
		fields["metadata"] = agent.Metadata.Merge(models.MetadataFromMap(p.Metadata))
	}

	sample := &models.MetricSample{AgentID: agentID, CPU: cpu, Memory: mem, CreatedAt: now}
	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.UpdateAgentFields(ctx, agentID, fields); err != nil {
			return err
		}
		return tx.CreateSample(ctx, sample)
	})
	if err != nil {
		return nil, fmt.Errorf("persist heartbeat for agent %d: %w", agentID, err)
	}

	s.checker.Check(ctx, agentID, models.AlertCPUHigh, cpu, s.opts.CPUThreshold, s.opts.ThresholdSeverity,
		fmt.Sprintf("CPU usage high (%.1f%%)", cpu))
	s.checker.Check(ctx, agentID, models.AlertMemoryHigh, mem, s.opts.MemoryThreshold, s.opts.ThresholdSeverity,
		fmt.Sprintf("Memory usage high (%.1f%%)", mem))

	if prev == models.AgentOffline {
		// the heartbeat itself leaves OFFLINE, so the sweep never sees this recovery
		if n, err := s.checker.Clear(ctx, agentID, models.AlertOffline); err != nil {
			s.log.Error("resolve offline alerts on recovery failed", zap.Uint("agent_id", agentID), zap.Error(err))
		} else if n > 0 {
			s.log.Info("agent back online", zap.Uint("agent_id", agentID), zap.Int("alerts_resolved", n))
		}
	}

	s.publisher.Publish(ctx, agentID, notify.EventMetricsUpdate, notify.MetricsUpdate{CPU: cpu, Memory: mem, Timestamp: now})
	if prev != eval.Status {
		s.publisher.Publish(ctx, agentID, notify.EventAgentStatus, notify.StatusUpdate{
			Status: string(eval.Status), HealthScore: eval.Score, Reasons: eval.Reasons,
		})
	}

	return &Result{AgentID: agentID, MetricID: sample.ID, Status: eval.Status}, nil
}

func (s *Service) count(variant string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidPayload):
		result = "invalid"
	case errors.Is(err, ErrUnauthorized):
		result = "unauthorized"
	default:
		result = "error"
	}
	s.metrics.Heartbeats.WithLabelValues(variant, result).Inc()
}
