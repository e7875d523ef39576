package sweep

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/agentlock"
	"github.com/vesaa/fleetpulse/internal/alerting"
	"github.com/vesaa/fleetpulse/internal/ingest"
	"github.com/vesaa/fleetpulse/internal/models"
	"github.com/vesaa/fleetpulse/internal/notify"
	"github.com/vesaa/fleetpulse/internal/store"
	"github.com/vesaa/fleetpulse/internal/telemetry"
)

type harness struct {
	store   *store.Store
	sweeper *Sweeper
	checker *alerting.Checker
	locker  *agentlock.Locker
	metrics *telemetry.Metrics
	clock   time.Time
	panicOn uint
	// onPublish runs inside the sweep while it holds the agent's lock.
	onPublish func(agentID uint)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(store.Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "sweep.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{store: st, metrics: telemetry.New(nil), clock: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	now := func() time.Time { return h.clock }
	log := zap.NewNop()
	corr := alerting.NewCorrelator(st, true, log, h.metrics, now)
	h.checker = alerting.NewChecker(st, corr, log, h.metrics, now)
	h.locker = agentlock.New()
	pub := notify.Func(func(_ context.Context, id uint, _ string, _ any) {
		if h.panicOn != 0 && id == h.panicOn {
			panic("subscriber exploded")
		}
		if h.onPublish != nil {
			h.onPublish(id)
		}
	})
	h.sweeper = NewSweeper(st, h.checker, h.locker, pub, log, h.metrics, Options{
		ExpectedInterval: 5 * time.Second,
		OfflineSeverity:  models.SeverityP1,
		Now:              now,
	})
	return h
}

func (h *harness) agent(t *testing.T, name string, status models.AgentStatus, lastSeenAgo *time.Duration) *models.Agent {
	t.Helper()
	a := &models.Agent{Name: name, Token: "tok-" + name, Status: status}
	if lastSeenAgo != nil {
		ts := h.clock.Add(-*lastSeenAgo)
		a.LastHeartbeat = &ts
	}
	require.NoError(t, h.store.CreateAgent(context.Background(), a))
	return a
}

func (h *harness) reload(t *testing.T, id uint) *models.Agent {
	t.Helper()
	a, err := h.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a
}

func ago(d time.Duration) *time.Duration { return &d }

func TestSweepScoresAgents(t *testing.T) {
	h := newHarness(t)
	fresh := h.agent(t, "fresh", models.AgentHealthy, ago(3*time.Second))
	late := h.agent(t, "late", models.AgentHealthy, ago(30*time.Second))
	silent := h.agent(t, "silent", models.AgentOffline, nil)

	assert.Equal(t, 0, h.sweeper.Sweep(context.Background()))

	a := h.reload(t, fresh.ID)
	assert.Equal(t, models.AgentHealthy, a.Status)
	assert.Equal(t, 100, a.HealthScore)
	require.NotNil(t, a.HeartbeatAgeSec)
	assert.Equal(t, int64(3), *a.HeartbeatAgeSec)

	// 30s: delayed (-20) and 6 missed beats (-30)
	a = h.reload(t, late.ID)
	assert.Equal(t, 50, a.HealthScore)
	assert.Equal(t, 6, a.MissedHeartbeats)
	assert.Equal(t, models.AgentDegraded, a.Status)
	assert.Equal(t, models.StringList{"heartbeat delayed", "6 missed heartbeats"}, a.HealthReasons)

	// never reported: no age, no deductions
	a = h.reload(t, silent.ID)
	assert.Nil(t, a.HeartbeatAgeSec)
	assert.Equal(t, 100, a.HealthScore)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Agents.WithLabelValues("DEGRADED")))
}

func TestSweepOfflineTransitionRaisesOneAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.agent(t, "web-1", models.AgentHealthy, ago(130*time.Second))

	h.sweeper.Sweep(ctx)
	h.clock = h.clock.Add(10 * time.Second)
	h.sweeper.Sweep(ctx)

	got := h.reload(t, a.ID)
	assert.Equal(t, models.AgentOffline, got.Status)
	assert.Equal(t, 0, got.HealthScore)

	alerts, err := h.store.ListAlerts(ctx, store.AlertFilter{AgentID: a.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertOffline, alerts[0].Type)
	assert.Equal(t, models.SeverityP1, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "web-1")
	require.NotNil(t, alerts[0].IncidentID)

	inc, err := h.store.GetIncident(ctx, *alerts[0].IncidentID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentOpen, inc.Status)
	assert.Equal(t, models.SeverityP1, inc.Severity)
}

func TestSweepRecoveryResolvesOfflineAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.agent(t, "web-1", models.AgentHealthy, ago(200*time.Second))
	h.sweeper.Sweep(ctx)
	require.Equal(t, models.AgentOffline, h.reload(t, a.ID).Status)

	// heartbeat lands without going through ingest
	seen := h.clock.Add(-2 * time.Second)
	require.NoError(t, h.store.UpdateAgentFields(ctx, a.ID, map[string]any{"last_heartbeat": seen}))
	h.sweeper.Sweep(ctx)

	assert.Equal(t, models.AgentHealthy, h.reload(t, a.ID).Status)

	alerts, err := h.store.ListAlerts(ctx, store.AlertFilter{AgentID: a.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertStatusResolved, alerts[0].Status())

	inc, err := h.store.GetIncident(ctx, *alerts[0].IncidentID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, inc.Status)
	assert.Equal(t, models.ActorSystem, inc.ResolvedBy)
}

func TestSweepIsolatesPanickingAgent(t *testing.T) {
	h := newHarness(t)
	bad := h.agent(t, "bad", models.AgentHealthy, ago(time.Second))
	good := h.agent(t, "good", models.AgentHealthy, ago(200*time.Second))
	h.panicOn = bad.ID

	failed := h.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, failed)
	assert.Equal(t, models.AgentOffline, h.reload(t, good.ID).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SweepErrors))
}

func TestHeartbeatWaitsForSweepOfSameAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.agent(t, "web-1", models.AgentHealthy, ago(200*time.Second))

	svc := ingest.NewService(h.store, h.checker, h.locker, nil, nil, zap.NewNop(), h.metrics, ingest.Options{
		CPUThreshold:    90,
		MemoryThreshold: 90,
		Now:             func() time.Time { return h.clock },
	})
	cpu, mem := 10.0, 20.0

	done := make(chan error, 1)
	overlapped := false
	h.onPublish = func(id uint) {
		if id != a.ID {
			return
		}
		h.onPublish = nil
		go func() {
			_, err := svc.ByToken(ctx, a.Token, ingest.Payload{CPU: &cpu, Memory: &mem})
			done <- err
		}()
		select {
		case err := <-done:
			overlapped = true
			done <- err
		case <-time.After(100 * time.Millisecond):
		}
	}

	h.sweeper.Sweep(ctx)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat never completed")
	}
	assert.False(t, overlapped, "heartbeat ran while the sweep held the agent")

	// the sweep's OFFLINE transition landed first, then the heartbeat recovered it
	got := h.reload(t, a.ID)
	assert.Equal(t, models.AgentHealthy, got.Status)
	require.NotNil(t, got.LastHeartbeat)
	assert.True(t, got.LastHeartbeat.Equal(h.clock))
	require.NotNil(t, got.CPU)
	assert.Equal(t, 10.0, *got.CPU)

	alerts, err := h.store.ListAlerts(ctx, store.AlertFilter{AgentID: a.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertOffline, alerts[0].Type)
	assert.Equal(t, models.AlertStatusResolved, alerts[0].Status())
}

func TestJanitorPurgesExpiredRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := h.clock
	a := h.agent(t, "web-1", models.AgentHealthy, ago(time.Second))

	require.NoError(t, h.store.CreateSample(ctx, &models.MetricSample{AgentID: a.ID, CreatedAt: now.Add(-25 * time.Hour)}))
	require.NoError(t, h.store.CreateSample(ctx, &models.MetricSample{AgentID: a.ID, CreatedAt: now.Add(-time.Hour)}))

	stale := &models.Alert{AgentID: a.ID, Type: models.AlertCPUHigh, Severity: models.SeverityP2, Message: "old"}
	require.NoError(t, h.store.CreateAlert(ctx, stale))
	_, err := h.store.ResolveAlert(ctx, stale.ID, now.Add(-8*24*time.Hour))
	require.NoError(t, err)
	longOpen := &models.Alert{AgentID: a.ID, Type: models.AlertOffline, Severity: models.SeverityP1, Message: "open"}
	longOpen.CreatedAt = now.Add(-30 * 24 * time.Hour)
	require.NoError(t, h.store.CreateAlert(ctx, longOpen))

	j := NewJanitor(h.store, 24*time.Hour, 7*24*time.Hour, zap.NewNop(), func() time.Time { return now })
	samples, alerts, err := j.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), samples)
	assert.Equal(t, int64(1), alerts)

	_, err = h.store.GetAlert(ctx, longOpen.ID)
	assert.NoError(t, err)
}

func TestSchedulerLifecycle(t *testing.T) {
	h := newHarness(t)
	a := h.agent(t, "web-1", models.AgentHealthy, ago(500*time.Second))
	j := NewJanitor(h.store, 24*time.Hour, 7*24*time.Hour, zap.NewNop(), nil)
	s := NewScheduler(h.sweeper, j, 10*time.Millisecond, 10*time.Millisecond, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool {
		got, err := h.store.GetAgent(context.Background(), a.ID)
		return err == nil && got.Status == models.AgentOffline
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	h := newHarness(t)
	s := NewScheduler(h.sweeper, nil, time.Second, time.Second, zap.NewNop())
	s.Stop()
}
