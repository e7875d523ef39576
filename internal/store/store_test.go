package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vesaa/fleetpulse/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkAgent(t *testing.T, s *Store, name string) *models.Agent {
	t.Helper()
	a := &models.Agent{Name: name, Token: "tok-" + name, Status: models.AgentOffline}
	require.NoError(t, s.CreateAgent(context.Background(), a))
	return a
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "oracle"}, zap.NewNop())
	assert.Error(t, err)
}

func TestSQLLogSkipsRecordNotFound(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	s, err := Open(Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "log.db")}, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.GetAgentByName(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindOpenAlert(ctx, 1, models.AlertCPUHigh)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, logs.FilterMessageSnippet("record not found").Len())

	// real SQL errors still reach the log
	assert.Error(t, s.with(ctx).Exec("SELECT * FROM nowhere").Error)
	assert.Equal(t, 1, logs.FilterLoggerName("gorm").FilterMessageSnippet("nowhere").Len())
}

func TestAgentLookups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mkAgent(t, s, "web-1")

	got, err := s.GetAgentByToken(ctx, "tok-web-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got, err = s.GetAgentByName(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = s.GetAgentByToken(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAgentByName(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAgent(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAgentFieldsRoundTripsJSONColumns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mkAgent(t, s, "db-1")

	age := int64(30)
	err := s.UpdateAgentFields(ctx, a.ID, map[string]any{
		"status":            models.AgentDegraded,
		"heartbeat_age_sec": age,
		"health_score":      80,
		"health_reasons":    models.StringList{"heartbeat delayed"},
		"metadata":          models.AgentMetadata{OS: "linux", Extra: map[string]string{"rack": "b2"}},
	})
	require.NoError(t, err)

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentDegraded, got.Status)
	require.NotNil(t, got.HeartbeatAgeSec)
	assert.Equal(t, int64(30), *got.HeartbeatAgeSec)
	assert.Equal(t, 80, got.HealthScore)
	assert.Equal(t, models.StringList{"heartbeat delayed"}, got.HealthReasons)
	assert.Equal(t, "linux", got.Metadata.OS)
	assert.Equal(t, "b2", got.Metadata.Extra["rack"])

	assert.ErrorIs(t, s.UpdateAgentFields(ctx, 999, map[string]any{"health_score": 1}), ErrNotFound)
}

func TestCountAgentsByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mkAgent(t, s, "a")
	mkAgent(t, s, "b")
	require.NoError(t, s.UpdateAgentFields(ctx, a.ID, map[string]any{"status": models.AgentHealthy}))

	counts, err := s.CountAgentsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.AgentHealthy])
	assert.Equal(t, int64(1), counts[models.AgentOffline])
	assert.Equal(t, int64(0), counts[models.AgentDegraded])
	assert.Len(t, counts, 4)
}

func TestResolveAlertIsGuarded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mkAgent(t, s, "a")

	_, err := s.FindOpenAlert(ctx, a.ID, models.AlertCPUHigh)
	assert.ErrorIs(t, err, ErrNotFound)

	al := &models.Alert{AgentID: a.ID, Type: models.AlertCPUHigh, Severity: models.SeverityP2, Message: "cpu"}
	require.NoError(t, s.CreateAlert(ctx, al))

	open, err := s.FindOpenAlert(ctx, a.ID, models.AlertCPUHigh)
	require.NoError(t, err)
	assert.Equal(t, al.ID, open.ID)

	ok, err := s.ResolveAlert(ctx, al.ID, base)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ResolveAlert(ctx, al.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "second resolve must not win")

	got, err := s.GetAlert(ctx, al.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(base))
	assert.Equal(t, models.AlertStatusResolved, got.Status())
	require.NotNil(t, got.Agent)
	assert.Equal(t, "a", got.Agent.Name)
}

func TestListAlertsFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mkAgent(t, s, "a")
	b := mkAgent(t, s, "b")

	for _, al := range []*models.Alert{
		{AgentID: a.ID, Type: models.AlertCPUHigh, Severity: models.SeverityP2, Message: "1"},
		{AgentID: a.ID, Type: models.AlertMemoryHigh, Severity: models.SeverityP2, Message: "2"},
		{AgentID: b.ID, Type: models.AlertOffline, Severity: models.SeverityP1, Message: "3"},
	} {
		require.NoError(t, s.CreateAlert(ctx, al))
	}
	_, err := s.ResolveAlert(ctx, 1, base)
	require.NoError(t, err)

	active, err := s.ListAlerts(ctx, AlertFilter{Status: "active"})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	resolved, err := s.ListAlerts(ctx, AlertFilter{Status: "resolved"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "1", resolved[0].Message)

	forA, err := s.ListAlerts(ctx, AlertFilter{AgentID: a.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, forA, 1)

	_, err = s.ListAlerts(ctx, AlertFilter{Status: "weird"})
	assert.Error(t, err)
}

func TestPurgeResolvedAlertsKeepsOpenOnes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mkAgent(t, s, "a")

	old := &models.Alert{AgentID: a.ID, Type: models.AlertCPUHigh, Severity: models.SeverityP2, Message: "old"}
	open := &models.Alert{AgentID: a.ID, Type: models.AlertOffline, Severity: models.SeverityP1, Message: "open"}
	require.NoError(t, s.CreateAlert(ctx, old))
	require.NoError(t, s.CreateAlert(ctx, open))
	_, err := s.ResolveAlert(ctx, old.ID, base.Add(-8*24*time.Hour))
	require.NoError(t, err)

	n, err := s.PurgeResolvedAlerts(ctx, base.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetAlert(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAlert(ctx, open.ID)
	assert.NoError(t, err)
}

func TestIncidentQueries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mkAgent(t, s, "a")

	cpu := models.AlertCPUHigh
	mem := models.AlertMemoryHigh
	inc := &models.Incident{AgentID: &a.ID, Severity: models.SeverityP2, Type: cpu, Title: "cpu", Status: models.IncidentOpen}
	require.NoError(t, s.CreateIncident(ctx, inc))

	got, err := s.FindOpenIncident(ctx, a.ID, &cpu)
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)

	_, err = s.FindOpenIncident(ctx, a.ID, &mem)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = s.FindOpenIncident(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)

	byTitle, err := s.FindOpenIncidentByTitle(ctx, &a.ID, "cpu")
	require.NoError(t, err)
	assert.Equal(t, inc.ID, byTitle.ID)
	_, err = s.FindOpenIncidentByTitle(ctx, nil, "cpu")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpdateIncidentFields(ctx, inc.ID, map[string]any{"alert_ids": models.IDList{4, 9}}))
	got, err = s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IDList{4, 9}, got.AlertIDs)

	ok, err := s.AcknowledgeIncident(ctx, inc.ID, "carol", base)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AcknowledgeIncident(ctx, inc.ID, "dave", base)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ResolveIncident(ctx, inc.ID, "alice", base)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ResolveIncident(ctx, inc.ID, "bob", base)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, got.Status)
	assert.Equal(t, "alice", got.ResolvedBy)
	assert.Equal(t, "carol", got.AcknowledgedBy)

	_, err = s.FindOpenIncident(ctx, a.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	resolved, err := s.ListIncidents(ctx, models.IncidentResolved, 0)
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
	open, err := s.ListIncidents(ctx, models.IncidentOpen, 0)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEventsAreOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, typ := range []models.EventType{models.EventCreated, models.EventAlertAttached, models.EventResolved} {
		require.NoError(t, s.AppendEvent(ctx, &models.IncidentEvent{
			IncidentID: 1, Type: typ, Actor: models.ActorSystem, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	evs, err := s.ListEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, models.EventCreated, evs[0].Type)
	assert.Equal(t, models.EventResolved, evs[2].Type)
}

func TestSamplesLimitAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateSample(ctx, &models.MetricSample{
			AgentID: 1, CPU: float64(i), Memory: 1, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	last2, err := s.ListSamples(ctx, 1, base, 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, 3.0, last2[0].CPU)
	assert.Equal(t, 4.0, last2[1].CPU)

	all, err := s.ListSamples(ctx, 1, base.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	stamps, err := s.SampleStamps(ctx, base)
	require.NoError(t, err)
	require.Len(t, stamps, 5)
	assert.Equal(t, uint(1), stamps[0].AgentID)
	assert.True(t, stamps[4].CreatedAt.Equal(base.Add(4*time.Minute)))

	n, err := s.PurgeSamples(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.Transaction(ctx, func(tx *Store) error {
		if err := tx.CreateAgent(ctx, &models.Agent{Name: "ghost", Token: "g", Status: models.AgentOffline}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetAgentByName(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RecordAudit(ctx, &models.AuditLog{
		Actor: "admin", Action: "ACK_ALERT", TargetType: "alert", TargetID: 3,
		Metadata: models.Labels{"note": "looking"},
	}))
	entries, err := s.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "looking", entries[0].Metadata["note"])
}
