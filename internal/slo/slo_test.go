package slo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vesaa/fleetpulse/internal/models"
	"github.com/vesaa/fleetpulse/internal/store"
)

var now = time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

func TestBucketsCountDistinctAgents(t *testing.T) {
	w := Window{Span: 30 * time.Minute, Bucket: 10 * time.Minute}
	samples := []models.MetricSample{
		{AgentID: 1, CreatedAt: now.Add(-25 * time.Minute)},
		{AgentID: 1, CreatedAt: now.Add(-24 * time.Minute)},
		{AgentID: 2, CreatedAt: now.Add(-21 * time.Minute)},
		{AgentID: 1, CreatedAt: now.Add(-5 * time.Minute)},
		{AgentID: 3, CreatedAt: now.Add(-time.Hour)}, // outside window
		{AgentID: 3, CreatedAt: now},                 // end is exclusive
	}

	b := Buckets(samples, 4, w, now)
	require.Len(t, b, 3)
	assert.True(t, b[0].Timestamp.Equal(now.Add(-30*time.Minute)))
	assert.Equal(t, 50, b[0].Uptime)
	assert.Equal(t, 0, b[1].Uptime)
	assert.Equal(t, 25, b[2].Uptime)
}

func TestBucketsEmptyFleet(t *testing.T) {
	b := Buckets(nil, 0, Window24h, now)
	require.Len(t, b, 288)
	for _, x := range b {
		assert.Equal(t, 0, x.Uptime)
	}
	assert.Len(t, Buckets(nil, 3, Window7d, now), 168)
}

func TestCalculateSLO(t *testing.T) {
	s, err := CalculateSLO(1000, 1)
	require.NoError(t, err)
	assert.Equal(t, 99.9, s.UptimePct)
	assert.InDelta(t, 0.1, s.ErrorBudgetRemaining, 1e-9)

	s, err = CalculateSLO(60, 0)
	require.NoError(t, err)
	assert.Equal(t, 100.0, s.UptimePct)
	assert.Equal(t, 0.0, s.ErrorBudgetRemaining)

	s, err = CalculateSLO(60, 120)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.UptimePct)
	assert.Equal(t, 100.0, s.ErrorBudgetRemaining)

	_, err = CalculateSLO(0, 0)
	assert.Error(t, err)
}

func TestServiceUptime(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(store.Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "slo.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	for _, name := range []string{"a", "b"} {
		require.NoError(t, st.CreateAgent(ctx, &models.Agent{Name: name, Token: name, Status: models.AgentHealthy}))
	}
	// agent 1 reports in every 5-minute bucket of the last day
	for i := 0; i < 288; i++ {
		require.NoError(t, st.CreateSample(ctx, &models.MetricSample{
			AgentID: 1, CreatedAt: now.Add(-24*time.Hour + time.Duration(i)*5*time.Minute + time.Minute),
		}))
	}

	rep, err := NewService(st, func() time.Time { return now }).Uptime(ctx, Window24h)
	require.NoError(t, err)
	require.Len(t, rep.Buckets, 288)
	for _, b := range rep.Buckets {
		assert.Equal(t, 50, b.Uptime)
	}
	assert.Equal(t, 50.0, rep.SLO.UptimePct)
}
