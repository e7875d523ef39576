package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vesaa/fleetpulse/internal/models"
	"github.com/vesaa/fleetpulse/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "audit.db")}, zap.NewNop())
	require.NoError(t, err)
	return st
}

func TestRecordWritesEntry(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	t.Cleanup(func() { _ = st.Close() })

	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	r := NewRecorder(st, zap.NewNop(), func() time.Time { return at })
	r.Record(ctx, "alice", AckIncident, TargetIncident, 7, models.Labels{"note": "paged"})

	entries, err := st.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "alice", e.Actor)
	assert.Equal(t, AckIncident, e.Action)
	assert.Equal(t, TargetIncident, e.TargetType)
	assert.Equal(t, uint(7), e.TargetID)
	assert.Equal(t, "paged", e.Metadata["note"])
	assert.True(t, e.CreatedAt.Equal(at))
}

func TestRecordFailureIsOnlyLogged(t *testing.T) {
	st := openStore(t)
	require.NoError(t, st.Close())

	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRecorder(st, zap.New(core), nil)

	assert.NotPanics(t, func() {
		r.Record(context.Background(), "bob", ResolveAlert, TargetAlert, 1, nil)
	})
	assert.Equal(t, 1, logs.FilterMessage("audit write failed").Len())
}
