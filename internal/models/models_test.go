package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertStatusFromTimestamps(t *testing.T) {
	now := time.Now().UTC()
	a := &Alert{}
	assert.Equal(t, AlertStatusOpen, a.Status())

	a.AcknowledgedAt = &now
	assert.Equal(t, AlertStatusAcknowledged, a.Status())

	a.ResolvedAt = &now
	assert.Equal(t, AlertStatusResolved, a.Status())
}

func TestAlertJSONCarriesStatus(t *testing.T) {
	a := Alert{AgentID: 3, Type: AlertOffline, Severity: SeverityP1, Message: "gone"}
	raw, err := json.Marshal(a)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "OPEN", got["status"])
	assert.Equal(t, "OFFLINE", got["type"])
	assert.Equal(t, float64(3), got["agent_id"])
	assert.Contains(t, got, "id")
	assert.NotContains(t, got, "incident_id")
}

func TestModelJSONKeysAreSnakeCase(t *testing.T) {
	inc := Incident{Title: "disk full", Status: IncidentOpen}
	inc.ID = 12
	inc.CreatedAt = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(inc)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, float64(12), got["id"])
	assert.Equal(t, "2026-05-01T09:00:00Z", got["created_at"])
	assert.Contains(t, got, "updated_at")
	for _, k := range []string{"ID", "CreatedAt", "UpdatedAt", "DeletedAt", "deleted_at"} {
		assert.NotContains(t, got, k)
	}

	var back Incident
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, uint(12), back.ID)
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityP1.MoreSevereThan(SeverityP2))
	assert.True(t, SeverityP3.MoreSevereThan(SeverityP4))
	assert.False(t, SeverityP4.MoreSevereThan(SeverityP1))
	assert.False(t, SeverityP2.MoreSevereThan(SeverityP2))
	assert.True(t, SeverityP4.MoreSevereThan("bogus"))
	assert.False(t, Severity("P0").MoreSevereThan(SeverityP4))
	assert.False(t, Severity("").Valid())
}

func TestAgentStatusValid(t *testing.T) {
	for _, s := range AgentStatuses {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, AgentStatus("UNKNOWN").Valid())
}

func TestMetadataFromMapAndMerge(t *testing.T) {
	m := MetadataFromMap(map[string]any{
		"os":       "debian",
		"version":  "1.2.0",
		"hostname": "web-1",
		"cores":    8,
		"rack":     "r4",
		"ignored":  nil,
	})
	assert.Equal(t, "debian", m.OS)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, "web-1", m.Hostname)
	assert.Equal(t, map[string]string{"cores": "8", "rack": "r4"}, m.Extra)

	base := AgentMetadata{OS: "ubuntu", Environment: "prod", Extra: map[string]string{"rack": "r1", "zone": "a"}}
	merged := base.Merge(m)
	assert.Equal(t, "debian", merged.OS)
	assert.Equal(t, "prod", merged.Environment)
	assert.Equal(t, map[string]string{"rack": "r4", "zone": "a", "cores": "8"}, merged.Extra)
	// the receiver's map is not mutated
	assert.Equal(t, "r1", base.Extra["rack"])
}

func TestJSONColumns(t *testing.T) {
	v, err := StringList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	var s StringList
	require.NoError(t, s.Scan([]byte(`["heartbeat delayed"]`)))
	assert.Equal(t, StringList{"heartbeat delayed"}, s)
	require.NoError(t, s.Scan(nil))
	assert.Equal(t, StringList{}, s)

	var ids IDList
	require.NoError(t, ids.Scan("[4,9]"))
	assert.True(t, ids.Contains(9))
	assert.False(t, ids.Contains(5))

	v, err = Labels(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	var meta AgentMetadata
	require.NoError(t, meta.Scan(`{"os":"linux","extra":{"k":"v"}}`))
	assert.Equal(t, "linux", meta.OS)
	assert.Equal(t, "v", meta.Extra["k"])

	assert.Error(t, ids.Scan(42))
}
