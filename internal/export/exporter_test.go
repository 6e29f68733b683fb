package export

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracel/backend/internal/core"
	"github.com/tracel/backend/internal/events"
)

func TestThreatMessageCarriesOrderingKeyAndAttributes(t *testing.T) {
	score := -0.3
	rec := &core.ThreatRecord{
		OwnerID:      "anon:42",
		Timestamp:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		SourceIP:     "5.188.10.20",
		IsAnomaly:    true,
		AnomalyScore: &score,
		AttackVector: core.VectorVolumetric,
	}
	ev := events.NewThreatEvent("tracel/pipeline", rec)

	msg, err := threatMessage(ev)
	require.NoError(t, err)

	assert.Equal(t, "anon:42", msg.OrderingKey)
	assert.Equal(t, events.TypeThreatDetected, msg.Attributes["ce-type"])
	assert.Equal(t, "anon:42", msg.Attributes["ce-ownerid"])
	assert.Equal(t, ev.ID, msg.Attributes["ce-id"])
	assert.Equal(t, "1.0", msg.Attributes["ce-specversion"])

	var decoded events.CloudEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.NotNil(t, decoded.Threat)
	assert.Equal(t, core.VectorVolumetric, decoded.Threat.AttackVector)
	assert.Equal(t, "5.188.10.20", decoded.Threat.SourceIP)
}

func TestThreatMessagePayloadIsCloudEventJSON(t *testing.T) {
	ev := events.NewCloudEvent(events.TypeThreatDetected, "tracel/pipeline", "user:a", nil)
	ev.OwnerID = "user:a"

	msg, err := threatMessage(ev)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Data, &raw))
	assert.Equal(t, "1.0", raw["specversion"])
	assert.Equal(t, "user:a", raw["owner_id"])
}
