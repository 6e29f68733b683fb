package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracel/backend/internal/core"
)

func rec(ip, country, vector string, score float64, ts time.Time) core.ThreatRecord {
	s := score
	return core.ThreatRecord{
		OwnerID:       "user:a",
		Timestamp:     ts,
		SourceIP:      ip,
		SourceCountry: country,
		DestinationIP: "10.20.0.11",
		Protocol:      core.ProtocolTCP,
		Method:        "GET",
		Bytes:         9000,
		AnomalyScore:  &s,
		IsAnomaly:     true,
		AttackVector:  vector,
	}
}

func TestIntelEmptyWindow(t *testing.T) {
	intel := BuildIntel(nil, 5)

	assert.Equal(t, 0, intel.TotalThreats)
	assert.Empty(t, intel.TopHostileIPs)
	assert.Empty(t, intel.GeoAllCountries)
	assert.Equal(t, map[string]int{"Volumetric": 0, "Protocol": 0, "Application": 0}, intel.AttackVectorDistribution)
	assert.Equal(t, map[string]int{"Obvious": 0, "Subtle": 0, "Other": 0}, intel.AIConfidenceDistribution)
	assert.Nil(t, intel.AIConfidenceThresholds)
}

func TestIntelTopHostileIPs(t *testing.T) {
	base := time.Now().UTC()
	rows := []core.ThreatRecord{
		rec("203.0.113.1", "Germany", core.VectorVolumetric, -0.1, base),
		rec("203.0.113.1", "Germany", core.VectorVolumetric, -0.1, base.Add(time.Second)),
		rec("203.0.113.1", "Germany", core.VectorVolumetric, -0.1, base.Add(2*time.Second)),
		rec("203.0.113.2", "France", core.VectorProtocol, -0.2, base.Add(5*time.Second)),
		rec("203.0.113.2", "France", core.VectorProtocol, -0.2, base.Add(6*time.Second)),
		rec("203.0.113.3", "France", core.VectorProtocol, -0.3, base.Add(30*time.Second)),
		rec("203.0.113.4", "Brazil", core.VectorApplication, -0.4, base.Add(3*time.Second)),
	}

	intel := BuildIntel(rows, 3)
	require.Len(t, intel.TopHostileIPs, 3, "truncated to topN")

	assert.Equal(t, "203.0.113.1", intel.TopHostileIPs[0].IP)
	assert.Equal(t, 3, intel.TopHostileIPs[0].Count)
	assert.True(t, intel.TopHostileIPs[0].LastSeen.Equal(base.Add(2*time.Second)))

	assert.Equal(t, "203.0.113.2", intel.TopHostileIPs[1].IP)

	// .3 and .4 both have count 1; the more recently seen wins the tie.
	assert.Equal(t, "203.0.113.3", intel.TopHostileIPs[2].IP)
}

func TestIntelVectorDistributionDropsUnknown(t *testing.T) {
	base := time.Now().UTC()
	rows := []core.ThreatRecord{
		rec("203.0.113.1", "Germany", core.VectorVolumetric, -0.1, base),
		rec("203.0.113.2", "Germany", "Mystery", -0.1, base),
		rec("203.0.113.3", "Germany", "", -0.1, base),
	}

	intel := BuildIntel(rows, 5)
	assert.Equal(t, 3, intel.TotalThreats, "unknown vectors still count toward total")
	assert.Equal(t, 1, intel.AttackVectorDistribution[core.VectorVolumetric])
	assert.Equal(t, 0, intel.AttackVectorDistribution[core.VectorProtocol])
	assert.Equal(t, 0, intel.AttackVectorDistribution[core.VectorApplication])
	assert.NotContains(t, intel.AttackVectorDistribution, "Mystery")
}

func TestIntelGeoPercentagesFloorToAtMost100(t *testing.T) {
	base := time.Now().UTC()
	rows := []core.ThreatRecord{
		rec("203.0.113.1", "Germany", core.VectorVolumetric, -0.1, base),
		rec("203.0.113.2", "Germany", core.VectorVolumetric, -0.1, base),
		rec("203.0.113.3", "", core.VectorVolumetric, -0.1, base),
	}

	intel := BuildIntel(rows, 5)
	require.Len(t, intel.GeoAllCountries, 2)

	assert.Equal(t, "Germany", intel.GeoAllCountries[0].Name)
	assert.Equal(t, 66, intel.GeoAllCountries[0].Pct)
	assert.Equal(t, "Unknown", intel.GeoAllCountries[1].Name)
	assert.Equal(t, 33, intel.GeoAllCountries[1].Pct)

	sum := 0
	for _, c := range intel.GeoAllCountries {
		sum += c.Pct
	}
	assert.LessOrEqual(t, sum, 100)
}

func TestIntelConfidenceSplit20_40_40(t *testing.T) {
	base := time.Now().UTC()
	var rows []core.ThreatRecord
	// Ten distinct ascending scores: -0.10, -0.09, ... -0.01.
	for i := 0; i < 10; i++ {
		rows = append(rows, rec("203.0.113.1", "Germany", core.VectorVolumetric,
			-0.10+float64(i)*0.01, base))
	}

	intel := BuildIntel(rows, 5)
	assert.Equal(t, 2, intel.AIConfidenceDistribution["Obvious"])
	assert.Equal(t, 4, intel.AIConfidenceDistribution["Subtle"])
	assert.Equal(t, 4, intel.AIConfidenceDistribution["Other"])

	require.NotNil(t, intel.AIConfidenceThresholds)
	assert.InDelta(t, -0.09, intel.AIConfidenceThresholds.ObviousMax, 1e-9)
	assert.InDelta(t, -0.05, intel.AIConfidenceThresholds.SubtleMax, 1e-9)
}

func TestIntelConfidenceAllEqualScoresOneBucket(t *testing.T) {
	base := time.Now().UTC()
	var rows []core.ThreatRecord
	for i := 0; i < 6; i++ {
		rows = append(rows, rec("203.0.113.1", "Germany", core.VectorVolumetric, -0.05, base))
	}

	intel := BuildIntel(rows, 5)
	assert.Equal(t, 6, intel.AIConfidenceDistribution["Obvious"])
	assert.Equal(t, 0, intel.AIConfidenceDistribution["Subtle"])
	assert.Equal(t, 0, intel.AIConfidenceDistribution["Other"])
}

func TestIntelSingleThreatIsObvious(t *testing.T) {
	intel := BuildIntel([]core.ThreatRecord{
		rec("203.0.113.9", "Germany", core.VectorVolumetric, 0.0, time.Now().UTC()),
	}, 5)

	assert.Equal(t, 1, intel.TotalThreats)
	assert.GreaterOrEqual(t, intel.AIConfidenceDistribution["Obvious"], 1)
	require.Len(t, intel.TopHostileIPs, 1)
	assert.Equal(t, "203.0.113.9", intel.TopHostileIPs[0].IP)
}

func TestIntelSkipsNilScoresInConfidence(t *testing.T) {
	base := time.Now().UTC()
	withScore := rec("203.0.113.1", "Germany", core.VectorVolumetric, -0.1, base)
	noScore := rec("203.0.113.2", "Germany", core.VectorProtocol, 0, base)
	noScore.AnomalyScore = nil

	intel := BuildIntel([]core.ThreatRecord{withScore, noScore}, 5)
	assert.Equal(t, 2, intel.TotalThreats)
	total := intel.AIConfidenceDistribution["Obvious"] +
		intel.AIConfidenceDistribution["Subtle"] +
		intel.AIConfidenceDistribution["Other"]
	assert.Equal(t, 1, total, "only scored records enter the distribution")
}
