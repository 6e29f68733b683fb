// Package aggregate derives the threat-intelligence report and the incident
// timeline from an owner's stored THREAT records.
package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/tracel/backend/internal/core"
)

const defaultTopN = 5

// HostileIP is one row of the top-attackers table.
type HostileIP struct {
	IP       string    `json:"ip"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// CountryCount is one row of the geographic breakdown. Pct is a whole
// percent, floored, so the column sums to at most 100.
type CountryCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Pct   int    `json:"pct"`
}

// ConfidenceThresholds reports the score cuts behind the confidence buckets
// so the UI can explain them.
type ConfidenceThresholds struct {
	ObviousMax float64 `json:"obvious_max"`
	SubtleMax  float64 `json:"subtle_max"`
}

// ThreatIntel is the aggregate report for one owner and window.
type ThreatIntel struct {
	TotalThreats             int                   `json:"total_threats"`
	TopHostileIPs            []HostileIP           `json:"top_hostile_ips"`
	AttackVectorDistribution map[string]int        `json:"attack_vector_distribution"`
	GeoAllCountries          []CountryCount        `json:"geo_all_countries"`
	AIConfidenceDistribution map[string]int        `json:"ai_confidence_distribution"`
	AIConfidenceThresholds   *ConfidenceThresholds `json:"ai_confidence_thresholds,omitempty"`
	SinceHours               int                   `json:"since_hours"`
	Degraded                 bool                  `json:"degraded,omitempty"`
}

// Confidence bucket names. Lower scores are more suspicious: the bottom 20%
// of the window's scores are Obvious, the next 40% Subtle, the rest Other.
const (
	confidenceObvious = "Obvious"
	confidenceSubtle  = "Subtle"
	confidenceOther   = "Other"
)

// BuildIntel computes the report from in-window rows. Row order does not
// matter; everything is re-derived here.
func BuildIntel(rows []core.ThreatRecord, topN int) *ThreatIntel {
	if topN <= 0 {
		topN = defaultTopN
	}

	intel := &ThreatIntel{
		TotalThreats:  len(rows),
		TopHostileIPs: []HostileIP{},
		AttackVectorDistribution: map[string]int{
			core.VectorVolumetric:  0,
			core.VectorProtocol:    0,
			core.VectorApplication: 0,
		},
		GeoAllCountries: []CountryCount{},
		AIConfidenceDistribution: map[string]int{
			confidenceObvious: 0,
			confidenceSubtle:  0,
			confidenceOther:   0,
		},
	}
	if len(rows) == 0 {
		return intel
	}

	type ipAgg struct {
		count    int
		lastSeen time.Time
	}
	byIP := make(map[string]*ipAgg)
	byCountry := make(map[string]int)
	scores := make([]float64, 0, len(rows))

	for i := range rows {
		r := &rows[i]

		agg := byIP[r.SourceIP]
		if agg == nil {
			agg = &ipAgg{}
			byIP[r.SourceIP] = agg
		}
		agg.count++
		if r.Timestamp.After(agg.lastSeen) {
			agg.lastSeen = r.Timestamp
		}

		// Unknown vectors stay in total_threats but not in the breakdown.
		switch r.AttackVector {
		case core.VectorVolumetric, core.VectorProtocol, core.VectorApplication:
			intel.AttackVectorDistribution[r.AttackVector]++
		}

		country := r.SourceCountry
		if country == "" {
			country = "Unknown"
		}
		byCountry[country]++

		if r.AnomalyScore != nil {
			scores = append(scores, *r.AnomalyScore)
		}
	}

	for ip, agg := range byIP {
		intel.TopHostileIPs = append(intel.TopHostileIPs, HostileIP{
			IP:       ip,
			Count:    agg.count,
			LastSeen: agg.lastSeen,
		})
	}
	sort.Slice(intel.TopHostileIPs, func(i, j int) bool {
		a, b := intel.TopHostileIPs[i], intel.TopHostileIPs[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.LastSeen.After(b.LastSeen)
	})
	if len(intel.TopHostileIPs) > topN {
		intel.TopHostileIPs = intel.TopHostileIPs[:topN]
	}

	for name, count := range byCountry {
		intel.GeoAllCountries = append(intel.GeoAllCountries, CountryCount{
			Name:  name,
			Count: count,
			Pct:   count * 100 / len(rows),
		})
	}
	sort.Slice(intel.GeoAllCountries, func(i, j int) bool {
		a, b := intel.GeoAllCountries[i], intel.GeoAllCountries[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Name < b.Name
	})

	if len(scores) > 0 {
		obvious, subtle := confidenceCuts(scores)
		for _, s := range scores {
			switch {
			case s <= obvious:
				intel.AIConfidenceDistribution[confidenceObvious]++
			case s <= subtle:
				intel.AIConfidenceDistribution[confidenceSubtle]++
			default:
				intel.AIConfidenceDistribution[confidenceOther]++
			}
		}
		intel.AIConfidenceThresholds = &ConfidenceThresholds{
			ObviousMax: obvious,
			SubtleMax:  subtle,
		}
	}

	return intel
}

// confidenceCuts returns the 20th and 60th percentile cut values. Scores are
// sorted ascending in place. With ties spanning a cut the tied records all
// land in the lower bucket; all-equal scores therefore collapse into Obvious.
func confidenceCuts(scores []float64) (obviousMax, subtleMax float64) {
	sort.Float64s(scores)
	n := len(scores)
	idx20 := int(math.Ceil(0.2 * float64(n)))
	if idx20 < 1 {
		idx20 = 1
	}
	idx60 := int(math.Ceil(0.6 * float64(n)))
	if idx60 < idx20 {
		idx60 = idx20
	}
	return scores[idx20-1], scores[idx60-1]
}
