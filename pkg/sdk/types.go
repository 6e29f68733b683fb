package sdk

import "time"

// Attack vector labels a threat packet may carry
const (
	// VectorVolumetric — flood-style traffic (oversized payloads, UDP bursts)
	VectorVolumetric = "Volumetric"

	// VectorProtocol — malformed or suspicious transport usage
	VectorProtocol = "Protocol"

	// VectorApplication — request-level abuse (injection-like entropy, odd methods)
	VectorApplication = "Application"
)

// Packet is one classified record as served by the history API and the live
// feeds. Pointer fields are null until the matching enrichment stage ran.
type Packet struct {
	// ID is the server-assigned packet UUID
	ID string `json:"id"`

	// OwnerID is the tenant the packet belongs to ("user:..." or "anon:...")
	OwnerID string `json:"owner_id"`

	// Timestamp is when the packet entered the pipeline
	Timestamp time.Time `json:"timestamp"`

	SourceIP      string   `json:"source_ip"`
	DestinationIP string   `json:"destination_ip"`
	SourceCountry string   `json:"source_country"`
	SourceLat     *float64 `json:"source_lat"`
	SourceLon     *float64 `json:"source_lon"`

	Method   string  `json:"method"`
	Protocol string  `json:"protocol"`
	DstPort  int     `json:"dst_port"`
	Bytes    int64   `json:"bytes"`
	Entropy  float64 `json:"entropy"`

	// AIScored reports whether the score came from the model service
	// (false means the statistical fallback produced it)
	AIScored bool `json:"ai_scored"`

	// AnomalyScore is the raw model output; lower is more anomalous
	AnomalyScore *float64 `json:"anomaly_score,omitempty"`

	// AnomalyThreshold is the adaptive cut the score was judged against
	AnomalyThreshold float64 `json:"anomaly_threshold"`
	AnomalyMean      float64 `json:"anomaly_mean"`
	AnomalyWarmedUp  bool    `json:"anomaly_warmed_up"`
	AnomalyBaselineN int     `json:"anomaly_baseline_n"`

	// IsAnomaly is the final verdict after baseline classification
	IsAnomaly bool `json:"is_anomaly"`

	// AttackVector is set only when IsAnomaly is true
	AttackVector string `json:"attack_vector,omitempty"`

	// SessionStartedAt is the start of the pipeline session that produced
	// this packet
	SessionStartedAt time.Time `json:"session_started_at"`
}

// SessionInfo is the caller's live pipeline state. The zero value means no
// pipeline is running for this owner right now.
type SessionInfo struct {
	StartedAt  time.Time `json:"started_at"`
	AttackMode bool      `json:"attack_mode"`
}

// Session is the response of GET /api/session.
type Session struct {
	// OwnerID is the identity the server resolved for the caller
	OwnerID string `json:"owner_id"`

	// Kind is "user" for verified JWT identities, "anon" otherwise
	Kind string `json:"kind"`

	Email   string      `json:"email,omitempty"`
	IsAdmin bool        `json:"is_admin"`
	Session SessionInfo `json:"session"`
}

// Status is the response of GET /api/status.
type Status struct {
	// AIReady reports whether the scoring service circuit is closed
	AIReady bool `json:"ai_ready"`

	Session struct {
		StartedAt time.Time `json:"started_at"`
	} `json:"session"`
}

// PacketQuery narrows a history read. Zero values mean "server default".
type PacketQuery struct {
	// Limit caps the page size (server default 200, max 1000)
	Limit int

	// Since keeps only packets at or after this instant
	Since time.Time

	// Anomaly filters by verdict; nil returns both
	Anomaly *bool

	// IP filters by exact source address
	IP string
}

// PacketPage is one page of packet history. Degraded reports that the server
// answered from its in-memory tier because the primary store is unreachable.
type PacketPage struct {
	Packets  []Packet `json:"packets"`
	Count    int      `json:"count"`
	Degraded bool     `json:"degraded"`
}

// HostileIP is one row of the threat report's top-attackers table.
type HostileIP struct {
	IP       string    `json:"ip"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// CountryCount is one row of the threat report's geographic breakdown.
type CountryCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Pct   int    `json:"pct"`
}

// ConfidenceThresholds are the score cuts behind the confidence buckets.
type ConfidenceThresholds struct {
	ObviousMax float64 `json:"obvious_max"`
	SubtleMax  float64 `json:"subtle_max"`
}

// ThreatIntel is the response of GET /api/threat-intel.
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

// TimelineQuery selects the window and granularity for the incident
// timeline. A zero From means "since the account's first packet".
type TimelineQuery struct {
	From time.Time
	To   time.Time

	// Bucket is "hour", "day", "month" or "auto" (default)
	Bucket string
}

// TimelineBucket is one point of the incident timeline.
type TimelineBucket struct {
	Bucket  string `json:"bucket"`
	Attacks int    `json:"attacks"`
}

// Timeline is the response of GET /api/incidents/timeline.
type Timeline struct {
	Bucket   string           `json:"bucket"`
	From     time.Time        `json:"from"`
	To       time.Time        `json:"to"`
	Timeline []TimelineBucket `json:"timeline"`
	Degraded bool             `json:"degraded,omitempty"`
}

// ContactRequest is the body of POST /api/contact.
type ContactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Org     string `json:"org,omitempty"`
	Message string `json:"message"`
}
