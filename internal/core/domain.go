package core

import (
	"fmt"
	"strings"
	"time"
)

// Packet is the atomic classified record flowing through the system.
// Immutable once the pipeline has classified it.
type Packet struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	Timestamp        time.Time `json:"timestamp"`
	SourceIP         string    `json:"source_ip"`
	DestinationIP    string    `json:"destination_ip"`
	SourceCountry    string    `json:"source_country"`
	SourceLat        *float64  `json:"source_lat"`
	SourceLon        *float64  `json:"source_lon"`
	Method           string    `json:"method"`
	Protocol         string    `json:"protocol"`
	DstPort          int       `json:"dst_port"`
	Bytes            int64     `json:"bytes"`
	Entropy          float64   `json:"entropy"`
	AIScored         bool      `json:"ai_scored"`
	AnomalyScore     *float64  `json:"anomaly_score,omitempty"`
	AnomalyThreshold float64   `json:"anomaly_threshold"`
	AnomalyMean      float64   `json:"anomaly_mean"`
	AnomalyWarmedUp  bool      `json:"anomaly_warmed_up"`
	AnomalyBaselineN int       `json:"anomaly_baseline_n"`
	IsAnomaly        bool      `json:"is_anomaly"`
	AttackVector     string    `json:"attack_vector,omitempty"`
	SessionStartedAt time.Time `json:"session_started_at"`
}

// ThreatRecord is the subset of Packet fields persisted in the ThreatLog
// and consumed by the aggregator. One JSON object per log line.
type ThreatRecord struct {
	OwnerID       string    `json:"owner_id"`
	Timestamp     time.Time `json:"timestamp"`
	SourceIP      string    `json:"source_ip"`
	SourceCountry string    `json:"source_country"`
	DestinationIP string    `json:"destination_ip"`
	Protocol      string    `json:"protocol"`
	Method        string    `json:"method"`
	Bytes         int64     `json:"bytes"`
	AnomalyScore  *float64  `json:"anomaly_score,omitempty"`
	IsAnomaly     bool      `json:"is_anomaly"`
	AttackVector  string    `json:"attack_vector,omitempty"`
}

// ThreatRecordOf projects a classified THREAT packet onto its log form.
func ThreatRecordOf(p *Packet) ThreatRecord {
	return ThreatRecord{
		OwnerID:       p.OwnerID,
		Timestamp:     p.Timestamp,
		SourceIP:      p.SourceIP,
		SourceCountry: p.SourceCountry,
		DestinationIP: p.DestinationIP,
		Protocol:      p.Protocol,
		Method:        p.Method,
		Bytes:         p.Bytes,
		AnomalyScore:  p.AnomalyScore,
		IsAnomaly:     true,
		AttackVector:  p.AttackVector,
	}
}

// RawEvent is what the simulator hands to the pipeline: features only,
// no identity, no classification.
type RawEvent struct {
	SourceIP      string
	DestinationIP string
	Method        string
	Protocol      string
	DstPort       int
	Bytes         int64
	Entropy       float64
}

// ContactSubmission is the admin-inbox entity accepted by POST /api/contact.
type ContactSubmission struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Org        string    `json:"org,omitempty"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// Attack vector labels attached to THREAT packets.
const (
	VectorVolumetric  = "Volumetric"
	VectorProtocol    = "Protocol"
	VectorApplication = "Application"
)

// Protocols emitted by the simulator.
const (
	ProtocolTCP  = "TCP"
	ProtocolUDP  = "UDP"
	ProtocolICMP = "ICMP"
)

// Owner id prefixes. Every record and subscription is keyed by exactly one
// owner id of shape "user:<sub>" or "anon:<id>".
const (
	ownerPrefixUser = "user:"
	ownerPrefixAnon = "anon:"
)

func UserOwner(sub string) string { return ownerPrefixUser + sub }
func AnonOwner(id string) string  { return ownerPrefixAnon + id }

// IsAnonOwner reports whether the owner id carries the anonymous prefix.
func IsAnonOwner(owner string) bool { return strings.HasPrefix(owner, ownerPrefixAnon) }

// ProtocolNumber maps a protocol name to its IP protocol number, used as a
// numeric feature for scoring. Unknown protocols map to 0.
func ProtocolNumber(protocol string) float64 {
	switch protocol {
	case ProtocolICMP:
		return 1
	case ProtocolTCP:
		return 6
	case ProtocolUDP:
		return 17
	default:
		return 0
	}
}

// MethodCode maps a request method to a stable numeric feature.
func MethodCode(method string) float64 {
	switch method {
	case "GET":
		return 1
	case "POST":
		return 2
	case "PUT":
		return 3
	case "DELETE":
		return 4
	case "HEAD":
		return 5
	default:
		return 0
	}
}

func (p *Packet) String() string {
	verdict := "SAFE"
	if p.IsAnomaly {
		verdict = "THREAT"
	} else if !p.AIScored {
		verdict = "UNSCORED"
	}
	return fmt.Sprintf("packet %s owner=%s %s %s:%d %s", p.ID, p.OwnerID, verdict, p.DestinationIP, p.DstPort, p.Protocol)
}
