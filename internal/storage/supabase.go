package storage

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/supabase-community/postgrest-go"
	supabase "github.com/supabase-community/supabase-go"

	"github.com/tracel/backend/internal/core"
)

// SupabaseStore is the postgrest-backed primary. Tables are provisioned on
// the Supabase side with the same columns the Postgres migrations create.
type SupabaseStore struct {
	client *supabase.Client
	logger *log.Logger
}

func NewSupabaseStore(url, key string) (*SupabaseStore, error) {
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{
		client: client,
		logger: log.New(log.Writer(), "[SUPABASE] ", log.LstdFlags),
	}, nil
}

// packetRow mirrors the packets table. Field tags are the column names, so
// the same struct serves insert and select.
type packetRow struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	TS               time.Time `json:"ts"`
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
	AnomalyScore     *float64  `json:"anomaly_score"`
	AnomalyThreshold float64   `json:"anomaly_threshold"`
	AnomalyMean      float64   `json:"anomaly_mean"`
	AnomalyWarmedUp  bool      `json:"anomaly_warmed_up"`
	AnomalyBaselineN int       `json:"anomaly_baseline_n"`
	IsAnomaly        bool      `json:"is_anomaly"`
	AttackVector     *string   `json:"attack_vector"`
	SessionStartedAt time.Time `json:"session_started_at"`
}

func rowFromPacket(p *core.Packet) packetRow {
	row := packetRow{
		ID:               p.ID,
		OwnerID:          p.OwnerID,
		TS:               p.Timestamp,
		SourceIP:         p.SourceIP,
		DestinationIP:    p.DestinationIP,
		SourceCountry:    p.SourceCountry,
		SourceLat:        p.SourceLat,
		SourceLon:        p.SourceLon,
		Method:           p.Method,
		Protocol:         p.Protocol,
		DstPort:          p.DstPort,
		Bytes:            p.Bytes,
		Entropy:          p.Entropy,
		AIScored:         p.AIScored,
		AnomalyScore:     p.AnomalyScore,
		AnomalyThreshold: p.AnomalyThreshold,
		AnomalyMean:      p.AnomalyMean,
		AnomalyWarmedUp:  p.AnomalyWarmedUp,
		AnomalyBaselineN: p.AnomalyBaselineN,
		IsAnomaly:        p.IsAnomaly,
		SessionStartedAt: p.SessionStartedAt,
	}
	if p.AttackVector != "" {
		v := p.AttackVector
		row.AttackVector = &v
	}
	return row
}

func (r packetRow) packet() *core.Packet {
	p := &core.Packet{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		Timestamp:        r.TS,
		SourceIP:         r.SourceIP,
		DestinationIP:    r.DestinationIP,
		SourceCountry:    r.SourceCountry,
		SourceLat:        r.SourceLat,
		SourceLon:        r.SourceLon,
		Method:           r.Method,
		Protocol:         r.Protocol,
		DstPort:          r.DstPort,
		Bytes:            r.Bytes,
		Entropy:          r.Entropy,
		AIScored:         r.AIScored,
		AnomalyScore:     r.AnomalyScore,
		AnomalyThreshold: r.AnomalyThreshold,
		AnomalyMean:      r.AnomalyMean,
		AnomalyWarmedUp:  r.AnomalyWarmedUp,
		AnomalyBaselineN: r.AnomalyBaselineN,
		IsAnomaly:        r.IsAnomaly,
		SessionStartedAt: r.SessionStartedAt,
	}
	if r.AttackVector != nil {
		p.AttackVector = *r.AttackVector
	}
	return p
}

type contactRow struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Org        string    `json:"org"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

func (s *SupabaseStore) InsertPacket(ctx context.Context, p *core.Packet) error {
	_, _, err := s.client.From("packets").
		Insert(rowFromPacket(p), false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("insert packet: %w", err)
	}
	return nil
}

func (s *SupabaseStore) QueryPackets(ctx context.Context, owner string, q Query) ([]*core.Packet, error) {
	query := s.client.From("packets").
		Select("*", "", false).
		Eq("owner_id", owner)

	if q.Since != nil {
		query = query.Gte("ts", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.Anomaly != nil {
		query = query.Eq("is_anomaly", strconv.FormatBool(*q.Anomaly))
	}
	if q.SourceIP != "" {
		query = query.Eq("source_ip", q.SourceIP)
	}
	query = query.Order("ts", nil)
	if q.Limit > 0 {
		query = query.Limit(q.Limit, "")
	}

	var rows []packetRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("query packets: %w", err)
	}
	out := make([]*core.Packet, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.packet())
	}
	return out, nil
}

func (s *SupabaseStore) CountPackets(ctx context.Context, owner string) (int64, error) {
	_, count, err := s.client.From("packets").
		Select("id", "exact", true).
		Eq("owner_id", owner).
		Limit(1, "").
		Execute()
	if err != nil {
		return 0, fmt.Errorf("count packets: %w", err)
	}
	return count, nil
}

func (s *SupabaseStore) CountThreats(ctx context.Context, owner string, since time.Time) (int64, error) {
	_, count, err := s.client.From("packets").
		Select("id", "exact", true).
		Eq("owner_id", owner).
		Eq("is_anomaly", "true").
		Gte("ts", since.UTC().Format(time.RFC3339Nano)).
		Limit(1, "").
		Execute()
	if err != nil {
		return 0, fmt.Errorf("count threats: %w", err)
	}
	return count, nil
}

func (s *SupabaseStore) QueryThreats(ctx context.Context, owner string, since time.Time) ([]core.ThreatRecord, error) {
	var rows []packetRow
	_, err := s.client.From("packets").
		Select("*", "", false).
		Eq("owner_id", owner).
		Eq("is_anomaly", "true").
		Gte("ts", since.UTC().Format(time.RFC3339Nano)).
		Order("ts", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query threats: %w", err)
	}

	out := make([]core.ThreatRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, core.ThreatRecordOf(r.packet()))
	}
	return out, nil
}

func (s *SupabaseStore) EarliestTimestamp(ctx context.Context, owner string) (*time.Time, error) {
	var rows []struct {
		TS time.Time `json:"ts"`
	}
	_, err := s.client.From("packets").
		Select("ts", "", false).
		Eq("owner_id", owner).
		Order("ts", &postgrest.OrderOpts{Ascending: true}).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("earliest timestamp: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0].TS, nil
}

func (s *SupabaseStore) InsertContact(ctx context.Context, c *core.ContactSubmission) error {
	row := contactRow{
		ID:         c.ID,
		Name:       c.Name,
		Email:      c.Email,
		Org:        c.Org,
		Message:    c.Message,
		ReceivedAt: c.ReceivedAt,
	}
	_, _, err := s.client.From("contact_submissions").
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

func (s *SupabaseStore) ListContacts(ctx context.Context, limit int) ([]core.ContactSubmission, error) {
	var rows []contactRow
	_, err := s.client.From("contact_submissions").
		Select("*", "", false).
		Order("received_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}

	out := make([]core.ContactSubmission, 0, len(rows))
	for _, r := range rows {
		out = append(out, core.ContactSubmission{
			ID:         r.ID,
			Name:       r.Name,
			Email:      r.Email,
			Org:        r.Org,
			Message:    r.Message,
			ReceivedAt: r.ReceivedAt,
		})
	}
	return out, nil
}

// Reset deletes packet history. Contact submissions are kept.
func (s *SupabaseStore) Reset(ctx context.Context) error {
	_, _, err := s.client.From("packets").
		Delete("", "").
		Neq("id", "").
		Execute()
	if err != nil {
		return fmt.Errorf("reset packets: %w", err)
	}
	return nil
}

func (s *SupabaseStore) Ping(ctx context.Context) error {
	_, _, err := s.client.From("packets").
		Select("id", "exact", true).
		Limit(1, "").
		Execute()
	return err
}

func (s *SupabaseStore) Close() error { return nil }

var _ PrimaryStore = (*SupabaseStore)(nil)
