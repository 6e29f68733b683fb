package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/tracel/backend/internal/core"
)

// PrimaryStore is the optional durable tier. Implemented by PostgresStore
// (direct connection) and SupabaseStore (postgrest). Nil primary means the
// service runs degraded on the in-memory tiers.
type PrimaryStore interface {
	InsertPacket(ctx context.Context, p *core.Packet) error
	QueryPackets(ctx context.Context, owner string, q Query) ([]*core.Packet, error)
	CountPackets(ctx context.Context, owner string) (int64, error)
	CountThreats(ctx context.Context, owner string, since time.Time) (int64, error)
	QueryThreats(ctx context.Context, owner string, since time.Time) ([]core.ThreatRecord, error)
	EarliestTimestamp(ctx context.Context, owner string) (*time.Time, error)
	InsertContact(ctx context.Context, c *core.ContactSubmission) error
	ListContacts(ctx context.Context, limit int) ([]core.ContactSubmission, error)
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS packets (
		id                 TEXT PRIMARY KEY,
		owner_id           TEXT NOT NULL,
		ts                 TIMESTAMPTZ NOT NULL,
		source_ip          TEXT NOT NULL,
		destination_ip     TEXT NOT NULL,
		source_country     TEXT NOT NULL DEFAULT '',
		source_lat         DOUBLE PRECISION,
		source_lon         DOUBLE PRECISION,
		method             TEXT NOT NULL,
		protocol           TEXT NOT NULL,
		dst_port           INTEGER NOT NULL,
		bytes              BIGINT NOT NULL,
		entropy            DOUBLE PRECISION NOT NULL,
		ai_scored          BOOLEAN NOT NULL,
		anomaly_score      DOUBLE PRECISION,
		anomaly_threshold  DOUBLE PRECISION NOT NULL,
		anomaly_mean       DOUBLE PRECISION NOT NULL,
		anomaly_warmed_up  BOOLEAN NOT NULL,
		anomaly_baseline_n INTEGER NOT NULL,
		is_anomaly         BOOLEAN NOT NULL,
		attack_vector      TEXT,
		session_started_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_packets_owner_ts ON packets (owner_id, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_packets_owner_anomaly_ts ON packets (owner_id, is_anomaly, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_packets_owner_source_ts ON packets (owner_id, source_ip, ts DESC)`,
	`CREATE TABLE IF NOT EXISTS contact_submissions (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		email       TEXT NOT NULL,
		org         TEXT NOT NULL DEFAULT '',
		message     TEXT NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	)`,
}

const packetColumns = `id, owner_id, ts, source_ip, destination_ip, source_country,
	source_lat, source_lon, method, protocol, dst_port, bytes, entropy,
	ai_scored, anomaly_score, anomaly_threshold, anomaly_mean,
	anomaly_warmed_up, anomaly_baseline_n, is_anomaly, attack_vector,
	session_started_at`

// PostgresStore talks to a Postgres primary over a direct connection.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore connects, pings, and applies the schema.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[PG] ", log.LstdFlags),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Printf("✅ connected, schema ready")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertPacket(ctx context.Context, p *core.Packet) error {
	var vector sql.NullString
	if p.AttackVector != "" {
		vector = sql.NullString{String: p.AttackVector, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO packets (`+packetColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		p.ID, p.OwnerID, p.Timestamp, p.SourceIP, p.DestinationIP, p.SourceCountry,
		nullFloat(p.SourceLat), nullFloat(p.SourceLon), p.Method, p.Protocol,
		p.DstPort, p.Bytes, p.Entropy, p.AIScored, nullFloat(p.AnomalyScore),
		p.AnomalyThreshold, p.AnomalyMean, p.AnomalyWarmedUp, p.AnomalyBaselineN,
		p.IsAnomaly, vector, p.SessionStartedAt)
	if err != nil {
		return fmt.Errorf("insert packet: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryPackets(ctx context.Context, owner string, q Query) ([]*core.Packet, error) {
	sqlq := `SELECT ` + packetColumns + ` FROM packets WHERE owner_id = $1`
	args := []interface{}{owner}
	if q.Since != nil {
		args = append(args, *q.Since)
		sqlq += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if q.Anomaly != nil {
		args = append(args, *q.Anomaly)
		sqlq += fmt.Sprintf(" AND is_anomaly = $%d", len(args))
	}
	if q.SourceIP != "" {
		args = append(args, q.SourceIP)
		sqlq += fmt.Sprintf(" AND source_ip = $%d", len(args))
	}
	sqlq += " ORDER BY ts DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sqlq += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("query packets: %w", err)
	}
	defer rows.Close()

	var out []*core.Packet
	for rows.Next() {
		p, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPacket(rows *sql.Rows) (*core.Packet, error) {
	var (
		p      core.Packet
		lat    sql.NullFloat64
		lon    sql.NullFloat64
		score  sql.NullFloat64
		vector sql.NullString
	)
	err := rows.Scan(&p.ID, &p.OwnerID, &p.Timestamp, &p.SourceIP, &p.DestinationIP,
		&p.SourceCountry, &lat, &lon, &p.Method, &p.Protocol, &p.DstPort, &p.Bytes,
		&p.Entropy, &p.AIScored, &score, &p.AnomalyThreshold, &p.AnomalyMean,
		&p.AnomalyWarmedUp, &p.AnomalyBaselineN, &p.IsAnomaly, &vector,
		&p.SessionStartedAt)
	if err != nil {
		return nil, fmt.Errorf("scan packet: %w", err)
	}
	if lat.Valid {
		p.SourceLat = &lat.Float64
	}
	if lon.Valid {
		p.SourceLon = &lon.Float64
	}
	if score.Valid {
		p.AnomalyScore = &score.Float64
	}
	p.AttackVector = vector.String
	return &p, nil
}

func (s *PostgresStore) CountPackets(ctx context.Context, owner string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM packets WHERE owner_id = $1`, owner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count packets: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountThreats(ctx context.Context, owner string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM packets WHERE owner_id = $1 AND is_anomaly AND ts >= $2`,
		owner, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count threats: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) QueryThreats(ctx context.Context, owner string, since time.Time) ([]core.ThreatRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, ts, source_ip, source_country, destination_ip, protocol,
			method, bytes, anomaly_score, is_anomaly, attack_vector
		FROM packets
		WHERE owner_id = $1 AND is_anomaly AND ts >= $2
		ORDER BY ts DESC`, owner, since)
	if err != nil {
		return nil, fmt.Errorf("query threats: %w", err)
	}
	defer rows.Close()

	var out []core.ThreatRecord
	for rows.Next() {
		var (
			rec    core.ThreatRecord
			score  sql.NullFloat64
			vector sql.NullString
		)
		if err := rows.Scan(&rec.OwnerID, &rec.Timestamp, &rec.SourceIP,
			&rec.SourceCountry, &rec.DestinationIP, &rec.Protocol, &rec.Method,
			&rec.Bytes, &score, &rec.IsAnomaly, &vector); err != nil {
			return nil, fmt.Errorf("scan threat: %w", err)
		}
		if score.Valid {
			rec.AnomalyScore = &score.Float64
		}
		rec.AttackVector = vector.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EarliestTimestamp(ctx context.Context, owner string) (*time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(ts) FROM packets WHERE owner_id = $1`, owner).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("earliest timestamp: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}

func (s *PostgresStore) InsertContact(ctx context.Context, c *core.ContactSubmission) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contact_submissions (id, name, email, org, message, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.Name, c.Email, c.Org, c.Message, c.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListContacts(ctx context.Context, limit int) ([]core.ContactSubmission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, org, message, received_at
		FROM contact_submissions ORDER BY received_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []core.ContactSubmission
	for rows.Next() {
		var c core.ContactSubmission
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Org, &c.Message, &c.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Reset wipes packet history. Contact submissions are kept: they are an
// inbox, not telemetry.
func (s *PostgresStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE packets`); err != nil {
		return fmt.Errorf("reset packets: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

var _ PrimaryStore = (*PostgresStore)(nil)
