// Package storage implements the three persistence tiers: an optional
// durable primary (Postgres or Supabase), an always-on per-owner memory
// ring, and the append-only threat log. The Store facade owns the write
// plan (all tiers, best effort, never blocking the pipeline) and the read
// plan (primary when available, in-memory fallback otherwise).
package storage

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracel/backend/internal/config"
	"github.com/tracel/backend/internal/core"
)

const (
	writeQueueCapacity = 1024
	writeWorkers       = 4
	writeTimeout       = 5 * time.Second
)

// Store is the facade the pipeline and API talk to.
type Store struct {
	primary PrimaryStore // nil when running degraded
	ring    *MemoryRing
	tlog    *ThreatLog
	logger  *log.Logger

	queue     chan *core.Packet
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	contactCap int
	contactsMu sync.Mutex
	contacts   []core.ContactSubmission // fallback inbox when no primary
}

// Open builds the tiers: the ring, the threat log (hydrating survivors into
// the ring oldest-first), and — when configured and reachable — the primary.
// A primary that cannot be reached downgrades to nil with a warning; the
// threat log failing to open is a startup error.
func Open(ctx context.Context, cfg config.StorageConfig, contactCap int) (*Store, error) {
	logger := log.New(log.Writer(), "[STORAGE] ", log.LstdFlags)

	ring := NewMemoryRing(cfg.MemRingCapacity)
	tlog, survivors, err := OpenThreatLog(cfg.ThreatLogPath, cfg.ThreatRetention())
	if err != nil {
		return nil, err
	}
	for _, rec := range survivors {
		ring.Push(hydratedPacket(rec))
	}

	var primary PrimaryStore
	switch {
	case cfg.PrimaryDBURL != "":
		primary, err = NewPostgresStore(ctx, cfg.PrimaryDBURL)
	case cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "":
		primary, err = NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseServiceKey)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = primary.Ping(pingCtx)
			cancel()
		}
	default:
		logger.Printf("no primary store configured, running on memory tiers only")
	}
	if err != nil {
		logger.Printf("⚠️ primary store unavailable, running degraded: %v", err)
		primary = nil
	}

	if contactCap <= 0 {
		contactCap = 1000
	}

	s := &Store{
		primary:    primary,
		ring:       ring,
		tlog:       tlog,
		logger:     logger,
		queue:      make(chan *core.Packet, writeQueueCapacity),
		done:       make(chan struct{}),
		contactCap: contactCap,
	}

	if s.primary != nil {
		for i := 0; i < writeWorkers; i++ {
			s.wg.Add(1)
			go s.writeLoop()
		}
	}
	return s, nil
}

// hydratedPacket rebuilds a ring entry from a threat log record. Fields the
// log does not carry stay at their zero values; the id is minted fresh.
func hydratedPacket(rec *core.ThreatRecord) *core.Packet {
	return &core.Packet{
		ID:            uuid.NewString(),
		OwnerID:       rec.OwnerID,
		Timestamp:     rec.Timestamp,
		SourceIP:      rec.SourceIP,
		SourceCountry: rec.SourceCountry,
		DestinationIP: rec.DestinationIP,
		Protocol:      rec.Protocol,
		Method:        rec.Method,
		Bytes:         rec.Bytes,
		AIScored:      rec.AnomalyScore != nil,
		AnomalyScore:  rec.AnomalyScore,
		IsAnomaly:     true,
		AttackVector:  rec.AttackVector,
	}
}

// Ring exposes the memory tier to the pipeline, which owns per-owner writes.
func (s *Store) Ring() *MemoryRing { return s.ring }

// Degraded reports whether reads are served without a primary.
func (s *Store) Degraded() bool { return s.primary == nil }

// Persist applies the write plan for one classified packet: ring push,
// threat log append for THREATs, and a queued primary write. Never blocks.
func (s *Store) Persist(p *core.Packet) {
	s.ring.Push(p)

	if p.IsAnomaly {
		rec := core.ThreatRecordOf(p)
		s.tlog.Append(&rec)
	}

	if s.primary == nil {
		return
	}
	select {
	case s.queue <- p:
	default:
		writeQueueDrops.Inc()
		s.logger.Printf("⚠️ write queue full, dropping primary write for %s", p.OwnerID)
	}
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case p := <-s.queue:
			s.writePrimary(p)
		case <-s.done:
			for {
				select {
				case p := <-s.queue:
					s.writePrimary(p)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) writePrimary(p *core.Packet) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.primary.InsertPacket(ctx, p); err != nil {
		primaryWrites.WithLabelValues("error").Inc()
		s.logger.Printf("⚠️ primary write failed: %v", err)
		return
	}
	primaryWrites.WithLabelValues("ok").Inc()
}

// Packets serves a history read. The boolean reports degraded mode: true
// when the answer came from the ring instead of the primary.
func (s *Store) Packets(ctx context.Context, owner string, q Query) ([]*core.Packet, bool, error) {
	if s.primary != nil {
		rows, err := s.primary.QueryPackets(ctx, owner, q)
		if err == nil {
			return rows, false, nil
		}
		readFallbacks.WithLabelValues("packets").Inc()
		s.logger.Printf("⚠️ primary read failed, serving from ring: %v", err)
	}
	return s.ring.Recent(owner, q), true, nil
}

// PacketCount reports the owner's all-time packet count.
func (s *Store) PacketCount(ctx context.Context, owner string) (int64, bool, error) {
	if s.primary != nil {
		n, err := s.primary.CountPackets(ctx, owner)
		if err == nil {
			return n, false, nil
		}
		readFallbacks.WithLabelValues("packet_count").Inc()
		s.logger.Printf("⚠️ primary count failed, serving from ring: %v", err)
	}
	return s.ring.Count(owner), true, nil
}

// ThreatCount reports threats at or after since.
func (s *Store) ThreatCount(ctx context.Context, owner string, since time.Time) (int64, bool, error) {
	if s.primary != nil {
		n, err := s.primary.CountThreats(ctx, owner, since)
		if err == nil {
			return n, false, nil
		}
		readFallbacks.WithLabelValues("threat_count").Inc()
		s.logger.Printf("⚠️ primary threat count failed, serving from threat log: %v", err)
	}
	return s.tlog.CountSince(owner, since), true, nil
}

// Threats returns the rows the aggregator works on, newest-first.
func (s *Store) Threats(ctx context.Context, owner string, since time.Time) ([]core.ThreatRecord, bool, error) {
	if s.primary != nil {
		rows, err := s.primary.QueryThreats(ctx, owner, since)
		if err == nil {
			return rows, false, nil
		}
		readFallbacks.WithLabelValues("threats").Inc()
		s.logger.Printf("⚠️ primary threat read failed, serving from threat log: %v", err)
	}
	return s.tlog.Since(owner, since), true, nil
}

// Earliest returns the owner's oldest packet timestamp across every tier,
// or nil when the owner has no history anywhere.
func (s *Store) Earliest(ctx context.Context, owner string) *time.Time {
	var earliest *time.Time
	take := func(ts *time.Time) {
		if ts == nil {
			return
		}
		if earliest == nil || ts.Before(*earliest) {
			earliest = ts
		}
	}

	if s.primary != nil {
		if ts, err := s.primary.EarliestTimestamp(ctx, owner); err == nil {
			take(ts)
		}
	}
	take(s.ring.Earliest(owner))
	take(s.tlog.Earliest(owner))
	return earliest
}

// SaveContact persists a contact submission, falling back to a bounded
// in-memory inbox when no primary is configured.
func (s *Store) SaveContact(ctx context.Context, c *core.ContactSubmission) error {
	if s.primary != nil {
		return s.primary.InsertContact(ctx, c)
	}

	s.contactsMu.Lock()
	defer s.contactsMu.Unlock()
	if len(s.contacts) >= s.contactCap {
		return errors.New("contact inbox full")
	}
	s.contacts = append(s.contacts, *c)
	return nil
}

// Contacts lists submissions newest-first.
func (s *Store) Contacts(ctx context.Context, limit int) ([]core.ContactSubmission, bool, error) {
	if s.primary != nil {
		rows, err := s.primary.ListContacts(ctx, limit)
		return rows, false, err
	}

	s.contactsMu.Lock()
	defer s.contactsMu.Unlock()
	out := make([]core.ContactSubmission, 0, min(limit, len(s.contacts)))
	for i := len(s.contacts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.contacts[i])
	}
	return out, true, nil
}

// Reset clears packet history in every tier. Partial failures are joined so
// the admin endpoint can report them.
func (s *Store) Reset(ctx context.Context) error {
	var errs []error
	if s.primary != nil {
		if err := s.primary.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.ring.Reset()
	if err := s.tlog.Reset(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close drains pending primary writes, flushes the threat log, and closes
// the primary connection.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	s.tlog.Close()
	if s.primary != nil {
		if err := s.primary.Close(); err != nil {
			s.logger.Printf("⚠️ primary close: %v", err)
		}
	}
}
