// Package simulator synthesises the per-owner packet feed. One Simulator runs
// per owner, producing events at ~1/s in normal mode and a 5x+ burst with
// biased features in attack mode.
package simulator

import (
	"context"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/tracel/backend/internal/core"
	"github.com/tracel/backend/internal/geo"
)

// Config bounds the event rates. Zero values take defaults.
type Config struct {
	NormalInterval time.Duration // mean gap between normal events (default 1s)
	AttackInterval time.Duration // mean gap during an attack (default 180ms)
	Jitter         float64       // relative interval jitter (default 0.3)
	Seed           int64         // rng seed; 0 = time-based
}

func (c Config) withDefaults() Config {
	if c.NormalInterval <= 0 {
		c.NormalInterval = time.Second
	}
	if c.AttackInterval <= 0 {
		c.AttackInterval = 180 * time.Millisecond
	}
	if c.Jitter <= 0 || c.Jitter >= 1 {
		c.Jitter = 0.3
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Attack profiles bias the feature draws so each burst trips one of the
// vector rules: oversized payloads, odd protocol/port pairs, or a request
// flood against a single destination.
type attackProfile int

const (
	profileVolumetric attackProfile = iota
	profileProtocol
	profileApplication
)

// Internal service pool the synthetic traffic targets.
var destinations = []string{
	"10.20.0.11", "10.20.0.12", "10.20.0.13",
	"10.20.1.20", "10.20.1.21", "10.20.2.30",
}

// Odd (protocol, port) pairs used by the protocol-abuse profile.
var oddPairs = []struct {
	protocol string
	port     int
}{
	{core.ProtocolTCP, 6667},
	{core.ProtocolTCP, 31337},
	{core.ProtocolTCP, 4444},
	{core.ProtocolUDP, 69},
	{core.ProtocolUDP, 5060},
}

// Simulator produces RawEvents for exactly one owner. Run owns the rng and
// all draw state; SetMode is the only cross-goroutine entry point.
type Simulator struct {
	owner  string
	table  *geo.Table
	out    chan<- core.RawEvent
	cfg    Config
	logger *log.Logger

	modeCh chan bool
	attack atomic.Bool

	// Burst state, owned by Run.
	rng        *rand.Rand
	profile    attackProfile
	attackerIP string
	attackDest string
}

// New builds a simulator writing into the owner's event queue.
func New(owner string, table *geo.Table, out chan<- core.RawEvent, cfg Config) *Simulator {
	cfg = cfg.withDefaults()
	return &Simulator{
		owner:  owner,
		table:  table,
		out:    out,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[SIM] ", log.LstdFlags),
		modeCh: make(chan bool, 1),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// SetMode switches between normal and attack generation. Idempotent; a
// pending unread toggle is replaced rather than queued so the latest call
// wins. Takes effect within one timer re-arm (<500ms).
func (s *Simulator) SetMode(attack bool) {
	select {
	case s.modeCh <- attack:
		return
	default:
	}
	select {
	case <-s.modeCh:
	default:
	}
	select {
	case s.modeCh <- attack:
	default:
	}
}

// AttackMode reports the current generation mode.
func (s *Simulator) AttackMode() bool { return s.attack.Load() }

// Run generates events until the context is cancelled. The output channel is
// never blocked on: if the pipeline falls behind, events are dropped here.
func (s *Simulator) Run(ctx context.Context) {
	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case attack := <-s.modeCh:
			if attack == s.attack.Load() {
				continue
			}
			s.attack.Store(attack)
			if attack {
				s.armBurst()
			}
			s.logger.Printf("owner=%s attack_mode=%v", s.owner, attack)
			// Re-arm immediately so the new rate applies to the next event.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.interval())

		case <-timer.C:
			select {
			case s.out <- s.nextEvent():
			default:
				droppedEvents.WithLabelValues(s.owner).Inc()
			}
			timer.Reset(s.interval())
		}
	}
}

func (s *Simulator) interval() time.Duration {
	base := s.cfg.NormalInterval
	if s.attack.Load() {
		base = s.cfg.AttackInterval
	}
	j := 1 + (s.rng.Float64()*2-1)*s.cfg.Jitter
	return time.Duration(float64(base) * j)
}

// armBurst fixes the burst's shape: one profile, one attacker address, one
// target. Keeping the source stable lets the intel report pin the hostile IP.
func (s *Simulator) armBurst() {
	s.profile = attackProfile(s.rng.Intn(3))
	s.attackerIP = s.table.SampleIP(s.rng)
	s.attackDest = destinations[s.rng.Intn(len(destinations))]
}

func (s *Simulator) nextEvent() core.RawEvent {
	if s.attack.Load() {
		return s.attackEvent()
	}
	return s.normalEvent()
}

func (s *Simulator) normalEvent() core.RawEvent {
	protocol := core.ProtocolTCP
	port := pickTCPPort(s.rng)
	switch {
	case s.rng.Float64() < 0.05:
		protocol = core.ProtocolICMP
		port = 0
	case s.rng.Float64() < 0.15:
		protocol = core.ProtocolUDP
		port = pickUDPPort(s.rng)
	}

	return core.RawEvent{
		SourceIP:      s.table.SampleIP(s.rng),
		DestinationIP: destinations[s.rng.Intn(len(destinations))],
		Method:        pickMethod(s.rng),
		Protocol:      protocol,
		DstPort:       port,
		Bytes:         200 + int64(s.rng.Intn(1600)),
		Entropy:       3.5 + s.rng.Float64()*2.0,
	}
}

func (s *Simulator) attackEvent() core.RawEvent {
	switch s.profile {
	case profileVolumetric:
		return core.RawEvent{
			SourceIP:      s.attackerIP,
			DestinationIP: s.attackDest,
			Method:        "POST",
			Protocol:      core.ProtocolTCP,
			DstPort:       443,
			Bytes:         8192 + int64(s.rng.Intn(57344)),
			Entropy:       6.5 + s.rng.Float64()*1.5,
		}
	case profileProtocol:
		pair := oddPairs[s.rng.Intn(len(oddPairs))]
		return core.RawEvent{
			SourceIP:      s.attackerIP,
			DestinationIP: s.attackDest,
			Method:        "GET",
			Protocol:      pair.protocol,
			DstPort:       pair.port,
			Bytes:         200 + int64(s.rng.Intn(1600)),
			Entropy:       5.5 + s.rng.Float64()*2.0,
		}
	default: // profileApplication: hammer one destination with requests
		method := "GET"
		if s.rng.Float64() < 0.4 {
			method = "POST"
		}
		return core.RawEvent{
			SourceIP:      s.attackerIP,
			DestinationIP: s.attackDest,
			Method:        method,
			Protocol:      core.ProtocolTCP,
			DstPort:       443,
			Bytes:         200 + int64(s.rng.Intn(800)),
			Entropy:       3.5 + s.rng.Float64()*2.0,
		}
	}
}

func pickMethod(r *rand.Rand) string {
	switch v := r.Float64(); {
	case v < 0.55:
		return "GET"
	case v < 0.80:
		return "POST"
	case v < 0.90:
		return "PUT"
	case v < 0.96:
		return "HEAD"
	default:
		return "DELETE"
	}
}

func pickTCPPort(r *rand.Rand) int {
	ports := []int{443, 443, 443, 80, 80, 8080, 22, 25}
	return ports[r.Intn(len(ports))]
}

func pickUDPPort(r *rand.Rand) int {
	ports := []int{53, 53, 123, 161}
	return ports[r.Intn(len(ports))]
}
