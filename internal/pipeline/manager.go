// Package pipeline runs one processing loop per live owner: simulator events
// in, classified packets out. The Manager owns the owner registry and the
// idle-teardown lifecycle; everything downstream (store, broadcast, events)
// is injected.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracel/backend/internal/ai"
	"github.com/tracel/backend/internal/baseline"
	"github.com/tracel/backend/internal/core"
	"github.com/tracel/backend/internal/events"
	"github.com/tracel/backend/internal/geo"
	"github.com/tracel/backend/internal/simulator"
)

const eventSource = "tracel/pipeline"

// Scorer abstracts the AI client. Implementations must never block past their
// own timeout; failures surface as unscored results, not errors.
type Scorer interface {
	Score(ctx context.Context, f ai.Features) ai.Result
}

// Persister accepts classified packets for storage. Persist must not block:
// the pipeline calls it inline before broadcasting.
type Persister interface {
	Persist(p *core.Packet)
}

// Broadcaster fans a classified packet out to the owner's live subscribers.
type Broadcaster interface {
	Broadcast(owner string, p *core.Packet)
}

// Config bounds the per-owner runtime. Zero values take defaults.
type Config struct {
	IdleTimeout time.Duration    // grace before an unwatched owner is torn down (default 30s)
	QueueSize   int              // per-owner event queue capacity (default 64)
	Simulator   simulator.Config // passed through to each owner's generator
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Deps are the pipeline's downstream collaborators. Geo, Baselines and Bus
// are concrete because the pipeline is their only writer; the rest are
// interfaces so tests can script them.
type Deps struct {
	Geo       *geo.Table
	Scorer    Scorer
	Baselines *baseline.Engine
	Store     Persister
	Bus       *events.EventBus
}

// SessionInfo is the owner's live session state as reported over the API and
// echoed to socket subscribers.
type SessionInfo struct {
	StartedAt  time.Time `json:"started_at"`
	AttackMode bool      `json:"attack_mode"`
}

type ownerRuntime struct {
	owner   string
	sim     *simulator.Simulator
	queue   chan core.RawEvent
	cancel  context.CancelFunc
	stopped chan struct{}

	// Guarded by Manager.mu.
	idle    *time.Timer
	idleGen uint64
	attack  bool

	// Owned by the owner's process goroutine.
	recent *history
}

// Manager keeps one runtime per owner with at least one subscriber. It
// implements bcast.Presence, so the hub drives the lifecycle: first
// subscriber starts the pipeline, last unsubscribe arms the idle timer.
type Manager struct {
	cfg       Config
	geo       *geo.Table
	scorer    Scorer
	baselines *baseline.Engine
	store     Persister
	bus       *events.EventBus
	logger    *log.Logger

	startedAt time.Time

	mu     sync.Mutex
	owners map[string]*ownerRuntime
	sink   Broadcaster
	closed bool

	wg sync.WaitGroup
}

// NewManager builds the registry. The broadcaster is bound afterwards via
// BindBroadcaster because the hub needs the manager as its presence hook.
func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		geo:       deps.Geo,
		scorer:    deps.Scorer,
		baselines: deps.Baselines,
		store:     deps.Store,
		bus:       deps.Bus,
		logger:    log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		startedAt: time.Now().UTC(),
		owners:    make(map[string]*ownerRuntime),
	}
}

// BindBroadcaster wires the fan-out sink. Must be called once, before any
// subscriber can join; packets processed without a sink are stored but not
// broadcast.
func (m *Manager) BindBroadcaster(b Broadcaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = b
}

// StartedAt reports the process session start, stamped on every packet.
func (m *Manager) StartedAt() time.Time { return m.startedAt }

// OwnerJoined starts the owner's pipeline if it is not already running and
// cancels any pending idle teardown. Called by the hub with its registry lock
// held, so this must never call back into the hub.
func (m *Manager) OwnerJoined(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if rt, ok := m.owners[owner]; ok {
		rt.idleGen++
		if rt.idle != nil {
			rt.idle.Stop()
			rt.idle = nil
		}
	} else {
		m.startLocked(owner)
	}
	m.bus.Emit(events.TypeOwnerJoined, eventSource, owner, nil)
}

// OwnerLeft arms the idle timer. The pipeline keeps producing during the
// grace period so a reconnecting subscriber resumes a warm baseline.
func (m *Manager) OwnerLeft(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.owners[owner]
	if !ok || m.closed {
		return
	}
	rt.idleGen++
	gen := rt.idleGen
	rt.idle = time.AfterFunc(m.cfg.IdleTimeout, func() { m.teardown(owner, gen) })
}

// SetAttackMode toggles the owner's generator between normal and burst
// traffic. Toggles for owners without a live pipeline are dropped.
func (m *Manager) SetAttackMode(owner string, attack bool) {
	m.mu.Lock()
	rt, ok := m.owners[owner]
	if ok {
		rt.attack = attack
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Printf("⚠️ attack toggle ignored, no live pipeline for %s", owner)
		return
	}
	rt.sim.SetMode(attack)
	attackToggles.Inc()
	m.bus.Emit(events.TypeAttackToggled, eventSource, owner, map[string]interface{}{"attack": attack})
	m.logger.Printf("⚡ owner=%s attack_mode=%v", owner, attack)
}

// Session reports the owner's session state. The bool is false when the
// owner has no live pipeline; StartedAt is still filled so callers can
// always render a session start.
func (m *Manager) Session(owner string) (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.owners[owner]
	if !ok {
		return SessionInfo{StartedAt: m.startedAt}, false
	}
	return SessionInfo{StartedAt: m.startedAt, AttackMode: rt.attack}, true
}

// LiveOwners reports how many pipelines are running.
func (m *Manager) LiveOwners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}

// Close cancels every runtime and waits for the loops to drain.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	owners := m.owners
	m.owners = make(map[string]*ownerRuntime)
	for _, rt := range owners {
		if rt.idle != nil {
			rt.idle.Stop()
		}
		rt.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
	for range owners {
		livePipelines.Dec()
	}
	m.logger.Printf("🔌 all owner pipelines drained")
}

// startLocked creates the runtime and its two goroutines: the simulator and
// the process loop. Caller holds m.mu.
func (m *Manager) startLocked(owner string) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &ownerRuntime{
		owner:   owner,
		queue:   make(chan core.RawEvent, m.cfg.QueueSize),
		cancel:  cancel,
		stopped: make(chan struct{}),
		recent:  &history{},
	}
	rt.sim = simulator.New(owner, m.geo, rt.queue, m.cfg.Simulator)
	m.owners[owner] = rt

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		rt.sim.Run(ctx)
	}()
	go m.run(ctx, rt)

	livePipelines.Inc()
	m.logger.Printf("🚀 pipeline started for %s", owner)
}

// teardown destroys the owner's runtime if its idle timer is still the armed
// one. Stored history survives; the baseline does not.
func (m *Manager) teardown(owner string, gen uint64) {
	m.mu.Lock()
	rt, ok := m.owners[owner]
	if !ok || rt.idleGen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.owners, owner)
	m.mu.Unlock()

	rt.cancel()
	<-rt.stopped
	m.baselines.Drop(owner)
	livePipelines.Dec()
	m.bus.Emit(events.TypeOwnerLeft, eventSource, owner, nil)
	m.logger.Printf("💤 pipeline stopped for %s (idle)", owner)
}

func (m *Manager) run(ctx context.Context, rt *ownerRuntime) {
	defer m.wg.Done()
	defer close(rt.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rt.queue:
			m.process(ctx, rt, ev)
		}
	}
}

// process runs one event through the full path: stamp, geolocate, score,
// classify against the baseline, derive the attack vector, persist, fan out.
// Ordering per owner is the loop itself: one event finishes before the next
// starts.
func (m *Manager) process(ctx context.Context, rt *ownerRuntime, ev core.RawEvent) {
	p := &core.Packet{
		ID:               uuid.NewString(),
		OwnerID:          rt.owner,
		Timestamp:        time.Now().UTC(),
		SourceIP:         ev.SourceIP,
		DestinationIP:    ev.DestinationIP,
		Method:           ev.Method,
		Protocol:         ev.Protocol,
		DstPort:          ev.DstPort,
		Bytes:            ev.Bytes,
		Entropy:          ev.Entropy,
		SessionStartedAt: m.startedAt,
	}

	if loc, ok := m.geo.Lookup(ev.SourceIP); ok {
		lat, lon := loc.Lat, loc.Lon
		p.SourceCountry = loc.Country
		p.SourceLat = &lat
		p.SourceLon = &lon
	}

	res := m.scorer.Score(ctx, ai.Features{
		Bytes:        float64(ev.Bytes),
		Entropy:      ev.Entropy,
		DstPort:      float64(ev.DstPort),
		ProtocolCode: core.ProtocolNumber(ev.Protocol),
		MethodCode:   core.MethodCode(ev.Method),
	})
	p.AIScored = res.Scored
	p.AnomalyScore = res.Score
	if res.CalibratedThreshold != nil {
		m.baselines.SetCalibrated(rt.owner, *res.CalibratedThreshold)
	}

	// The snapshot is taken before this packet can influence the baseline, so
	// the attached threshold is exactly the one the verdict used.
	snap := m.baselines.Snapshot(rt.owner)
	p.AnomalyThreshold = snap.Threshold
	p.AnomalyMean = snap.Mean
	p.AnomalyWarmedUp = snap.WarmedUp
	p.AnomalyBaselineN = snap.N

	p.IsAnomaly = m.baselines.Classify(rt.owner, res.Score)
	if res.Scored && !p.IsAnomaly {
		m.baselines.AdmitSafe(rt.owner, *res.Score)
	}

	rt.recent.observe(ev)
	if p.IsAnomaly {
		p.AttackVector = rt.recent.vector(ev)
	}

	m.store.Persist(p)

	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.Broadcast(rt.owner, p)
	}

	packetsProcessed.WithLabelValues(verdictOf(p)).Inc()
	if p.IsAnomaly {
		rec := core.ThreatRecordOf(p)
		m.bus.EmitThreat(eventSource, &rec)
	}
}

func verdictOf(p *core.Packet) string {
	switch {
	case p.IsAnomaly:
		return "threat"
	case !p.AIScored:
		return "unscored"
	default:
		return "safe"
	}
}
