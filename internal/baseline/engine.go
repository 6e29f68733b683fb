// Package baseline maintains the per-owner adaptive decision rule: a rolling
// window of recent SAFE scores whose moments produce the dynamic threshold
// that separates THREAT from SAFE.
package baseline

import (
	"math"
	"sync"
)

// DefaultFallbackThreshold is reported in snapshots before any calibration
// or warmup exists. Classification never fires on it: until the AI has
// calibrated or the window has warmed up, every packet is SAFE.
const DefaultFallbackThreshold = 0.0

// Config bounds the rolling window. Zero values take defaults.
type Config struct {
	Window    int     // max SAFE scores retained per owner (default 200)
	WarmupMin int     // scores required before the dynamic rule engages (default 30)
	K         float64 // threshold = mean - K*std once warmed (default 3.0)
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 200
	}
	if c.WarmupMin <= 0 {
		c.WarmupMin = 30
	}
	if c.WarmupMin > c.Window {
		c.WarmupMin = c.Window
	}
	if c.K <= 0 {
		c.K = 3.0
	}
	return c
}

// Snapshot is the owner's decision state at one instant, attached verbatim
// to every packet the pipeline classifies.
type Snapshot struct {
	Mean      float64
	Std       float64
	N         int
	WarmedUp  bool
	Threshold float64
}

type ownerState struct {
	window     []float64
	head       int
	n          int
	sum        float64
	sumSq      float64
	calibrated *float64
}

// Engine holds one rolling baseline per owner. The per-owner state is only
// mutated by that owner's pipeline goroutine; the registry map is guarded
// for cross-owner create/drop.
type Engine struct {
	cfg    Config
	mu     sync.Mutex
	owners map[string]*ownerState
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		owners: make(map[string]*ownerState),
	}
}

// AdmitSafe pushes a SAFE score into the owner's window, evicting the oldest
// entry once the window is full. Creates the baseline on first admission.
func (e *Engine) AdmitSafe(owner string, score float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.getOrCreate(owner)
	if st.n == len(st.window) {
		old := st.window[st.head]
		st.sum -= old
		st.sumSq -= old * old
		st.window[st.head] = score
		st.head = (st.head + 1) % len(st.window)
	} else {
		st.window[(st.head+st.n)%len(st.window)] = score
		st.n++
	}
	st.sum += score
	st.sumSq += score * score
}

// SetCalibrated records the scorer's own calibrated threshold, used until
// the window warms up.
func (e *Engine) SetCalibrated(owner string, threshold float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.getOrCreate(owner)
	t := threshold
	st.calibrated = &t
}

// Snapshot reports the owner's current decision state. Owners without any
// admitted score report a zero window and the fallback threshold.
func (e *Engine) Snapshot(owner string) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.owners[owner]
	if !ok {
		return Snapshot{Threshold: DefaultFallbackThreshold}
	}
	return e.snapshotLocked(st)
}

// Classify applies the decision rule. A packet is a THREAT only when the AI
// produced a numeric score and a usable threshold exists: the dynamic rule
// once warmed, else the calibrated threshold. Equality is SAFE, and owners
// with neither calibration nor warmup classify everything SAFE.
func (e *Engine) Classify(owner string, score *float64) bool {
	if score == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.owners[owner]
	if !ok {
		return false
	}
	snap := e.snapshotLocked(st)
	switch {
	case snap.WarmedUp:
		return *score < snap.Threshold
	case st.calibrated != nil:
		return *score < *st.calibrated
	default:
		return false
	}
}

// Drop destroys the owner's baseline. Called on idle teardown; the next
// subscriber starts a fresh warmup.
func (e *Engine) Drop(owner string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.owners, owner)
}

// Owners reports how many baselines are live.
func (e *Engine) Owners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.owners)
}

func (e *Engine) getOrCreate(owner string) *ownerState {
	st, ok := e.owners[owner]
	if !ok {
		st = &ownerState{window: make([]float64, e.cfg.Window)}
		e.owners[owner] = st
	}
	return st
}

func (e *Engine) snapshotLocked(st *ownerState) Snapshot {
	snap := Snapshot{N: st.n}
	if st.n > 0 {
		snap.Mean = st.sum / float64(st.n)
		variance := st.sumSq/float64(st.n) - snap.Mean*snap.Mean
		if variance > 0 {
			snap.Std = math.Sqrt(variance)
		}
	}
	snap.WarmedUp = st.n >= e.cfg.WarmupMin

	switch {
	case snap.WarmedUp:
		snap.Threshold = snap.Mean - e.cfg.K*snap.Std
	case st.calibrated != nil:
		snap.Threshold = *st.calibrated
	default:
		snap.Threshold = DefaultFallbackThreshold
	}
	return snap
}
