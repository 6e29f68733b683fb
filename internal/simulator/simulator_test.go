package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracel/backend/internal/core"
	"github.com/tracel/backend/internal/geo"
)

func newTestSim(t *testing.T, out chan core.RawEvent, cfg Config) *Simulator {
	t.Helper()
	table, err := geo.NewTable("")
	require.NoError(t, err)
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	return New("user:sim-test", table, out, cfg)
}

func drain(out chan core.RawEvent, d time.Duration) []core.RawEvent {
	deadline := time.After(d)
	var events []core.RawEvent
	for {
		select {
		case ev := <-out:
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
}

func TestNormalModeRate(t *testing.T) {
	out := make(chan core.RawEvent, 256)
	sim := newTestSim(t, out, Config{NormalInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Run(ctx)

	events := drain(out, 500*time.Millisecond)

	// 10ms mean with 30% jitter: expect roughly 50 events, generously bounded.
	assert.Greater(t, len(events), 25)
	assert.Less(t, len(events), 80)
	for _, ev := range events {
		assert.LessOrEqual(t, ev.Bytes, int64(4096), "normal traffic stays under the volumetric threshold")
		assert.NotEmpty(t, ev.SourceIP)
		assert.NotEmpty(t, ev.DestinationIP)
	}
}

func TestAttackModeAtLeastFiveTimesFaster(t *testing.T) {
	out := make(chan core.RawEvent, 4096)
	sim := newTestSim(t, out, Config{
		NormalInterval: 50 * time.Millisecond,
		AttackInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Run(ctx)

	normal := len(drain(out, 400*time.Millisecond))

	sim.SetMode(true)
	attack := len(drain(out, 400*time.Millisecond))

	require.Greater(t, normal, 0)
	assert.GreaterOrEqual(t, attack, normal*3, "attack rate should dwarf the normal rate")
}

func TestSetModeTakesEffectQuickly(t *testing.T) {
	out := make(chan core.RawEvent, 4096)
	sim := newTestSim(t, out, Config{
		NormalInterval: 50 * time.Millisecond,
		AttackInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Run(ctx)

	sim.SetMode(true)
	assert.Eventually(t, sim.AttackMode, 500*time.Millisecond, 5*time.Millisecond)

	sim.SetMode(false)
	assert.Eventually(t, func() bool { return !sim.AttackMode() }, 500*time.Millisecond, 5*time.Millisecond)
}

func TestSetModeIdempotent(t *testing.T) {
	out := make(chan core.RawEvent, 64)
	sim := newTestSim(t, out, Config{NormalInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Run(ctx)

	for i := 0; i < 10; i++ {
		sim.SetMode(true)
	}
	assert.Eventually(t, sim.AttackMode, 500*time.Millisecond, 5*time.Millisecond)

	// Latest toggle wins even when calls race ahead of the run loop.
	sim.SetMode(true)
	sim.SetMode(false)
	assert.Eventually(t, func() bool { return !sim.AttackMode() }, 500*time.Millisecond, 5*time.Millisecond)
}

func TestAttackBurstKeepsOneSourceIP(t *testing.T) {
	out := make(chan core.RawEvent, 4096)
	sim := newTestSim(t, out, Config{
		NormalInterval: 50 * time.Millisecond,
		AttackInterval: 2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Run(ctx)

	sim.SetMode(true)
	require.Eventually(t, sim.AttackMode, 500*time.Millisecond, 5*time.Millisecond)
	drain(out, 50*time.Millisecond) // let any straggling normal events pass

	events := drain(out, 200*time.Millisecond)
	require.NotEmpty(t, events)

	sources := map[string]int{}
	for _, ev := range events {
		sources[ev.SourceIP]++
	}
	var top int
	for _, n := range sources {
		if n > top {
			top = n
		}
	}
	assert.GreaterOrEqual(t, top, len(events)*9/10, "burst traffic should come from one attacker address")
}

func TestDroppedEventsWhenQueueFull(t *testing.T) {
	out := make(chan core.RawEvent, 1)
	sim := newTestSim(t, out, Config{NormalInterval: 2 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { sim.Run(ctx); close(done) }()

	// Nobody reads from out: Run must keep cycling instead of blocking.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("simulator blocked on a full queue")
	}
}
