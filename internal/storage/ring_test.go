package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracel/backend/internal/core"
)

func ringPacket(owner string, i int, ts time.Time) *core.Packet {
	return &core.Packet{
		ID:        fmt.Sprintf("pkt-%d", i),
		OwnerID:   owner,
		Timestamp: ts,
		SourceIP:  fmt.Sprintf("198.51.100.%d", i%250),
		Protocol:  core.ProtocolTCP,
	}
}

func TestRingNewestFirst(t *testing.T) {
	ring := NewMemoryRing(10)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		ring.Push(ringPacket("user:a", i, base.Add(time.Duration(i)*time.Second)))
	}

	got := ring.Recent("user:a", Query{})
	require.Len(t, got, 5)
	assert.Equal(t, "pkt-4", got[0].ID)
	assert.Equal(t, "pkt-0", got[4].ID)
}

func TestRingEvictsOldestAtCapacity(t *testing.T) {
	ring := NewMemoryRing(3)
	base := time.Now().UTC()
	for i := 0; i < 7; i++ {
		ring.Push(ringPacket("user:a", i, base.Add(time.Duration(i)*time.Second)))
	}

	got := ring.Recent("user:a", Query{})
	require.Len(t, got, 3)
	assert.Equal(t, "pkt-6", got[0].ID)
	assert.Equal(t, "pkt-4", got[2].ID)

	// The all-time counter keeps counting past eviction.
	assert.Equal(t, int64(7), ring.Count("user:a"))
}

func TestRingFilters(t *testing.T) {
	ring := NewMemoryRing(20)
	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		p := ringPacket("user:a", i, base.Add(time.Duration(i)*time.Second))
		p.IsAnomaly = i%2 == 0
		p.SourceIP = "203.0.113.5"
		if i >= 8 {
			p.SourceIP = "203.0.113.99"
		}
		ring.Push(p)
	}

	anomaly := true
	got := ring.Recent("user:a", Query{Anomaly: &anomaly})
	require.Len(t, got, 5)
	for _, p := range got {
		assert.True(t, p.IsAnomaly)
	}

	since := base.Add(7 * time.Second)
	got = ring.Recent("user:a", Query{Since: &since})
	assert.Len(t, got, 3)

	got = ring.Recent("user:a", Query{SourceIP: "203.0.113.99"})
	assert.Len(t, got, 2)

	got = ring.Recent("user:a", Query{Limit: 4})
	require.Len(t, got, 4)
	assert.Equal(t, "pkt-9", got[0].ID)
}

func TestRingIsolatesOwners(t *testing.T) {
	ring := NewMemoryRing(10)
	ring.Push(ringPacket("user:a", 1, time.Now()))
	ring.Push(ringPacket("anon:b", 2, time.Now()))

	assert.Len(t, ring.Recent("user:a", Query{}), 1)
	assert.Len(t, ring.Recent("anon:b", Query{}), 1)
	assert.Empty(t, ring.Recent("user:nobody", Query{}))
	assert.Equal(t, int64(0), ring.Count("user:nobody"))
}

func TestRingEarliest(t *testing.T) {
	ring := NewMemoryRing(3)
	base := time.Now().UTC().Truncate(time.Second)

	assert.Nil(t, ring.Earliest("user:a"))

	for i := 0; i < 5; i++ {
		ring.Push(ringPacket("user:a", i, base.Add(time.Duration(i)*time.Second)))
	}
	got := ring.Earliest("user:a")
	require.NotNil(t, got)
	// Capacity 3 after 5 pushes: the oldest survivor is pkt-2.
	assert.Equal(t, base.Add(2*time.Second), *got)
}

func TestRingReset(t *testing.T) {
	ring := NewMemoryRing(10)
	ring.Push(ringPacket("user:a", 1, time.Now()))
	ring.Reset()

	assert.Empty(t, ring.Recent("user:a", Query{}))
	assert.Equal(t, int64(0), ring.Count("user:a"))
}
