package storage

import (
	"sync"
	"time"

	"github.com/tracel/backend/internal/core"
)

// Query narrows a history read. Zero values mean "no filter"; Limit <= 0
// means unbounded.
type Query struct {
	Limit    int
	Since    *time.Time
	Anomaly  *bool
	SourceIP string
}

func (q Query) matches(p *core.Packet) bool {
	if q.Since != nil && p.Timestamp.Before(*q.Since) {
		return false
	}
	if q.Anomaly != nil && p.IsAnomaly != *q.Anomaly {
		return false
	}
	if q.SourceIP != "" && p.SourceIP != q.SourceIP {
		return false
	}
	return true
}

// MemoryRing holds the most recent packets per owner in a fixed-capacity
// circular buffer. Push is O(1); capacity eviction drops the oldest entry.
// The ring survives owner idle teardown, so reconnecting owners still see
// their recent history.
type MemoryRing struct {
	mu       sync.RWMutex
	capacity int
	owners   map[string]*ownerRing
}

type ownerRing struct {
	buf   []*core.Packet
	next  int // next write slot
	size  int
	total int64 // all-time pushes, survives eviction
}

func NewMemoryRing(capacity int) *MemoryRing {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemoryRing{
		capacity: capacity,
		owners:   make(map[string]*ownerRing),
	}
}

// Push appends a classified packet. Packets are immutable after
// classification, so the ring shares pointers instead of copying.
func (m *MemoryRing) Push(p *core.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	or := m.owners[p.OwnerID]
	if or == nil {
		or = &ownerRing{buf: make([]*core.Packet, m.capacity)}
		m.owners[p.OwnerID] = or
	}
	or.buf[or.next] = p
	or.next = (or.next + 1) % m.capacity
	if or.size < m.capacity {
		or.size++
	}
	or.total++
	ringSize.WithLabelValues(p.OwnerID).Set(float64(or.size))
}

// Recent returns the owner's packets newest-first, filtered by q.
func (m *MemoryRing) Recent(owner string, q Query) []*core.Packet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	or := m.owners[owner]
	if or == nil {
		return nil
	}

	out := make([]*core.Packet, 0, min(or.size, max(q.Limit, 0)))
	for i := 0; i < or.size; i++ {
		idx := (or.next - 1 - i + m.capacity*2) % m.capacity
		p := or.buf[idx]
		if !q.matches(p) {
			continue
		}
		out = append(out, p)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Count reports the all-time number of packets pushed for the owner,
// including entries the ring has since evicted.
func (m *MemoryRing) Count(owner string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if or := m.owners[owner]; or != nil {
		return or.total
	}
	return 0
}

// Earliest returns the timestamp of the oldest packet still held for the
// owner, or nil when the ring is empty.
func (m *MemoryRing) Earliest(owner string) *time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	or := m.owners[owner]
	if or == nil || or.size == 0 {
		return nil
	}
	idx := (or.next - or.size + m.capacity) % m.capacity
	ts := or.buf[idx].Timestamp
	return &ts
}

// Reset drops every owner's buffer and counters.
func (m *MemoryRing) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners = make(map[string]*ownerRing)
	ringSize.Reset()
}
