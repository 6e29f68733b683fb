// Package bcast fans classified packets out to live subscribers.
//
// The Hub keeps a per-owner registry of subscribers. Every subscriber gets
// its own buffered queue and pump goroutine, so one slow client never
// stalls the pipeline or its neighbors: when a queue is full the oldest
// queued packet is dropped to make room for the newest.
package bcast

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tracel/backend/internal/core"
)

// Sink is one subscriber's transport. SendPacket is called from the
// subscriber's pump goroutine only; Close is called exactly once after the
// pump stops.
type Sink interface {
	SendPacket(p *core.Packet) error
	Close()
}

// Presence is notified when an owner gains its first subscriber or loses
// its last one. Callbacks fire while the registry lock is held, so
// implementations must not call back into the Hub synchronously.
type Presence interface {
	OwnerJoined(owner string)
	OwnerLeft(owner string)
}

type subscriber struct {
	id    string
	owner string
	sink  Sink
	ch    chan *core.Packet
	done  chan struct{}
	once  sync.Once
}

// Hub routes packets to the subscribers of their owner.
type Hub struct {
	mu       sync.RWMutex
	owners   map[string]map[string]*subscriber
	limit    int
	presence Presence
	total    atomic.Int64
	logger   *log.Logger
}

// NewHub builds a hub whose subscriber queues hold up to limit packets.
// presence may be nil.
func NewHub(limit int, presence Presence) *Hub {
	if limit <= 0 {
		limit = 256
	}
	return &Hub{
		owners:   make(map[string]map[string]*subscriber),
		limit:    limit,
		presence: presence,
		logger:   log.New(log.Writer(), "[BCAST] ", log.LstdFlags),
	}
}

// Subscribe registers sink under owner and returns the subscription id.
func (h *Hub) Subscribe(owner string, sink Sink) string {
	sub := &subscriber{
		id:    uuid.NewString(),
		owner: owner,
		sink:  sink,
		ch:    make(chan *core.Packet, h.limit),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	subs, ok := h.owners[owner]
	if !ok {
		subs = make(map[string]*subscriber)
		h.owners[owner] = subs
	}
	subs[sub.id] = sub
	first := len(subs) == 1
	if first && h.presence != nil {
		h.presence.OwnerJoined(owner)
	}
	h.mu.Unlock()

	h.total.Add(1)
	subscribersGauge.Inc()
	go h.pump(sub)
	return sub.id
}

// Unsubscribe removes the subscription and closes its sink. Safe to call
// more than once.
func (h *Hub) Unsubscribe(owner, id string) {
	h.mu.Lock()
	subs, ok := h.owners[owner]
	if !ok {
		h.mu.Unlock()
		return
	}
	sub, ok := subs[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, id)
	last := len(subs) == 0
	if last {
		delete(h.owners, owner)
		if h.presence != nil {
			h.presence.OwnerLeft(owner)
		}
	}
	h.mu.Unlock()

	h.total.Add(-1)
	subscribersGauge.Dec()
	sub.stop()
}

// Broadcast enqueues p for every subscriber of owner. Never blocks: a full
// subscriber queue sheds its oldest packet first.
func (h *Hub) Broadcast(owner string, p *core.Packet) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.owners[owner] {
		sub.enqueue(p)
	}
}

// SubscriberCount reports live subscriptions, for owner or in total when
// owner is empty.
func (h *Hub) SubscriberCount(owner string) int {
	if owner == "" {
		return int(h.total.Load())
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.owners[owner])
}

// Close tears down every subscription. Used on shutdown so transports can
// say goodbye properly.
func (h *Hub) Close() {
	h.mu.Lock()
	owners := h.owners
	h.owners = make(map[string]map[string]*subscriber)
	h.mu.Unlock()

	for owner, subs := range owners {
		for _, sub := range subs {
			h.total.Add(-1)
			subscribersGauge.Dec()
			sub.stop()
		}
		if h.presence != nil {
			h.presence.OwnerLeft(owner)
		}
	}
}

func (h *Hub) pump(sub *subscriber) {
	defer sub.sink.Close()
	for {
		select {
		case <-sub.done:
			return
		case p := <-sub.ch:
			if err := sub.sink.SendPacket(p); err != nil {
				h.logger.Printf("⚠️ send failed for %s subscriber %s, dropping it: %v", sub.owner, sub.id, err)
				h.Unsubscribe(sub.owner, sub.id)
				return
			}
		}
	}
}

func (sub *subscriber) stop() {
	sub.once.Do(func() { close(sub.done) })
}

// enqueue is try-send, shed-oldest, try-send. The second send can still
// lose a race with the pump; then the new packet is the one dropped.
func (sub *subscriber) enqueue(p *core.Packet) {
	select {
	case sub.ch <- p:
		return
	default:
	}
	select {
	case <-sub.ch:
		droppedPackets.WithLabelValues("hub").Inc()
	default:
	}
	select {
	case sub.ch <- p:
	default:
		droppedPackets.WithLabelValues("hub").Inc()
	}
}
