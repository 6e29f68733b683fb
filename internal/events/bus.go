package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tracel/backend/internal/core"
)

// Event types published on the bus. Dotted lowercase, product-prefixed.
const (
	TypeThreatDetected  = "tracel.threat.detected"
	TypeAttackToggled   = "tracel.attack.toggled"
	TypeOwnerJoined     = "tracel.owner.joined"
	TypeOwnerLeft       = "tracel.owner.left"
	TypeStorageDegraded = "tracel.storage.degraded"
	TypeContactReceived = "tracel.contact.received"
)

// EventEmitter is the interface for publishing CloudEvents.
// Satisfied by the in-memory EventBus.
type EventEmitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope for all Tracel events.
// Compatible with CNCF CloudEvents specification.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	OwnerID     string                 `json:"owner_id,omitempty"`
	Threat      *core.ThreatRecord     `json:"threat,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// NewThreatEvent wraps a classified anomaly for the alerting and export paths.
// Subject and OwnerID are both the owner so consumers can route without
// unpacking the record.
func NewThreatEvent(source string, rec *core.ThreatRecord) *CloudEvent {
	ev := NewCloudEvent(TypeThreatDetected, source, rec.OwnerID, nil)
	ev.OwnerID = rec.OwnerID
	ev.Threat = rec
	return ev
}

// JSON serializes the event
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// EventBus is an in-process pub/sub event bus.
// Subscribers receive CloudEvents in real time; delivery is best-effort and
// never blocks the publisher.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // eventType -> channels
	allSubs     []chan *CloudEvent            // subscribers to all events
	logger      *log.Logger
	bufferSize  int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan *CloudEvent),
		allSubs:     make([]chan *CloudEvent, 0),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of specific types.
// Pass empty eventTypes to receive ALL events.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *CloudEvent, eb.bufferSize)

	if len(eventTypes) == 0 {
		eb.allSubs = append(eb.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			eb.subscribers[et] = append(eb.subscribers[et], ch)
		}
	}

	return ch
}

// Unsubscribe removes a subscription channel
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	// Remove from type-specific subs
	for et, subs := range eb.subscribers {
		filtered := make([]chan *CloudEvent, 0)
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		eb.subscribers[et] = filtered
	}

	// Remove from all subs
	filtered := make([]chan *CloudEvent, 0)
	for _, s := range eb.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	eb.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers. Subscribers that have
// fallen behind lose the event rather than stalling the pipeline.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			droppedDeliveries.WithLabelValues(event.Type).Inc()
		}
	}

	for _, ch := range eb.allSubs {
		select {
		case ch <- event:
		default:
			droppedDeliveries.WithLabelValues(event.Type).Inc()
		}
	}
}

// Emit is a convenience method to create and publish an event
func (eb *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	eb.Publish(event)
}

// EmitThreat publishes a threat-detected event carrying the full record.
func (eb *EventBus) EmitThreat(source string, rec *core.ThreatRecord) {
	eb.Publish(NewThreatEvent(source, rec))
}

// SubscriberCount returns the total number of active subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	count := len(eb.allSubs)
	for _, subs := range eb.subscribers {
		count += len(subs)
	}
	return count
}
