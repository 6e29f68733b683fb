// Package export streams threat events to a Google Cloud Pub/Sub topic for
// downstream consumers (SIEM pipelines, archival). The exporter is optional:
// without a configured project and topic the service runs without it.
package export

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/tracel/backend/internal/events"
)

// Exporter forwards threat-detected events from the in-process bus to
// Pub/Sub. Messages are ordered per owner so downstream consumers replay an
// owner's threats in detection order.
type Exporter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	bus    *events.EventBus
	sub    chan *events.CloudEvent
	logger *log.Logger
	done   chan struct{}
}

// NewExporter connects to Pub/Sub, creating the topic if it does not exist,
// and starts consuming threat events.
func NewExporter(ctx context.Context, projectID, topicID string, bus *events.EventBus) (*Exporter, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(dialCtx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(dialCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(dialCtx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	e := &Exporter{
		client: client,
		topic:  topic,
		bus:    bus,
		sub:    bus.Subscribe(events.TypeThreatDetected),
		logger: log.New(log.Writer(), "[EXPORT] ", log.LstdFlags),
		done:   make(chan struct{}),
	}
	go e.run()

	e.logger.Printf("✅ threat export → projects/%s/topics/%s", projectID, topicID)
	return e, nil
}

func (e *Exporter) run() {
	defer close(e.done)
	for ev := range e.sub {
		e.publish(ev)
	}
}

func (e *Exporter) publish(ev *events.CloudEvent) {
	msg, err := threatMessage(ev)
	if err != nil {
		e.logger.Printf("❌ failed to marshal threat %s: %v", ev.ID, err)
		return
	}

	result := e.topic.Publish(context.Background(), msg)

	// Result check off the hot path; a failed ordered publish pauses the key
	// until resumed.
	go func() {
		serverID, err := result.Get(context.Background())
		if err != nil {
			published.WithLabelValues("failed").Inc()
			e.logger.Printf("❌ export publish failed: %s → %v", ev.ID, err)
			if msg.OrderingKey != "" {
				e.topic.ResumePublish(msg.OrderingKey)
			}
			return
		}
		published.WithLabelValues("ok").Inc()
		e.logger.Printf("📤 exported threat %s → msgID=%s", ev.ID, serverID)
	}()
}

// threatMessage builds the Pub/Sub message for a threat event. Attributes
// mirror CloudEvents metadata for server-side filtering; the ordering key is
// the owner.
func threatMessage(ev *events.CloudEvent) (*pubsub.Message, error) {
	payload, err := ev.JSON()
	if err != nil {
		return nil, err
	}
	return &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": ev.SpecVersion,
			"ce-type":        ev.Type,
			"ce-source":      ev.Source,
			"ce-id":          ev.ID,
			"ce-time":        ev.Time.Format(time.RFC3339Nano),
			"ce-ownerid":     ev.OwnerID,
		},
		OrderingKey: ev.OwnerID,
	}, nil
}

// HealthCheck verifies the topic is still reachable.
func (e *Exporter) HealthCheck(ctx context.Context) error {
	exists, err := e.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("export topic check: %w", err)
	}
	if !exists {
		return fmt.Errorf("export topic missing")
	}
	return nil
}

// TopicPath returns the fully-qualified topic name.
func (e *Exporter) TopicPath() string { return e.topic.String() }

// Close stops consuming, flushes buffered publishes and closes the client.
func (e *Exporter) Close() error {
	e.bus.Unsubscribe(e.sub)
	<-e.done
	e.topic.Stop()
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	e.logger.Printf("🔌 threat export closed")
	return nil
}
