// Package alerts pushes threat-detected events to an operator-configured
// webhook. Delivery is asynchronous and best-effort: a worker pool drains a
// bounded queue, slow or failing endpoints cost retries, never pipeline
// latency.
package alerts

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/tracel/backend/internal/events"
)

const (
	maxAttempts    = 3
	queueSize      = 1000
	defaultWorkers = 4
)

// Config for the notifier. An empty URL disables alerting.
type Config struct {
	WebhookURL    string
	WebhookSecret string
	Workers       int
}

// Notifier subscribes to threat events and delivers them over HTTP POST.
type Notifier struct {
	cfg    Config
	http   *http.Client
	bus    *events.EventBus
	sub    chan *events.CloudEvent
	queue  chan *events.CloudEvent
	logger *log.Logger
	wg     sync.WaitGroup
	pump   sync.WaitGroup

	// backoffUnit scales the attempt² retry pause; tests shrink it.
	backoffUnit time.Duration
}

// NewNotifier wires the worker pool and starts consuming threat events.
func NewNotifier(cfg Config, bus *events.EventBus) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	n := &Notifier{
		cfg:         cfg,
		http:        &http.Client{Timeout: 10 * time.Second},
		bus:         bus,
		sub:         bus.Subscribe(events.TypeThreatDetected),
		queue:       make(chan *events.CloudEvent, queueSize),
		logger:      log.New(log.Writer(), "[ALERTS] ", log.LstdFlags),
		backoffUnit: time.Second,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	n.pump.Add(1)
	go n.run()

	n.logger.Printf("📡 alert webhook armed → %s (%d workers)", cfg.WebhookURL, cfg.Workers)
	return n
}

// run moves bus events onto the delivery queue. Queue pressure drops the
// alert rather than backing up the bus.
func (n *Notifier) run() {
	defer n.pump.Done()
	for ev := range n.sub {
		select {
		case n.queue <- ev:
		default:
			droppedAlerts.Inc()
			n.logger.Printf("⚠️ alert queue full, dropping event %s", ev.ID)
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for ev := range n.queue {
		n.deliver(ev)
	}
}

// deliver posts the event, retrying with a quadratic pause between attempts.
func (n *Notifier) deliver(ev *events.CloudEvent) {
	payload, err := ev.JSON()
	if err != nil {
		n.logger.Printf("❌ failed to marshal alert %s: %v", ev.ID, err)
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration((attempt-1)*(attempt-1)) * n.backoffUnit)
		}
		if n.post(payload, ev, attempt) {
			deliveries.WithLabelValues("ok").Inc()
			n.logger.Printf("✅ alert delivered: %s (attempt %d)", ev.ID, attempt)
			return
		}
	}
	deliveries.WithLabelValues("failed").Inc()
	n.logger.Printf("❌ alert %s abandoned after %d attempts", ev.ID, maxAttempts)
}

func (n *Notifier) post(payload []byte, ev *events.CloudEvent, attempt int) bool {
	req, err := http.NewRequest(http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Printf("❌ failed to build alert request: %v", err)
		return false
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tracel-Event-Type", ev.Type)
	req.Header.Set("X-Tracel-Event-ID", ev.ID)
	req.Header.Set("X-Tracel-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if n.cfg.WebhookSecret != "" {
		req.Header.Set("X-Tracel-Signature", "sha256="+SignPayload(payload, n.cfg.WebhookSecret))
	}

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Printf("⚠️ alert delivery failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.logger.Printf("⚠️ alert endpoint returned %d", resp.StatusCode)
		return false
	}
	return true
}

// Shutdown stops consuming, drains queued alerts and waits for in-flight
// deliveries.
func (n *Notifier) Shutdown() {
	n.bus.Unsubscribe(n.sub)
	n.pump.Wait()
	close(n.queue)
	n.wg.Wait()
	n.logger.Printf("🔌 alert notifier drained")
}

// SignPayload computes the hex HMAC-SHA256 receivers verify against the
// X-Tracel-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
