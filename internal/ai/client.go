// Package ai calls the external anomaly-scoring endpoint. Every failure mode
// collapses to an unscored result: the pipeline never retries inline and never
// sees an error from here — the next packet is the next attempt.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tracel/backend/internal/circuitbreaker"
)

// Features is the fixed vector sent to the scorer. Order is part of the wire
// contract: [bytes, entropy, dst_port, protocol_code, method_code].
type Features struct {
	Bytes        float64
	Entropy      float64
	DstPort      float64
	ProtocolCode float64
	MethodCode   float64
}

// Vector returns the features in wire order.
func (f Features) Vector() []float64 {
	return []float64{f.Bytes, f.Entropy, f.DstPort, f.ProtocolCode, f.MethodCode}
}

// Result is what the pipeline consumes. Scored=false means no usable score;
// the packet proceeds as UNSCORED.
type Result struct {
	Scored              bool
	Score               *float64
	CalibratedThreshold *float64
}

// Config for the scoring client.
type Config struct {
	URL              string        // base URL of the scorer; empty = unconfigured
	Timeout          time.Duration // hard per-request timeout
	BreakerThreshold int           // consecutive failures before short-circuiting
}

// Client talks to the scoring endpoint. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	ready   atomic.Bool
	logger  *log.Logger
}

type scoreRequest struct {
	Features []float64 `json:"features"`
}

type scoreResponse struct {
	Score     *float64 `json:"score"`
	Threshold *float64 `json:"threshold"`
	IsAnomaly *bool    `json:"is_anomaly"` // advisory; the baseline rule is authoritative
}

// NewClient builds the scoring client. An empty URL yields a client whose
// Score always reports unscored, so the service runs without the AI.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	threshold := uint32(5)
	if cfg.BreakerThreshold > 0 {
		threshold = uint32(cfg.BreakerThreshold)
	}

	logger := log.New(log.Writer(), "[AI] ", log.LstdFlags)
	breakerCfg := circuitbreaker.DefaultConfig("ai-scorer", threshold, 15*time.Second)
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Printf("⚡ breaker %s: %s -> %s", name, from, to)
	}

	return &Client{
		baseURL: cfg.URL,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(breakerCfg),
		logger:  logger,
	}
}

// Ready reports whether the most recent round-trip to the scorer succeeded.
// False until the first success after boot.
func (c *Client) Ready() bool { return c.ready.Load() }

// Score runs one feature vector through the scorer. It never returns an
// error; any failure is an unscored result.
func (c *Client) Score(ctx context.Context, f Features) Result {
	if c.baseURL == "" {
		scoreOutcomes.WithLabelValues("unconfigured").Inc()
		return Result{}
	}

	generation, err := c.breaker.Allow()
	if err != nil {
		scoreOutcomes.WithLabelValues("short_circuit").Inc()
		return Result{}
	}

	start := time.Now()
	res, err := c.roundTrip(ctx, f)
	scoreDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.breaker.RecordFailure(generation)
		c.markDown(err)
		scoreOutcomes.WithLabelValues("error").Inc()
		return Result{}
	}

	c.breaker.RecordSuccess(generation)
	c.markUp()
	scoreOutcomes.WithLabelValues("ok").Inc()
	return res
}

// Probe performs one canned round-trip, bypassing the breaker. Used by
// /health?load=1 to force a live check.
func (c *Client) Probe(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("ai scorer not configured")
	}

	_, err := c.roundTrip(ctx, Features{Bytes: 512, Entropy: 4.2, DstPort: 443, ProtocolCode: 6, MethodCode: 1})
	if err != nil {
		c.markDown(err)
		return err
	}
	c.markUp()
	return nil
}

func (c *Client) roundTrip(ctx context.Context, f Features) (Result, error) {
	body, err := json.Marshal(scoreRequest{Features: f.Vector()})
	if err != nil {
		return Result{}, fmt.Errorf("marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("scorer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("scorer returned %d", resp.StatusCode)
	}

	var sr scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sr); err != nil {
		return Result{}, fmt.Errorf("decode scorer response: %w", err)
	}
	if sr.Score == nil || math.IsNaN(*sr.Score) || math.IsInf(*sr.Score, 0) {
		return Result{}, fmt.Errorf("scorer response has no numeric score")
	}
	if sr.Threshold != nil && (math.IsNaN(*sr.Threshold) || math.IsInf(*sr.Threshold, 0)) {
		sr.Threshold = nil
	}

	return Result{Scored: true, Score: sr.Score, CalibratedThreshold: sr.Threshold}, nil
}

func (c *Client) markUp() {
	if !c.ready.Swap(true) {
		c.logger.Printf("✅ scorer reachable")
		readyGauge.Set(1)
	}
}

func (c *Client) markDown(err error) {
	if c.ready.Swap(false) {
		c.logger.Printf("⚠️ scorer unreachable: %v", err)
		readyGauge.Set(0)
	}
}
