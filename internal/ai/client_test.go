package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScorer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestScoreSuccess(t *testing.T) {
	var gotFeatures []float64
	srv := newScorer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/score", r.URL.Path)
		var req struct {
			Features []float64 `json:"features"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotFeatures = req.Features
		json.NewEncoder(w).Encode(map[string]interface{}{"score": 0.12, "threshold": 0.02})
	})

	c := NewClient(Config{URL: srv.URL, Timeout: time.Second})
	res := c.Score(context.Background(), Features{Bytes: 800, Entropy: 4.1, DstPort: 443, ProtocolCode: 6, MethodCode: 1})

	require.True(t, res.Scored)
	require.NotNil(t, res.Score)
	assert.Equal(t, 0.12, *res.Score)
	require.NotNil(t, res.CalibratedThreshold)
	assert.Equal(t, 0.02, *res.CalibratedThreshold)
	assert.Equal(t, []float64{800, 4.1, 443, 6, 1}, gotFeatures, "feature order is pinned")
	assert.True(t, c.Ready())
}

func TestScoreServerErrorIsUnscored(t *testing.T) {
	srv := newScorer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	c := NewClient(Config{URL: srv.URL, Timeout: time.Second})
	res := c.Score(context.Background(), Features{})

	assert.False(t, res.Scored)
	assert.Nil(t, res.Score)
	assert.False(t, c.Ready())
}

func TestScoreTimeoutIsUnscored(t *testing.T) {
	srv := newScorer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{"score": 0.5})
	})

	c := NewClient(Config{URL: srv.URL, Timeout: 30 * time.Millisecond})
	res := c.Score(context.Background(), Features{})

	assert.False(t, res.Scored)
}

func TestScoreMalformedBodyIsUnscored(t *testing.T) {
	srv := newScorer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	})

	c := NewClient(Config{URL: srv.URL, Timeout: time.Second})
	assert.False(t, c.Score(context.Background(), Features{}).Scored)
}

func TestScoreNonNumericScoreIsUnscored(t *testing.T) {
	srv := newScorer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score": "high", "threshold": 0.1}`))
	})

	c := NewClient(Config{URL: srv.URL, Timeout: time.Second})
	assert.False(t, c.Score(context.Background(), Features{}).Scored)

	srv2 := newScorer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score": null}`))
	})
	c2 := NewClient(Config{URL: srv2.URL, Timeout: time.Second})
	assert.False(t, c2.Score(context.Background(), Features{}).Scored)
}

func TestUnconfiguredClientNeverScores(t *testing.T) {
	c := NewClient(Config{})

	res := c.Score(context.Background(), Features{Bytes: 100})

	assert.False(t, res.Scored)
	assert.False(t, c.Ready())
	assert.Error(t, c.Probe(context.Background()))
}

func TestReadinessFlipsWithUpstreamHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := newScorer(t, func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"score": 0.3})
	})

	c := NewClient(Config{URL: srv.URL, Timeout: time.Second})

	require.True(t, c.Score(context.Background(), Features{}).Scored)
	require.True(t, c.Ready())

	healthy.Store(false)
	assert.False(t, c.Score(context.Background(), Features{}).Scored)
	assert.False(t, c.Ready(), "readiness follows the most recent round-trip")

	healthy.Store(true)
	require.NoError(t, c.Probe(context.Background()))
	assert.True(t, c.Ready())
}

func TestBreakerShortCircuitsAfterThreshold(t *testing.T) {
	var calls atomic.Int32
	srv := newScorer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	c := NewClient(Config{URL: srv.URL, Timeout: time.Second, BreakerThreshold: 3})

	for i := 0; i < 3; i++ {
		c.Score(context.Background(), Features{})
	}
	require.Equal(t, int32(3), calls.Load())

	// Breaker is open: further scores never reach the upstream.
	c.Score(context.Background(), Features{})
	c.Score(context.Background(), Features{})
	assert.Equal(t, int32(3), calls.Load())

	// Probe bypasses the breaker.
	assert.Error(t, c.Probe(context.Background()))
	assert.Equal(t, int32(4), calls.Load())
}
