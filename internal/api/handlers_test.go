package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracel/backend/internal/aggregate"
	"github.com/tracel/backend/internal/config"
	"github.com/tracel/backend/internal/core"
	"github.com/tracel/backend/internal/events"
	"github.com/tracel/backend/internal/identity"
	"github.com/tracel/backend/internal/pipeline"
	"github.com/tracel/backend/internal/storage"
)

type fakeAI struct {
	ready    bool
	probeErr error
}

func (f *fakeAI) Ready() bool                    { return f.ready }
func (f *fakeAI) Probe(ctx context.Context) error { return f.probeErr }

type fakeSessions struct {
	startedAt time.Time
	live      map[string]bool
}

func (f *fakeSessions) StartedAt() time.Time { return f.startedAt }

func (f *fakeSessions) Session(owner string) (pipeline.SessionInfo, bool) {
	return pipeline.SessionInfo{StartedAt: f.startedAt}, f.live[owner]
}

type testServer struct {
	srv   *Server
	store *storage.Store
	bus   *events.EventBus
	ai    *fakeAI
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	store, err := storage.Open(context.Background(), config.StorageConfig{
		ThreatLogPath:        filepath.Join(t.TempDir(), "threats.log"),
		ThreatRetentionHours: 24,
		MemRingCapacity:      100,
	}, 10)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	cfg := Config{
		AllowedOrigins:         []string{"http://localhost:3000"},
		ContactRateLimitPerMin: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ts := &testServer{
		store: store,
		bus:   events.NewEventBus(),
		ai:    &fakeAI{ready: true},
	}
	ts.srv = NewServer(cfg, Deps{
		Resolver:   identity.NewResolver(config.IdentityConfig{AdminEmail: "ops@tracel.dev"}),
		Store:      store,
		Aggregates: aggregate.NewService(store, nil),
		AI:         ts.ai,
		Sessions:   &fakeSessions{startedAt: time.Now().UTC(), live: map[string]bool{}},
		Bus:        ts.bus,
	})
	return ts
}

// get performs a request as the fixed anonymous visitor.
func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set(identity.AnonIDHeader, "visitor-1")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func seedPacket(owner string, anomaly bool, ip string, at time.Time) *core.Packet {
	score := 0.4
	vector := ""
	if anomaly {
		score = -0.2
		vector = core.VectorVolumetric
	}
	return &core.Packet{
		ID:           fmt.Sprintf("p-%d", at.UnixNano()),
		OwnerID:      owner,
		Timestamp:    at,
		SourceIP:     ip,
		Protocol:     core.ProtocolTCP,
		DstPort:      443,
		AIScored:     true,
		AnomalyScore: &score,
		IsAnomaly:    anomaly,
		AttackVector: vector,
	}
}

func TestSessionMintsAnonIdentity(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "anon", body["kind"])
	assert.True(t, strings.HasPrefix(body["owner_id"].(string), "anon:"))
	assert.Equal(t, false, body["is_admin"])

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies, "anonymous session must set the owner cookie")
	assert.Equal(t, "tracel_anon_id", cookies[0].Name)
}

func TestStatusReportsReadiness(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["ai_ready"])
	session := body["session"].(map[string]interface{})
	assert.NotEmpty(t, session["started_at"])
}

func TestPacketsFiltersAndValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := "anon:visitor-1"
	now := time.Now().UTC()

	ts.store.Persist(seedPacket(owner, false, "23.94.1.5", now.Add(-3*time.Minute)))
	ts.store.Persist(seedPacket(owner, true, "5.188.10.20", now.Add(-2*time.Minute)))
	ts.store.Persist(seedPacket(owner, false, "23.94.1.5", now.Add(-time.Minute)))
	ts.store.Persist(seedPacket("anon:other", false, "23.94.1.5", now))

	w := ts.do(t, http.MethodGet, "/api/packets", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(3), body["count"], "only the caller's packets")
	assert.Equal(t, true, body["degraded"], "no primary configured")
	packets := body["packets"].([]interface{})
	first := packets[0].(map[string]interface{})
	assert.InDelta(t, now.Add(-time.Minute).Unix(), parseRFC3339(t, first["timestamp"].(string)).Unix(), 1, "newest first")

	w = ts.do(t, http.MethodGet, "/api/packets?anomaly=true", "")
	body = decode(t, w)
	assert.Equal(t, float64(1), body["count"])

	w = ts.do(t, http.MethodGet, "/api/packets?ip=5.188.10.20", "")
	body = decode(t, w)
	assert.Equal(t, float64(1), body["count"])

	since := now.Add(-90 * time.Second).Format(time.RFC3339)
	w = ts.do(t, http.MethodGet, "/api/packets?since="+since, "")
	body = decode(t, w)
	assert.Equal(t, float64(1), body["count"])

	w = ts.do(t, http.MethodGet, "/api/packets?limit=1", "")
	body = decode(t, w)
	assert.Equal(t, float64(1), body["count"])

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/packets?limit=5000", "").Code, "oversized limit is capped, not rejected")

	for _, bad := range []string{"limit=-1", "limit=abc", "since=yesterday", "anomaly=maybe"} {
		w = ts.do(t, http.MethodGet, "/api/packets?"+bad, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, "query %s", bad)
	}
}

func parseRFC3339(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	return ts
}

func TestPacketAndThreatCounts(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := "anon:visitor-1"
	now := time.Now().UTC()

	ts.store.Persist(seedPacket(owner, false, "23.94.1.5", now.Add(-time.Minute)))
	ts.store.Persist(seedPacket(owner, true, "5.188.10.20", now))

	w := ts.do(t, http.MethodGet, "/api/packets/count", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["totalPackets"])

	w = ts.do(t, http.MethodGet, "/api/threats/count", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["totalThreats"])

	w = ts.do(t, http.MethodGet, "/api/threats/count?sinceHours=0", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["totalThreats"], "zero-hour window is empty")

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/threats/count?sinceHours=-1", "").Code)
}

func TestThreatIntelEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := "anon:visitor-1"
	now := time.Now().UTC()

	ts.store.Persist(seedPacket(owner, true, "5.188.10.20", now.Add(-time.Minute)))
	ts.store.Persist(seedPacket(owner, true, "5.188.10.20", now))

	w := ts.do(t, http.MethodGet, "/api/threat-intel", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(2), body["total_threats"])

	dist := body["attack_vector_distribution"].(map[string]interface{})
	assert.Equal(t, float64(2), dist[core.VectorVolumetric])
	assert.Contains(t, dist, core.VectorProtocol)
	assert.Contains(t, dist, core.VectorApplication)

	top := body["top_hostile_ips"].([]interface{})
	require.Len(t, top, 1)
	assert.Equal(t, "5.188.10.20", top[0].(map[string]interface{})["ip"])

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/threat-intel?sinceHours=-2", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/threat-intel?limit=-2", "").Code)
}

func TestTimelineEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet,
		"/api/incidents/timeline?from=2025-01-01T00:00:00Z&to=2025-01-02T00:00:00Z&bucket=hour", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "hour", body["bucket"])
	buckets := body["timeline"].([]interface{})
	assert.Len(t, buckets, 24, "one bucket per hour, zero-filled")

	// No history: from=account yields an empty timeline, not an error.
	w = ts.do(t, http.MethodGet, "/api/incidents/timeline?from=account", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Empty(t, body["timeline"])

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/incidents/timeline?bucket=weekly", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/incidents/timeline?from=lastweek", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet,
		"/api/incidents/timeline?from=2025-01-02T00:00:00Z&to=2025-01-01T00:00:00Z", "").Code)
}

func TestContactSubmission(t *testing.T) {
	ts := newTestServer(t, nil)
	received := ts.bus.Subscribe(events.TypeContactReceived)

	w := ts.do(t, http.MethodPost, "/api/contact",
		`{"name":"Ada","email":"ada@example.com","org":"Lovelace Labs","message":"We keep seeing bursts at night."}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := decode(t, w)["id"].(string)
	assert.NotEmpty(t, id)

	select {
	case ev := <-received:
		assert.Equal(t, id, ev.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("no contact event on the bus")
	}

	for name, body := range map[string]string{
		"missing name":  `{"email":"a@b.c","message":"hi"}`,
		"missing email": `{"name":"Ada","message":"hi"}`,
		"bad email":     `{"name":"Ada","email":"not-an-email","message":"hi"}`,
		"spaced email":  `{"name":"Ada","email":"a b@c.d","message":"hi"}`,
		"no message":    `{"name":"Ada","email":"a@b.c","message":"  "}`,
		"not json":      `name=Ada`,
	} {
		w := ts.do(t, http.MethodPost, "/api/contact", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}

func TestContactRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.ContactRateLimitPerMin = 2 })

	body := `{"name":"Ada","email":"ada@example.com","message":"hello"}`
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/contact", body).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/contact", body).Code)

	w := ts.do(t, http.MethodPost, "/api/contact", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

// asPrincipal invokes a handler directly with an injected identity, skipping
// the resolver.
func asPrincipal(p identity.Principal, h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(context.WithValue(req.Context(), principalKey, p))
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestAdminGateOnContactInbox(t *testing.T) {
	ts := newTestServer(t, nil)

	anon := identity.Principal{OwnerID: "anon:x", Kind: identity.KindAnon}
	user := identity.Principal{OwnerID: "user:u1", Kind: identity.KindUser, Email: "dev@tracel.dev"}
	admin := identity.Principal{OwnerID: "user:u2", Kind: identity.KindUser, Email: "ops@tracel.dev", IsAdmin: true}

	assert.Equal(t, http.StatusUnauthorized, asPrincipal(anon, ts.srv.handleContactList, http.MethodGet, "/api/contact", "").Code)
	assert.Equal(t, http.StatusForbidden, asPrincipal(user, ts.srv.handleContactList, http.MethodGet, "/api/contact", "").Code)

	require.NoError(t, ts.store.SaveContact(context.Background(), &core.ContactSubmission{
		ID: "c1", Name: "Ada", Email: "ada@example.com", Message: "hi", ReceivedAt: time.Now().UTC(),
	}))

	w := asPrincipal(admin, ts.srv.handleContactList, http.MethodGet, "/api/contact", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		OK       bool                     `json:"ok"`
		Contacts []core.ContactSubmission `json:"contacts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Contacts, 1)
	assert.Equal(t, "c1", out.Contacts[0].ID)
}

func TestResetDemandsConfirmation(t *testing.T) {
	ts := newTestServer(t, nil)
	admin := identity.Principal{OwnerID: "user:u2", Kind: identity.KindUser, Email: "ops@tracel.dev", IsAdmin: true}
	owner := "anon:visitor-1"

	ts.store.Persist(seedPacket(owner, true, "5.188.10.20", time.Now().UTC()))

	assert.Equal(t, http.StatusBadRequest, asPrincipal(admin, ts.srv.handleReset, http.MethodPost, "/api/admin/reset-mongo", `{"confirm":"yes"}`).Code)
	assert.Equal(t, http.StatusBadRequest, asPrincipal(admin, ts.srv.handleReset, http.MethodPost, "/api/admin/reset-mongo", "").Code)

	w := asPrincipal(admin, ts.srv.handleReset, http.MethodPost, "/api/admin/reset-mongo", `{"confirm":"RESET"}`)
	require.Equal(t, http.StatusOK, w.Code)

	n, _, err := ts.store.PacketCount(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "reset clears stored traffic")

	anon := identity.Principal{OwnerID: "anon:x", Kind: identity.KindAnon}
	assert.Equal(t, http.StatusUnauthorized, asPrincipal(anon, ts.srv.handleReset, http.MethodPost, "/api/admin/reset-mongo", `{"confirm":"RESET"}`).Code)
}

func TestHealthProbe(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = ts.do(t, http.MethodGet, "/health?load=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["ai"])

	ts.ai.probeErr = errors.New("scorer down")
	w = ts.do(t, http.MethodGet, "/health?load=1", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, decode(t, w)["ok"])
}

func TestCORSPreflightAndAllowlist(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/packets", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))

	req = httptest.NewRequest(http.MethodOptions, "/api/packets", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"), "unlisted origins get no CORS grant")
}

func TestRateLimiterWindows(t *testing.T) {
	l := NewLimiter(2)

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "third call in the window is refused")
	assert.True(t, l.Allow("10.0.0.2"), "keys are independent")
}
