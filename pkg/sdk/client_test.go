package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/session", r.URL.Path)
		assert.Equal(t, "check-1", r.Header.Get(AnonIDHeader))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"owner_id":"anon:check-1","kind":"anon","is_admin":false,
			"session":{"started_at":"2025-06-01T10:00:00Z","attack_mode":true}}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, AnonID: "check-1"})
	sess, err := client.Session(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "anon:check-1", sess.OwnerID)
	assert.Equal(t, "anon", sess.Kind)
	assert.False(t, sess.IsAdmin)
	assert.True(t, sess.Session.AttackMode)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), sess.Session.StartedAt)
}

func TestPacketsQueryEncoding(t *testing.T) {
	since := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "25", q.Get("limit"))
		assert.Equal(t, "true", q.Get("anomaly"))
		assert.Equal(t, "9.9.9.9", q.Get("ip"))
		assert.Equal(t, "2025-06-01T09:30:00Z", q.Get("since"))

		fmt.Fprint(w, `{"ok":true,"count":1,"degraded":true,
			"packets":[{"id":"p-1","source_ip":"9.9.9.9","is_anomaly":true,"attack_vector":"Volumetric"}]}`)
	}))
	defer srv.Close()

	anomalies := true
	client := NewClient(Config{BaseURL: srv.URL})
	page, err := client.Packets(context.Background(), PacketQuery{
		Limit:   25,
		Since:   since,
		Anomaly: &anomalies,
		IP:      "9.9.9.9",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, page.Count)
	assert.True(t, page.Degraded)
	require.Len(t, page.Packets, 1)
	assert.Equal(t, "p-1", page.Packets[0].ID)
	assert.Equal(t, VectorVolumetric, page.Packets[0].AttackVector)
}

func TestDefaultQueryOmitsParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		fmt.Fprint(w, `{"ok":true,"count":0,"degraded":false,"packets":[]}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	page, err := client.Packets(context.Background(), PacketQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Packets)
}

func TestServerErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"error":"invalid limit"}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	_, err := client.Packets(context.Background(), PacketQuery{Limit: 10})
	require.Error(t, err)

	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid limit", apiErr.Message)
	assert.Contains(t, err.Error(), "invalid limit")
}

func TestBearerTokenForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"ok":true,"totalPackets":42,"degraded":false}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Token: "tok-123"})
	n, err := client.PacketCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestThreatCountWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "72", r.URL.Query().Get("sinceHours"))
		fmt.Fprint(w, `{"ok":true,"totalThreats":7,"degraded":false}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	n, err := client.ThreatCount(context.Background(), 72)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestSubmitContact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req ContactRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Dana", req.Name)
		assert.Equal(t, "dana@example.com", req.Email)

		fmt.Fprint(w, `{"ok":true,"id":"c-123"}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	id, err := client.SubmitContact(context.Background(), ContactRequest{
		Name:    "Dana",
		Email:   "dana@example.com",
		Message: "need a demo",
	})
	require.NoError(t, err)
	assert.Equal(t, "c-123", id)
}

func TestHealthProbeDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("load") == "1" {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"ok":false,"status":"degraded","error":"ai probe: connection refused"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"status":"healthy"}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, client.Health(context.Background(), false))

	err := client.Health(context.Background(), true)
	require.Error(t, err)
	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Contains(t, apiErr.Message, "ai probe")
}

func TestStreamFeedUntilServerClose(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/feed", r.URL.Path)
		assert.Equal(t, "feed-1", r.Header.Get(AnonIDHeader))

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		for i := 0; i < 3; i++ {
			assert.NoError(t, conn.WriteJSON(&Packet{ID: fmt.Sprintf("p-%d", i), SourceIP: "1.2.3.4"}))
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
		conn.ReadMessage() // wait for the client's close reply
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, AnonID: "feed-1"})

	var got []string
	err := client.StreamFeed(context.Background(), func(p *Packet) {
		got = append(got, p.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p-0", "p-1", "p-2"}, got)
}

func TestStreamFeedContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		assert.NoError(t, conn.WriteJSON(&Packet{ID: "p-0"}))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(Config{BaseURL: srv.URL})

	err := client.StreamFeed(ctx, func(p *Packet) {
		cancel() // first delivery is enough
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFeedURLRewrite(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/feed"},
		{"https://tracel.example.com", "wss://tracel.example.com/ws/feed"},
		{"ws://localhost:8080", "ws://localhost:8080/ws/feed"},
	}
	for _, tc := range cases {
		got, err := feedURL(tc.base)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := feedURL("ftp://nope")
	assert.Error(t, err)
}

func TestWrapHTTPClientStampsIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "wrapped-1", r.Header.Get(AnonIDHeader))
		assert.Equal(t, "Bearer tok-9", r.Header.Get("Authorization"))
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, AnonID: "wrapped-1", Token: "tok-9"})
	raw := WrapHTTPClient(client, nil)

	resp, err := raw.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransportErrorIsNotAPIError(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	_, err := client.Status(context.Background())
	require.Error(t, err)

	_, ok := IsAPIError(err)
	assert.False(t, ok)
	assert.False(t, errors.Is(err, context.Canceled))
}
