package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tracel/backend/internal/aggregate"
	"github.com/tracel/backend/internal/core"
	"github.com/tracel/backend/internal/events"
	"github.com/tracel/backend/internal/identity"
	"github.com/tracel/backend/internal/storage"
)

const apiSource = "tracel/api"

const (
	defaultPacketLimit  = 200
	maxPacketLimit      = 1000
	defaultContactLimit = 100
	maxContactLimit     = 1000
	defaultSinceHours   = 24
	defaultIntelTopN    = 5
	maxIntelTopN        = 100
	maxContactBody      = 64 << 10
)

// handleSession resolves (and for anonymous visitors, mints) the caller's
// identity and reports the live session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	pr := s.resolver.EnsureAnon(w, r)
	info, _ := s.sessions.Session(pr.OwnerID)

	fields := envelope{
		"owner_id": pr.OwnerID,
		"kind":     pr.Kind,
		"is_admin": pr.IsAdmin,
		"session":  info,
	}
	if pr.Email != "" {
		fields["email"] = pr.Email
	}
	respondOK(w, fields)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondOK(w, envelope{
		"ai_ready": s.ai.Ready(),
		"session":  envelope{"started_at": s.sessions.StartedAt()},
	})
}

func (s *Server) handlePackets(w http.ResponseWriter, r *http.Request) {
	pr := principalFrom(r)
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"), defaultPacketLimit, maxPacketLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	query := storage.Query{Limit: limit, SourceIP: q.Get("ip")}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		query.Since = &ts
	}
	if raw := q.Get("anomaly"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "anomaly must be a boolean")
			return
		}
		query.Anomaly = &v
	}

	rows, degraded, err := s.store.Packets(r.Context(), pr.OwnerID, query)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "packet history unavailable")
		return
	}
	respondOK(w, envelope{"packets": rows, "count": len(rows), "degraded": degraded})
}

func (s *Server) handlePacketCount(w http.ResponseWriter, r *http.Request) {
	pr := principalFrom(r)
	n, degraded, err := s.store.PacketCount(r.Context(), pr.OwnerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "packet count unavailable")
		return
	}
	respondOK(w, envelope{"totalPackets": n, "degraded": degraded})
}

func (s *Server) handleThreatCount(w http.ResponseWriter, r *http.Request) {
	pr := principalFrom(r)
	hours, err := parseSinceHours(r.URL.Query().Get("sinceHours"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sinceHours")
		return
	}
	if hours == 0 {
		respondOK(w, envelope{"totalThreats": int64(0), "degraded": false})
		return
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	n, degraded, err := s.store.ThreatCount(r.Context(), pr.OwnerID, since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "threat count unavailable")
		return
	}
	respondOK(w, envelope{"totalThreats": n, "degraded": degraded})
}

type intelResponse struct {
	OK bool `json:"ok"`
	*aggregate.ThreatIntel
}

func (s *Server) handleThreatIntel(w http.ResponseWriter, r *http.Request) {
	pr := principalFrom(r)
	q := r.URL.Query()

	hours, err := parseSinceHours(q.Get("sinceHours"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sinceHours")
		return
	}
	topN, err := parseLimit(q.Get("limit"), defaultIntelTopN, maxIntelTopN)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	intel, err := s.agg.ThreatIntel(r.Context(), pr.OwnerID, hours, topN)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "threat intel unavailable")
		return
	}
	respondJSON(w, http.StatusOK, intelResponse{OK: true, ThreatIntel: intel})
}

type timelineResponse struct {
	OK bool `json:"ok"`
	*aggregate.Timeline
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	pr := principalFrom(r)
	q := r.URL.Query()

	var from *time.Time
	switch raw := q.Get("from"); raw {
	case "", "account":
		// nil from = the owner's earliest packet across tiers
	default:
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "from must be RFC3339 or \"account\"")
			return
		}
		from = &ts
	}

	to := time.Now().UTC()
	if raw := q.Get("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		to = ts
	}
	if from != nil && to.Before(*from) {
		respondError(w, http.StatusBadRequest, "to precedes from")
		return
	}

	tl, err := s.agg.Timeline(r.Context(), pr.OwnerID, from, to, q.Get("bucket"))
	if err != nil {
		if errors.Is(err, aggregate.ErrInvalidBucket) {
			respondError(w, http.StatusBadRequest, "bucket must be hour, day, month or auto")
			return
		}
		respondError(w, http.StatusInternalServerError, "timeline unavailable")
		return
	}
	respondJSON(w, http.StatusOK, timelineResponse{OK: true, Timeline: tl})
}

type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Org     string `json:"org"`
	Message string `json:"message"`
}

func (s *Server) handleContactSubmit(w http.ResponseWriter, r *http.Request) {
	if s.contactLimiter != nil && !s.contactLimiter.Allow(clientIP(r)) {
		w.Header().Set("Retry-After", "60")
		respondError(w, http.StatusTooManyRequests, "too many submissions, try again later")
		return
	}

	var req contactRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxContactBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg, ok := validateContact(&req); !ok {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	pr := principalFrom(r)
	sub := core.ContactSubmission{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Email:      req.Email,
		Org:        req.Org,
		Message:    req.Message,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.store.SaveContact(r.Context(), &sub); err != nil {
		s.logger.Printf("❌ contact save failed: %v", err)
		respondError(w, http.StatusServiceUnavailable, "contact inbox unavailable")
		return
	}

	contactSubmissions.Inc()
	s.bus.Emit(events.TypeContactReceived, apiSource, sub.ID, map[string]interface{}{"owner_id": pr.OwnerID})
	respondOK(w, envelope{"id": sub.ID})
}

func validateContact(req *contactRequest) (string, bool) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.Org = strings.TrimSpace(req.Org)
	req.Message = strings.TrimSpace(req.Message)

	switch {
	case req.Name == "":
		return "name is required", false
	case len(req.Name) > 200:
		return "name too long", false
	case req.Email == "":
		return "email is required", false
	case len(req.Email) > 320, !strings.Contains(req.Email, "@"), strings.ContainsAny(req.Email, " \t"):
		return "email is invalid", false
	case len(req.Org) > 200:
		return "org too long", false
	case req.Message == "":
		return "message is required", false
	case len(req.Message) > 5000:
		return "message too long", false
	}
	return "", true
}

func (s *Server) handleContactList(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultContactLimit, maxContactLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	rows, degraded, err := s.store.Contacts(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "contact inbox unavailable")
		return
	}
	respondOK(w, envelope{"contacts": rows, "degraded": degraded})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var req struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Confirm != "RESET" {
		respondError(w, http.StatusBadRequest, `confirmation required: {"confirm":"RESET"}`)
		return
	}

	if err := s.store.Reset(r.Context()); err != nil {
		s.logger.Printf("❌ reset failed: %v", err)
		respondError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	s.logger.Printf("🧹 all stored traffic wiped by %s", principalFrom(r).OwnerID)
	respondOK(w, envelope{"reset": true})
}

// requireAdmin enforces the admin gate: anonymous callers get 401,
// authenticated non-admins 403.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	pr := principalFrom(r)
	if pr.Kind != identity.KindUser {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !pr.IsAdmin {
		respondError(w, http.StatusForbidden, "admin access required")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fields := envelope{"status": "healthy"}

	if r.URL.Query().Get("load") == "1" {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ai.Probe(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, envelope{
				"ok":     false,
				"status": "degraded",
				"error":  fmt.Sprintf("ai probe: %v", err),
			})
			return
		}
		fields["ai"] = "ok"
	}
	respondOK(w, fields)
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n == 0 {
		return def, nil
	}
	if n > max {
		return max, nil
	}
	return n, nil
}

func parseSinceHours(raw string) (int, error) {
	if raw == "" {
		return defaultSinceHours, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid sinceHours %q", raw)
	}
	return n, nil
}
