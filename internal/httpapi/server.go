// Package httpapi serves the read-only view of the cache: tables, snapshots,
// roll-ups and sync control.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentworkforce/relaycache/internal/entity"
	"github.com/agentworkforce/relaycache/internal/logging"
	"github.com/agentworkforce/relaycache/internal/replica"
	"github.com/agentworkforce/relaycache/internal/rollup"
	"github.com/agentworkforce/relaycache/internal/store"
	"github.com/agentworkforce/relaycache/internal/telemetry"
)

const dateLayout = "2006-01-02"

// Syncer is the part of the replica consumer the API drives.
type Syncer interface {
	Status() replica.Status
	RequestResync()
}

type ServerConfig struct {
	JWTSecret       string
	Audience        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	LongPollMax     time.Duration
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
	Gatherer        prometheus.Gatherer
}

type Server struct {
	store       *store.Store
	syncer      Syncer
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(st *store.Store, syncer Syncer) *Server {
	return NewServerWithConfig(st, syncer, ServerConfig{})
}

func NewServerWithConfig(st *store.Store, syncer Syncer, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = "relaycache"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.LongPollMax <= 0 {
		cfg.LongPollMax = 30 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       st,
		syncer:      syncer,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.Method == http.MethodGet {
		switch r.URL.Path {
		case "/health":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		case "/metrics":
			s.metrics.ServeHTTP(w, r)
			return
		case "/dashboard", "/dashboard/":
			s.handleDashboard(w, r)
			return
		}
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "snapshot" && r.Method == http.MethodGet:
		requiredScope = scopeCacheRead
		route = "snapshot"
	case len(parts) == 3 && parts[1] == "tables" && r.Method == http.MethodGet:
		requiredScope = scopeCacheRead
		route = "table"
	case len(parts) == 2 && parts[1] == "rollup" && r.Method == http.MethodGet:
		requiredScope = scopeCacheRead
		route = "rollup"
	case len(parts) == 2 && parts[1] == "progress" && r.Method == http.MethodGet:
		requiredScope = scopeCacheRead
		route = "progress"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "sync_status"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "refresh" && r.Method == http.MethodPost:
		requiredScope = scopeSyncTrigger
		route = "sync_refresh"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Audience, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "snapshot":
		s.handleSnapshot(w, r, correlationID)
	case "table":
		s.handleTable(w, r, parts[2], correlationID)
	case "rollup":
		s.handleRollup(w, r, correlationID)
	case "progress":
		s.handleProgress(w, r, correlationID)
	case "sync_status":
		s.handleSyncStatus(w, r, correlationID)
	case "sync_refresh":
		s.handleSyncRefresh(w, r, claims, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleSnapshot returns every table. With ?after=<generation> it long-polls
// until the store moves past that generation or the wait elapses.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "after must be a generation number", correlationID)
			return
		}
		wait, err := parseOptionalDuration(query.Get("wait"), s.cfg.LongPollMax, s.cfg.LongPollMax)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "wait must be a duration", correlationID)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		_, _ = s.store.Watch(ctx, after)
		cancel()
		if r.Context().Err() != nil {
			return
		}
	}

	snap := s.store.Snapshot()
	resp := map[string]any{"generation": snap.Generation}
	for _, kind := range entity.Kinds() {
		resp[jsonTableName(kind)] = snap.Table(kind)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTable(w http.ResponseWriter, _ *http.Request, rawKind, correlationID string) {
	kind, ok := entity.ParseKind(rawKind)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown table: "+rawKind, correlationID)
		return
	}
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"kind":       kind,
		"rows":       snap.Table(kind),
	})
}

func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	start, err := parseDate(query.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "start must be a YYYY-MM-DD date", correlationID)
		return
	}
	end, err := parseDate(query.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "end must be a YYYY-MM-DD date", correlationID)
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "bad_request", "end must not precede start", correlationID)
		return
	}
	filter := rollup.Filter{
		Start:           start,
		End:             end,
		ClientIDs:       splitIDs(query.Get("clientIds")),
		ProjectIDs:      splitIDs(query.Get("projectIds")),
		CollaboratorIDs: splitIDs(query.Get("collaboratorIds")),
	}

	_, span := telemetry.Tracer().Start(r.Context(), "httpapi.rollup")
	began := time.Now()
	result := rollup.Compute(s.store.Snapshot(), filter)
	s.cfg.Metrics.ObserveRollup(time.Since(began))
	span.SetAttributes(attribute.Int("entries", result.Entries))
	span.End()

	writeJSON(w, http.StatusOK, map[string]any{
		"filter": filter,
		"rollup": result,
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	today := time.Now().UTC()
	if raw := strings.TrimSpace(query.Get("today")); raw != "" {
		parsed, err := parseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "today must be a YYYY-MM-DD date", correlationID)
			return
		}
		today = parsed
	}
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"today":      today.Format(dateLayout),
		"projects":   rollup.Summaries(snap, splitIDs(query.Get("projectIds")), today),
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request, correlationID string) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync_unavailable", "no sync loop attached", correlationID)
		return
	}
	status := s.syncer.Status()
	rows := map[string]int{}
	for _, kind := range entity.Kinds() {
		rows[string(kind)] = s.store.Count(kind)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"rows":   rows,
	})
}

func (s *Server) handleSyncRefresh(w http.ResponseWriter, _ *http.Request, claims tokenClaims, correlationID string) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync_unavailable", "no sync loop attached", correlationID)
		return
	}
	s.syncer.RequestResync()
	s.logger.Info("resync requested", "subject", claims.Subject, "correlation_id", correlationID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "queued",
		"correlationId": correlationID,
	})
}

func jsonTableName(kind entity.Kind) string {
	switch kind {
	case entity.KindTimesheetEntry:
		return "timesheetEntries"
	case entity.KindProjectMembership:
		return "projectMembers"
	}
	return string(kind)
}

// getCorrelationID echoes the caller's id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseDate(raw string) (time.Time, error) {
	return time.Parse(dateLayout, strings.TrimSpace(raw))
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func parseOptionalDuration(raw string, fallback, limit time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, nil
	}
	if parsed > limit {
		return limit, nil
	}
	return parsed, nil
}
