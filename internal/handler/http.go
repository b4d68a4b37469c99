package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mapsync-redis/internal/delta"
	"github.com/mapsync-redis/internal/domain"
	"github.com/mapsync-redis/internal/metrics"
	"github.com/mapsync-redis/internal/ratelimit"
	"github.com/mapsync-redis/internal/service"
)

// MapService builds viewport responses
type MapService interface {
	BuildMap(ctx context.Context, req service.MapRequest) (*service.MapResult, error)
}

// DeltaService computes change sets from a cursor
type DeltaService interface {
	Calculate(ctx context.Context, rawCursor string, worldID int64, now time.Time) (*delta.Result, error)
}

// Invalidator is the write-side hook collaborators call after committing a
// map-visible mutation
type Invalidator interface {
	InvalidateOnCommand(ctx context.Context, worldID int64) error
	InvalidateOnVillageChange(ctx context.Context, worldID, villageID int64) error
	InvalidateOnDiplomacyChange(ctx context.Context, worldID int64) error
}

// SessionResolver resolves session tokens into user identity
type SessionResolver interface {
	Get(ctx context.Context, token string) (*domain.Session, error)
}

// Handler provides the HTTP surface of the map subsystem
type Handler struct {
	maps        MapService
	deltas      DeltaService
	invalidator Invalidator
	sessions    SessionResolver
	limiter     *ratelimit.Limiter
	metrics     *metrics.Recorder
	cacheTTL    time.Duration
	timeout     time.Duration
	logger      *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	maps MapService,
	deltas DeltaService,
	invalidator Invalidator,
	sessions SessionResolver,
	limiter *ratelimit.Limiter,
	recorder *metrics.Recorder,
	cacheTTL, timeout time.Duration,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		maps:        maps,
		deltas:      deltas,
		invalidator: invalidator,
		sessions:    sessions,
		limiter:     limiter,
		metrics:     recorder,
		cacheTTL:    cacheTTL,
		timeout:     timeout,
		logger:      logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// API v1 routes
	r.Route("/api/v1/worlds/{worldID}", func(r chi.Router) {
		r.Get("/map", h.GetMap)
		r.Get("/map/delta", h.GetMapDelta)
	})

	// Write-side hooks for collaborators not on the Kafka feed
	r.Post("/internal/worlds/{worldID}/invalidate", h.Invalidate)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-Session-Token, If-None-Match, If-Modified-Since")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error JSON response. Internal detail never leaks:
// anything above the client-error taxonomy gets the generic message.
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = domain.ErrInternalError.Error()
	}
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   msg,
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]string{"status": "healthy"}})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]string{"status": "ready"}})
}

// sessionToken extracts the session token from header or query
func sessionToken(r *http.Request) string {
	if token := r.Header.Get("X-Session-Token"); token != "" {
		return token
	}
	return r.URL.Query().Get("session")
}

// resolveSession authenticates the request; nil session means the response
// was already written
func (h *Handler) resolveSession(w http.ResponseWriter, r *http.Request) *domain.Session {
	session, err := h.sessions.Get(r.Context(), sessionToken(r))
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
			return nil
		}
		h.logger.Error("session lookup failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err)
		return nil
	}
	return session
}

// checkRateLimit enforces the per-session sliding window before any
// database work; false means the 429 was already written
func (h *Handler) checkRateLimit(w http.ResponseWriter, session *domain.Session, worldID int64, started time.Time) bool {
	ok, retryAfter := h.limiter.Allow(session.Token, started)
	if ok {
		return true
	}

	secs := int(retryAfter / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	h.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"success":     false,
		"error":       domain.ErrRateLimited.Error(),
		"retry_after": secs,
	})
	h.metrics.Record(metrics.Request{
		Status:   http.StatusTooManyRequests,
		Outcome:  metrics.OutcomeRateLimit,
		Duration: time.Since(started),
		WorldID:  worldID,
	})
	return false
}

func parseWorldID(r *http.Request) (int64, error) {
	worldID, err := strconv.ParseInt(chi.URLParam(r, "worldID"), 10, 64)
	if err != nil || worldID <= 0 {
		return 0, domain.ErrInvalidRequest
	}
	return worldID, nil
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}

func queryBool(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// setCachingHeaders applies the caching contract shared by 200 and 304
func (h *Handler) setCachingHeaders(w http.ResponseWriter, etag string, lastModified time.Time) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, must-revalidate", int(h.cacheTTL/time.Second)))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
}

// GetMap serves one viewport snapshot with conditional-request support
func (h *Handler) GetMap(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	worldID, err := parseWorldID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	session := h.resolveSession(w, r)
	if session == nil {
		return
	}
	if !h.checkRateLimit(w, session, worldID, started) {
		return
	}

	req := service.MapRequest{
		WorldID:          worldID,
		X:                queryInt(r, "x"),
		Y:                queryInt(r, "y"),
		Size:             queryInt(r, "size"),
		LowPerf:          queryBool(r, "lowperf"),
		SuppressCommands: queryBool(r, "suppress_commands"),
		Session:          *session,
		IfNoneMatch:      r.Header.Get("If-None-Match"),
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			req.IfModifiedSince = t
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	result, err := h.maps.BuildMap(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrWorldNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("map request failed", "world_id", worldID, "error", err)
		h.writeError(w, http.StatusInternalServerError, err)
		h.metrics.Record(metrics.Request{
			Status:   http.StatusInternalServerError,
			Outcome:  metrics.OutcomeMiss,
			Duration: time.Since(started),
			WorldID:  worldID,
		})
		return
	}

	h.setCachingHeaders(w, result.ETag, result.LastModified)
	viewportLabel := fmt.Sprintf("%d,%d+%d", result.Viewport.CenterX, result.Viewport.CenterY, result.Viewport.Size)

	if result.NotModified {
		w.WriteHeader(http.StatusNotModified)
		h.metrics.Record(metrics.Request{
			Status:   http.StatusNotModified,
			Outcome:  result.Outcome,
			Duration: time.Since(started),
			WorldID:  worldID,
			Viewport: viewportLabel,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result.Body)
	h.metrics.Record(metrics.Request{
		Status:   http.StatusOK,
		Outcome:  result.Outcome,
		Bytes:    len(result.Body),
		Duration: time.Since(started),
		WorldID:  worldID,
		Viewport: viewportLabel,
	})
}

// GetMapDelta serves the change sets since the presented cursor
func (h *Handler) GetMapDelta(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	worldID, err := parseWorldID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	session := h.resolveSession(w, r)
	if session == nil {
		return
	}
	if !h.checkRateLimit(w, session, worldID, started) {
		return
	}

	rawCursor := r.URL.Query().Get("cursor")
	if rawCursor == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success":  false,
			"error":    "cursor required",
			"fallback": "full",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	result, err := h.deltas.Calculate(ctx, rawCursor, worldID, started)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCursor) {
			// Never a silently-partial delta: the client must refetch fully
			h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success":  false,
				"error":    domain.ErrInvalidCursor.Error(),
				"fallback": "full",
			})
			return
		}
		h.logger.Error("delta request failed", "world_id", worldID, "error", err)
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// invalidateRequest is the body of a collaborator invalidation call
type invalidateRequest struct {
	Kind      string `json:"kind"`
	VillageID int64  `json:"village_id,omitempty"`
}

// Invalidate dispatches a committed-mutation signal to the version store
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	worldID, err := parseWorldID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	switch req.Kind {
	case "command":
		err = h.invalidator.InvalidateOnCommand(r.Context(), worldID)
	case "village_change":
		err = h.invalidator.InvalidateOnVillageChange(r.Context(), worldID, req.VillageID)
	case "diplomacy_change":
		err = h.invalidator.InvalidateOnDiplomacyChange(r.Context(), worldID)
	default:
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if err != nil {
		h.logger.Error("invalidation failed", "world_id", worldID, "kind", req.Kind, "error", err)
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    map[string]string{"status": "invalidated"},
	})
}
