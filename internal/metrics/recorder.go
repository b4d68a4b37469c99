package metrics

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mapsync-redis/internal/config"
)

// Cache outcomes recorded per request
const (
	OutcomeMiss         = "miss"
	OutcomeHit          = "hit"
	OutcomeETag         = "etag"
	OutcomeLastModified = "last-modified"
	OutcomeRateLimit    = "rate_limit"
)

// Request describes one completed map request for the metrics path
type Request struct {
	Status   int
	Outcome  string
	Bytes    int
	Duration time.Duration
	WorldID  int64
	Viewport string
}

// Recorder logs per-request metrics and fires threshold alerts. It sits off
// the response path: nothing it does can fail a request.
type Recorder struct {
	logger *slog.Logger
	cfg    *config.AlertsConfig
}

// NewRecorder creates a new metrics recorder
func NewRecorder(cfg *config.AlertsConfig, logger *slog.Logger) *Recorder {
	return &Recorder{
		logger: logger,
		cfg:    cfg,
	}
}

// Record logs the request and checks alert thresholds
func (r *Recorder) Record(req Request) {
	defer func() {
		if rec := recover(); rec != nil {
			// Metrics must never take a request down with them
			r.logger.Error("metrics recorder panic", "panic", rec)
		}
	}()

	r.logger.Info("map request",
		"status", req.Status,
		"cache", req.Outcome,
		"bytes", req.Bytes,
		"duration_ms", req.Duration.Milliseconds(),
		"world_id", req.WorldID,
		"viewport", req.Viewport,
	)

	if req.Duration > r.cfg.SlowRequest {
		r.logger.Error("slow map request",
			"alert_id", uuid.New().String(),
			"duration_ms", req.Duration.Milliseconds(),
			"threshold_ms", r.cfg.SlowRequest.Milliseconds(),
			"world_id", req.WorldID,
			"viewport", req.Viewport,
		)
	}
	if req.Bytes > r.cfg.MaxPayloadBytes {
		r.logger.Error("oversized map payload",
			"alert_id", uuid.New().String(),
			"bytes", req.Bytes,
			"threshold_bytes", r.cfg.MaxPayloadBytes,
			"world_id", req.WorldID,
			"viewport", req.Viewport,
		)
	}
}
