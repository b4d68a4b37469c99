package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mapsync-redis/internal/config"
	"github.com/mapsync-redis/internal/postgres"
	"github.com/mapsync-redis/internal/redis"
)

// SyncWorker periodically persists the Redis-held version counters to
// PostgreSQL and restores them on startup. The cache itself is disposable;
// persisting versions just keeps validators stable across a Redis restart
// instead of degrading every world to always-fresh.
type SyncWorker struct {
	versions *redis.VersionStore
	postgres *postgres.Repository
	config   *config.SyncConfig
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	versions *redis.VersionStore,
	postgres *postgres.Repository,
	cfg *config.SyncConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		versions: versions,
		postgres: postgres,
		config:   cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// RestoreFromDatabase seeds Redis with persisted versions on startup,
// without overwriting anything live writers already bumped
func (w *SyncWorker) RestoreFromDatabase(ctx context.Context) error {
	versions, err := w.postgres.ListCacheVersions(ctx)
	if err != nil {
		return err
	}

	restored := 0
	for _, cv := range versions {
		if err := w.versions.Restore(ctx, cv); err != nil {
			w.logger.Warn("failed to restore world versions", "world_id", cv.WorldID, "error", err)
			continue
		}
		restored++
	}

	w.logger.Info("restored cache versions", "worlds", restored)
	return nil
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("version sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("version sync worker stopped")
	return nil
}

// run is the main worker loop
func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.persistAll(ctx)
		}
	}
}

// persistAll writes every world's current versions to PostgreSQL
func (w *SyncWorker) persistAll(ctx context.Context) {
	startTime := time.Now()

	versions, err := w.versions.AllWorldVersions(ctx)
	if err != nil {
		w.logger.Error("failed to read versions for sync", "error", err)
		return
	}
	if len(versions) == 0 {
		return
	}

	if err := w.postgres.UpsertCacheVersions(ctx, versions); err != nil {
		w.logger.Error("failed to persist cache versions", "error", err)
		return
	}

	w.logger.Info("persisted cache versions",
		"worlds", len(versions),
		"duration", time.Since(startTime),
	)
}
