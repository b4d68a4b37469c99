package delta

import (
	"context"
	"log/slog"
	"time"

	"github.com/mapsync-redis/internal/config"
	"github.com/mapsync-redis/internal/domain"
)

// Source supplies entities changed after a given instant, soft-deleted and
// resolved rows included. Implemented by the postgres repository.
type Source interface {
	VillageChanges(ctx context.Context, worldID int64, since time.Time, limit int) ([]domain.Village, error)
	MovementChanges(ctx context.Context, worldID int64, since time.Time, limit int) ([]domain.Movement, error)
	MarkerChanges(ctx context.Context, worldID int64, since time.Time, limit int) ([]domain.Marker, error)
	MapCounts(ctx context.Context, worldID int64) (villages, commands int, err error)
}

// Versions supplies the world's data version for cursor minting.
// Implemented by the redis version store.
type Versions interface {
	DataVersion(ctx context.Context, worldID int64) int64
}

// Result is the outcome of a delta calculation
type Result struct {
	Delta   domain.Delta `json:"delta"`
	Cursor  string       `json:"cursor"`
	HasMore bool         `json:"has_more"`
}

// Calculator converts a cursor plus current world state into minimal
// added/modified/removed sets per entity type
type Calculator struct {
	source   Source
	versions Versions
	cfg      *config.ViewportConfig
	logger   *slog.Logger
}

// NewCalculator creates a new delta calculator
func NewCalculator(source Source, versions Versions, cfg *config.ViewportConfig, logger *slog.Logger) *Calculator {
	return &Calculator{
		source:   source,
		versions: versions,
		cfg:      cfg,
		logger:   logger,
	}
}

// Calculate validates the cursor and produces the change sets since it. A
// malformed, wrong-world or stale cursor yields ErrInvalidCursor so the
// client falls back to a full fetch instead of receiving a silently
// incomplete delta. Per-type query failures degrade to empty sets for that
// type only: a missing optional table is not a hard error on a polling
// endpoint.
func (c *Calculator) Calculate(ctx context.Context, rawCursor string, worldID int64, now time.Time) (*Result, error) {
	cursor, err := domain.DecodeCursor(rawCursor)
	if err != nil {
		return nil, err
	}
	if err := cursor.Validate(worldID, now); err != nil {
		return nil, err
	}
	since := cursor.Since()

	var (
		d       domain.Delta
		hasMore bool
	)

	villages, err := c.source.VillageChanges(ctx, worldID, since, c.cfg.DeltaQueryLimit)
	if err != nil {
		c.logger.Warn("village change query failed, degrading to empty", "world_id", worldID, "error", err)
	}
	hasMore = hasMore || len(villages) >= c.cfg.DeltaQueryLimit
	for _, v := range villages {
		switch domain.Classify(v.CreatedAt, v.UpdatedAt, v.DeletedAt, since) {
		case domain.Added:
			d.Villages.Added = append(d.Villages.Added, v.ToRef())
		case domain.Modified:
			d.Villages.Modified = append(d.Villages.Modified, v.ToRef())
		case domain.Removed:
			d.Villages.Removed = append(d.Villages.Removed, v.ID)
		}
	}

	movements, err := c.source.MovementChanges(ctx, worldID, since, c.cfg.DeltaQueryLimit)
	if err != nil {
		c.logger.Warn("movement change query failed, degrading to empty", "world_id", worldID, "error", err)
	}
	hasMore = hasMore || len(movements) >= c.cfg.DeltaQueryLimit
	for _, m := range movements {
		switch domain.Classify(m.CreatedAt, m.UpdatedAt, m.ResolvedAt(), since) {
		case domain.Added:
			d.Commands.Added = append(d.Commands.Added, m.ToRef())
		case domain.Modified:
			d.Commands.Modified = append(d.Commands.Modified, m.ToRef())
		case domain.Removed:
			d.Commands.Removed = append(d.Commands.Removed, m.ID)
		}
	}

	markers, err := c.source.MarkerChanges(ctx, worldID, since, c.cfg.DeltaQueryLimit)
	if err != nil {
		c.logger.Warn("marker change query failed, degrading to empty", "world_id", worldID, "error", err)
	}
	hasMore = hasMore || len(markers) >= c.cfg.DeltaQueryLimit
	for _, m := range markers {
		switch domain.Classify(m.CreatedAt, m.UpdatedAt, m.DeletedAt, since) {
		case domain.Added:
			d.Markers.Added = append(d.Markers.Added, m.ToRef())
		case domain.Modified:
			d.Markers.Modified = append(d.Markers.Modified, m.ToRef())
		case domain.Removed:
			d.Markers.Removed = append(d.Markers.Removed, m.ID)
		}
	}

	next := domain.Cursor{
		Timestamp: now.Unix(),
		Version:   c.versions.DataVersion(ctx, worldID),
		WorldID:   worldID,
	}
	villageCount, commandCount, err := c.source.MapCounts(ctx, worldID)
	if err != nil {
		c.logger.Warn("map counts query failed, checksum omitted", "world_id", worldID, "error", err)
	} else {
		next.Checksum = domain.CountChecksum(villageCount, commandCount)
	}

	return &Result{
		Delta:   d,
		Cursor:  next.Encode(),
		HasMore: hasMore,
	}, nil
}
