package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mapsync-redis/internal/config"
	"github.com/mapsync-redis/internal/domain"
)

// Repository is the slice of the postgres layer the viewport service needs
type Repository interface {
	WorldSettings(ctx context.Context, worldID int64) (*domain.WorldSettings, error)
	VillagesInBounds(ctx context.Context, worldID int64, vp domain.Viewport) ([]domain.VillageWithOwner, error)
	MovementsIntersecting(ctx context.Context, worldID int64, vp domain.Viewport) ([]domain.Movement, error)
	TribesByIDs(ctx context.Context, ids []int64) ([]domain.Tribe, error)
}

// Versions is the slice of the version store the viewport service needs
type Versions interface {
	Versions(ctx context.Context, worldID int64) (dataVersion, diplomacyVersion int64)
	ETag(ctx context.Context, worldID int64, vp domain.Viewport, tribeID int64) string
	CacheKey(ctx context.Context, worldID int64, vp domain.Viewport, tribeID int64) string
	CachedMap(ctx context.Context, key string) []byte
	StoreMap(ctx context.Context, key string, body []byte, ttl time.Duration)
}

// MapRequest carries one validated viewport request into the service
type MapRequest struct {
	WorldID          int64
	X                int
	Y                int
	Size             int
	LowPerf          bool
	SuppressCommands bool
	Session          domain.Session
	IfNoneMatch      string
	IfModifiedSince  time.Time
}

// MapResult is the service outcome the handler turns into a response
type MapResult struct {
	NotModified  bool
	Outcome      string
	ETag         string
	LastModified time.Time
	Viewport     domain.Viewport
	Body         []byte
	Payload      *MapPayload
}

// ViewportService orchestrates one map request: bounds resolution,
// freshness pre-check, entity queries, batching and response assembly.
type ViewportService struct {
	repo     Repository
	versions Versions
	cfg      *config.ViewportConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewViewportService creates a new viewport data service
func NewViewportService(repo Repository, versions Versions, cfg *config.ViewportConfig, logger *slog.Logger) *ViewportService {
	return &ViewportService{
		repo:     repo,
		versions: versions,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// BuildMap handles one viewport request end to end. The only failure paths
// are the world lookup, the village query and payload encoding; every other
// sub-query degrades its own section to empty, because a polling map client
// copes with missing alliances far better than with a 500.
func (s *ViewportService) BuildMap(ctx context.Context, req MapRequest) (*MapResult, error) {
	now := s.now()

	settings, err := s.repo.WorldSettings(ctx, req.WorldID)
	if err != nil {
		if err == domain.ErrWorldNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("loading world settings: %w", err)
	}

	vp := domain.ResolveViewport(req.X, req.Y, req.Size, settings.Size, s.cfg.MinSize, s.cfg.MaxSize)

	// Freshness pre-check from versions alone, before any entity work
	dataVersion, diplomacyVersion := s.versions.Versions(ctx, req.WorldID)
	lastModified := time.Unix(maxInt64(dataVersion, diplomacyVersion), 0)
	etag := s.versions.ETag(ctx, req.WorldID, vp, req.Session.TribeID)

	if etagMatch(req.IfNoneMatch, etag) {
		return &MapResult{NotModified: true, Outcome: "etag", ETag: etag, LastModified: lastModified, Viewport: vp}, nil
	}
	if !req.IfModifiedSince.IsZero() && !lastModified.After(req.IfModifiedSince) {
		return &MapResult{NotModified: true, Outcome: "last-modified", ETag: etag, LastModified: lastModified, Viewport: vp}, nil
	}

	// Short-TTL response cache keyed by the quantized viewport. Requests in
	// the same quantization bucket share the entry; staleness is bounded by
	// the same window Cache-Control already grants clients. Degraded modes
	// bypass it: their payload shape differs under the same key.
	useCache := !req.LowPerf && !req.SuppressCommands
	var cacheKey string
	if useCache {
		cacheKey = s.versions.CacheKey(ctx, req.WorldID, vp, req.Session.TribeID)
		if cached := s.versions.CachedMap(ctx, cacheKey); cached != nil {
			cachedETag := contentHash(cached)
			if etagMatch(req.IfNoneMatch, cachedETag) {
				return &MapResult{NotModified: true, Outcome: "etag", ETag: cachedETag, LastModified: lastModified.Truncate(time.Second), Viewport: vp}, nil
			}
			return &MapResult{
				Outcome:      "hit",
				ETag:         cachedETag,
				LastModified: lastModified.Truncate(time.Second),
				Viewport:     vp,
				Body:         cached,
			}, nil
		}
	}

	// Required query: this is the only 5xx path besides encoding
	villages, err := s.repo.VillagesInBounds(ctx, req.WorldID, vp)
	if err != nil {
		return nil, fmt.Errorf("querying viewport villages: %w", err)
	}

	entries := make([]VillageEntry, 0, len(villages))
	players := map[int64]PlayerEntry{}
	tribeIDs := map[int64]bool{}
	for _, v := range villages {
		entry := VillageEntry{
			ID:             v.ID,
			X:              v.X,
			Y:              v.Y,
			Name:           v.Name,
			UserID:         v.OwnerID,
			TribeID:        v.TribeID,
			Points:         v.Points,
			Type:           "barbarian",
			ActivityBucket: activityBucket(v.UpdatedAt, now),
			Movements:      []MovementEntry{},
		}
		if v.Owner != nil {
			entry.Type = "player"
			entry.Owner = v.Owner.Username
			entry.IsOwn = v.Owner.ID == req.Session.UserID
			entry.IsProtected = beginnerProtected(
				v.Owner.Points, v.Owner.CreatedAt, v.NoProtection,
				now, s.cfg.ProtectionPointsCap, s.cfg.ProtectionWindow,
			)
			if _, seen := players[v.Owner.ID]; !seen {
				players[v.Owner.ID] = PlayerEntry{
					ID:        v.Owner.ID,
					Username:  v.Owner.Username,
					Points:    v.Owner.Points,
					TribeID:   v.Owner.TribeID,
					Protected: v.Owner.Protected,
				}
			}
			if v.Owner.TribeID != nil {
				tribeIDs[*v.Owner.TribeID] = true
			}
		}
		entries = append(entries, entry)

		// Refine Last-Modified: never earlier than the newest entity change
		if v.UpdatedAt.After(lastModified) {
			lastModified = v.UpdatedAt
		}
		if v.CreatedAt.After(lastModified) {
			lastModified = v.CreatedAt
		}
	}

	var (
		movements []domain.Movement
		truncated bool
	)
	skipMovements := req.LowPerf || req.SuppressCommands
	if !skipMovements {
		movements, err = s.repo.MovementsIntersecting(ctx, req.WorldID, vp)
		if err != nil {
			s.logger.Warn("movement query failed, degrading to empty",
				"world_id", req.WorldID, "error", err)
			movements = nil
		}
		truncated = len(movements) > s.cfg.MovementsLimit
	}

	// Detail lists are capped; summaries and batches cover the full set so
	// batch counts always sum to the real movement total.
	attachMovements(entries, movements, s.cfg.VillageMovementsLimit, s.cfg.MovementsLimit)
	batches := buildBatches(entries, movements)
	if settings.Features.Nobles {
		flagNobles(entries, batches, movements)
	}

	payload := &MapPayload{
		MapVersion: dataVersion,
		Center:     Coord{X: vp.CenterX, Y: vp.CenterY},
		Size:       vp.Size,
		Villages:   entries,
		Players:    sortedPlayers(players),
		WorldBounds: &WorldBounds{
			MinX: 0, MaxX: settings.Size - 1,
			MinY: 0, MaxY: settings.Size - 1,
		},
		UnitSpeeds:          settings.UnitSpeeds,
		MovementsTruncated:  truncated,
		MovementsLimit:      s.cfg.MovementsLimit,
		MovementBatches:     batches,
		MovementBatchCursor: now.Unix(),
		LowPerf:             req.LowPerf,
		MapFeatures:         settings.Features,
	}

	if settings.Features.Tribes {
		tribes, err := s.repo.TribesByIDs(ctx, keys(tribeIDs))
		if err != nil {
			s.logger.Warn("tribe query failed, degrading to empty",
				"world_id", req.WorldID, "error", err)
		} else {
			payload.Tribes = tribes
		}
	}
	if payload.Tribes == nil {
		payload.Tribes = []domain.Tribe{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding map payload: %w", err)
	}

	// Content hash supersedes the coarse pre-check tag: two viewports with
	// identical visible content short-circuit identically even when their
	// input parameters differed.
	contentETag := contentHash(body)
	lastModified = lastModified.Truncate(time.Second)

	if useCache {
		s.versions.StoreMap(ctx, cacheKey, body, s.cfg.CacheTTL)
	}

	if etagMatch(req.IfNoneMatch, contentETag) {
		return &MapResult{NotModified: true, Outcome: "etag", ETag: contentETag, LastModified: lastModified, Viewport: vp}, nil
	}

	return &MapResult{
		Outcome:      "miss",
		ETag:         contentETag,
		LastModified: lastModified,
		Viewport:     vp,
		Body:         body,
		Payload:      payload,
	}, nil
}

func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:])[:32] + `"`
}

// etagMatch reports whether an If-None-Match header value matches the tag.
// Clients and proxies send comma-separated lists and weak validators; both
// compare by underlying tag.
func etagMatch(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate != "" && (candidate == "*" || candidate == etag) {
			return true
		}
	}
	return false
}

func sortedPlayers(players map[int64]PlayerEntry) []PlayerEntry {
	out := make([]PlayerEntry, 0, len(players))
	for _, p := range players {
		out = append(out, p)
	}
	// Stable order keeps the content hash deterministic
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func keys(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
