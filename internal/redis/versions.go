package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mapsync-redis/internal/config"
	"github.com/mapsync-redis/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	fieldDataVersion      = "data_version"
	fieldDiplomacyVersion = "diplomacy_version"
)

// VersionStore provides the per-world monotonic version counters backing
// cache keys, ETags and invalidation. Versions are wall-clock unix seconds:
// bumping to "now" is commutative and idempotent under concurrent bumps, so
// a single-row hash write is all the coordination needed.
type VersionStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewVersionStore creates a new Redis-backed version store
func NewVersionStore(cfg *config.RedisConfig, logger *slog.Logger) (*VersionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &VersionStore{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (s *VersionStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client
func (s *VersionStore) Client() *redis.Client {
	return s.client
}

// versionsKey returns the Redis key holding a world's version hash
func (s *VersionStore) versionsKey(worldID int64) string {
	return fmt.Sprintf("world:%d:versions", worldID)
}

// DataVersion returns the world's current data version, initializing it to
// now on first read. Redis unavailability degrades to wall-clock now:
// always-fresh costs cache efficiency, never correctness.
func (s *VersionStore) DataVersion(ctx context.Context, worldID int64) int64 {
	return s.version(ctx, worldID, fieldDataVersion)
}

// DiplomacyVersion returns the world's current diplomacy version with the
// same initialize-on-first-read and degrade-to-now semantics as DataVersion.
func (s *VersionStore) DiplomacyVersion(ctx context.Context, worldID int64) int64 {
	return s.version(ctx, worldID, fieldDiplomacyVersion)
}

func (s *VersionStore) version(ctx context.Context, worldID int64, field string) int64 {
	now := time.Now().Unix()
	key := s.versionsKey(worldID)

	raw, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		if err := s.initVersions(ctx, worldID, now); err != nil {
			s.logger.Warn("failed to initialize world versions", "world_id", worldID, "error", err)
		}
		return now
	}
	if err != nil {
		s.logger.Warn("version read failed, degrading to now", "world_id", worldID, "field", field, "error", err)
		return now
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("corrupt version value, degrading to now", "world_id", worldID, "field", field, "value", raw)
		return now
	}
	return v
}

// Versions returns both versions in one round trip
func (s *VersionStore) Versions(ctx context.Context, worldID int64) (dataVersion, diplomacyVersion int64) {
	now := time.Now().Unix()
	key := s.versionsKey(worldID)

	vals, err := s.client.HMGet(ctx, key, fieldDataVersion, fieldDiplomacyVersion).Result()
	if err != nil {
		s.logger.Warn("version read failed, degrading to now", "world_id", worldID, "error", err)
		return now, now
	}
	if vals[0] == nil || vals[1] == nil {
		if err := s.initVersions(ctx, worldID, now); err != nil {
			s.logger.Warn("failed to initialize world versions", "world_id", worldID, "error", err)
		}
		return now, now
	}

	dataVersion = parseVersion(vals[0], now)
	diplomacyVersion = parseVersion(vals[1], now)
	return dataVersion, diplomacyVersion
}

func parseVersion(raw interface{}, fallback int64) int64 {
	str, ok := raw.(string)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// initVersions atomically sets both versions on first contact with a world,
// without clobbering values written by a concurrent initializer.
func (s *VersionStore) initVersions(ctx context.Context, worldID, now int64) error {
	key := s.versionsKey(worldID)
	pipe := s.client.Pipeline()
	pipe.HSetNX(ctx, key, fieldDataVersion, now)
	pipe.HSetNX(ctx, key, fieldDiplomacyVersion, now)
	_, err := pipe.Exec(ctx)
	return err
}

// InvalidateOnCommand bumps the data version after a committed movement
// mutation. Callers must invoke this within the same commit boundary as the
// mutation so a reader never observes new data under an old version.
func (s *VersionStore) InvalidateOnCommand(ctx context.Context, worldID int64) error {
	return s.bump(ctx, worldID, fieldDataVersion)
}

// InvalidateOnVillageChange bumps the data version after a committed
// village mutation
func (s *VersionStore) InvalidateOnVillageChange(ctx context.Context, worldID, villageID int64) error {
	s.logger.Debug("invalidating on village change", "world_id", worldID, "village_id", villageID)
	return s.bump(ctx, worldID, fieldDataVersion)
}

// InvalidateOnDiplomacyChange bumps both versions: diplomacy affects how
// existing villages render, so data consumers must refresh too.
func (s *VersionStore) InvalidateOnDiplomacyChange(ctx context.Context, worldID int64) error {
	return s.bump(ctx, worldID, fieldDataVersion, fieldDiplomacyVersion)
}

func (s *VersionStore) bump(ctx context.Context, worldID int64, fields ...string) error {
	now := time.Now().Unix()
	key := s.versionsKey(worldID)

	args := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f, now)
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("bumping versions: %w", err)
	}
	return nil
}

// MapCacheKey composes a stable cache key from the world, a quantized
// viewport hash, the diplomacy version and the requester's tribe.
// Quantization keeps pixel-level viewport jitter from exploding the key
// space; requests inside the same bucket share a cached response.
func MapCacheKey(worldID int64, vp domain.Viewport, diplomacyVersion, tribeID int64) string {
	return fmt.Sprintf("map:%d:%s:%d:%d", worldID, ViewportHash(vp), diplomacyVersion, tribeID)
}

// CacheKey resolves the world's current diplomacy version and composes the
// response cache key for the viewport
func (s *VersionStore) CacheKey(ctx context.Context, worldID int64, vp domain.Viewport, tribeID int64) string {
	return MapCacheKey(worldID, vp, s.DiplomacyVersion(ctx, worldID), tribeID)
}

// CachedMap returns the cached response body under the key, or nil on a
// miss. Cache failures degrade to a miss, never an error.
func (s *VersionStore) CachedMap(ctx context.Context, key string) []byte {
	body, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("map cache read failed", "key", key, "error", err)
		}
		return nil
	}
	return body
}

// StoreMap caches a response body for the TTL. Best effort: a failed write
// costs a rebuild, nothing else.
func (s *VersionStore) StoreMap(ctx context.Context, key string, body []byte, ttl time.Duration) {
	if err := s.client.Set(ctx, key, body, ttl).Err(); err != nil {
		s.logger.Warn("map cache write failed", "key", key, "error", err)
	}
}

// ETag derives the coarse conditional-request validator. Identical inputs
// with no intervening invalidation produce identical tags; any invalidation
// changes it.
func (s *VersionStore) ETag(ctx context.Context, worldID int64, vp domain.Viewport, tribeID int64) string {
	dataVersion, diplomacyVersion := s.Versions(ctx, worldID)
	sum := sha256.Sum256([]byte(fmt.Sprintf(
		"%d:%d:%s:%d", dataVersion, diplomacyVersion, ViewportHash(vp), tribeID,
	)))
	return `"` + hex.EncodeToString(sum[:])[:32] + `"`
}

// ViewportHash quantizes a viewport: coordinates rounded to the nearest 10,
// dimensions to the nearest 100.
func ViewportHash(vp domain.Viewport) string {
	return fmt.Sprintf("x%dy%ds%d",
		roundTo(vp.CenterX, 10),
		roundTo(vp.CenterY, 10),
		roundTo(vp.Size, 100),
	)
}

func roundTo(v, unit int) int {
	return (v + unit/2) / unit * unit
}

// AllWorldVersions scans every world's version hash, used by the sync
// worker to persist versions for recovery.
func (s *VersionStore) AllWorldVersions(ctx context.Context) ([]domain.CacheVersion, error) {
	var versions []domain.CacheVersion

	iter := s.client.Scan(ctx, 0, "world:*:versions", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		var worldID int64
		if _, err := fmt.Sscanf(key, "world:%d:versions", &worldID); err != nil {
			continue
		}

		vals, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading versions for %s: %w", key, err)
		}
		dv, _ := strconv.ParseInt(vals[fieldDataVersion], 10, 64)
		pv, _ := strconv.ParseInt(vals[fieldDiplomacyVersion], 10, 64)
		if dv == 0 && pv == 0 {
			continue
		}
		versions = append(versions, domain.CacheVersion{
			WorldID:          worldID,
			DataVersion:      dv,
			DiplomacyVersion: pv,
			UpdatedAt:        time.Now(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning world versions: %w", err)
	}
	return versions, nil
}

// Restore seeds a world's versions from persisted values without
// overwriting anything a live writer already bumped.
func (s *VersionStore) Restore(ctx context.Context, cv domain.CacheVersion) error {
	key := s.versionsKey(cv.WorldID)
	pipe := s.client.Pipeline()
	pipe.HSetNX(ctx, key, fieldDataVersion, cv.DataVersion)
	pipe.HSetNX(ctx, key, fieldDiplomacyVersion, cv.DiplomacyVersion)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("restoring versions: %w", err)
	}
	return nil
}
