package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mapsync-redis/internal/config"
	"github.com/mapsync-redis/internal/domain"
)

// Repository provides read access to the world state tables. Gameplay
// collaborators own and mutate these rows; the map subsystem only queries
// them and reacts to version bumps.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id BIGINT PRIMARY KEY,
			size INT NOT NULL,
			features JSONB NOT NULL DEFAULT '{}',
			unit_speeds JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS players (
			id BIGINT PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			points INT NOT NULL DEFAULT 0,
			tribe_id BIGINT,
			protected BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tribes (
			id BIGINT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			tag VARCHAR(16) NOT NULL,
			points INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS villages (
			id BIGSERIAL PRIMARY KEY,
			world_id BIGINT NOT NULL REFERENCES worlds(id),
			x INT NOT NULL,
			y INT NOT NULL,
			name VARCHAR(255) NOT NULL,
			owner_id BIGINT,
			points INT NOT NULL DEFAULT 0,
			no_protection BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			deleted_at TIMESTAMP,
			UNIQUE(world_id, x, y)
		)`,
		`CREATE TABLE IF NOT EXISTS movements (
			id BIGSERIAL PRIMARY KEY,
			world_id BIGINT NOT NULL REFERENCES worlds(id),
			source_village_id BIGINT NOT NULL REFERENCES villages(id),
			target_village_id BIGINT NOT NULL REFERENCES villages(id),
			kind VARCHAR(16) NOT NULL,
			has_noble BOOLEAN NOT NULL DEFAULT FALSE,
			departure_time TIMESTAMP NOT NULL,
			arrival_time TIMESTAMP NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			completed_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS markers (
			id BIGSERIAL PRIMARY KEY,
			world_id BIGINT NOT NULL REFERENCES worlds(id),
			x INT NOT NULL,
			y INT NOT NULL,
			label VARCHAR(255) NOT NULL,
			color VARCHAR(16) NOT NULL,
			owner_id BIGINT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			deleted_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS map_cache_versions (
			world_id BIGINT PRIMARY KEY,
			data_version BIGINT NOT NULL,
			diplomacy_version BIGINT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_villages_world_coords ON villages(world_id, x, y)`,
		`CREATE INDEX IF NOT EXISTS idx_villages_world_updated ON villages(world_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_movements_world_active ON movements(world_id, status, arrival_time)`,
		`CREATE INDEX IF NOT EXISTS idx_markers_world ON markers(world_id, updated_at)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// WorldSettings retrieves a world's dimensions, feature flags and unit
// speed table
func (r *Repository) WorldSettings(ctx context.Context, worldID int64) (*domain.WorldSettings, error) {
	query := `
		SELECT id, size, features, unit_speeds, created_at
		FROM worlds
		WHERE id = $1
	`
	var (
		settings   domain.WorldSettings
		featuresJS []byte
		speedsJS   []byte
	)
	err := r.pool.QueryRow(ctx, query, worldID).Scan(
		&settings.ID,
		&settings.Size,
		&featuresJS,
		&speedsJS,
		&settings.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrWorldNotFound
		}
		return nil, fmt.Errorf("getting world settings: %w", err)
	}

	if len(featuresJS) > 0 {
		if err := json.Unmarshal(featuresJS, &settings.Features); err != nil {
			return nil, fmt.Errorf("parsing world features: %w", err)
		}
	}
	settings.UnitSpeeds = map[string]domain.UnitSpeed{}
	if len(speedsJS) > 0 {
		if err := json.Unmarshal(speedsJS, &settings.UnitSpeeds); err != nil {
			return nil, fmt.Errorf("parsing unit speeds: %w", err)
		}
	}
	return &settings, nil
}

// VillagesInBounds retrieves the live villages inside the viewport with
// their owner read-through joined in
func (r *Repository) VillagesInBounds(ctx context.Context, worldID int64, vp domain.Viewport) ([]domain.VillageWithOwner, error) {
	query := `
		SELECT v.id, v.world_id, v.x, v.y, v.name, v.owner_id, p.tribe_id, v.points,
		       v.no_protection, v.created_at, v.updated_at,
		       p.id, p.username, p.points, p.tribe_id, p.protected, p.created_at
		FROM villages v
		LEFT JOIN players p ON p.id = v.owner_id
		WHERE v.world_id = $1
		  AND v.deleted_at IS NULL
		  AND v.x BETWEEN $2 AND $3
		  AND v.y BETWEEN $4 AND $5
		ORDER BY v.y, v.x
	`
	rows, err := r.pool.Query(ctx, query, worldID, vp.MinX, vp.MaxX, vp.MinY, vp.MaxY)
	if err != nil {
		return nil, fmt.Errorf("querying villages in bounds: %w", err)
	}
	defer rows.Close()

	var villages []domain.VillageWithOwner
	for rows.Next() {
		var (
			v         domain.VillageWithOwner
			ownerID   *int64
			ownerName *string
			ownerPts  *int
			ownerTID  *int64
			ownerProt *bool
			ownerAt   *time.Time
		)
		err := rows.Scan(
			&v.ID, &v.WorldID, &v.X, &v.Y, &v.Name, &v.OwnerID, &v.TribeID, &v.Points,
			&v.NoProtection, &v.CreatedAt, &v.UpdatedAt,
			&ownerID, &ownerName, &ownerPts, &ownerTID, &ownerProt, &ownerAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning village: %w", err)
		}
		if ownerID != nil {
			v.Owner = &domain.Player{
				ID:        *ownerID,
				Username:  *ownerName,
				Points:    *ownerPts,
				TribeID:   ownerTID,
				Protected: *ownerProt,
				CreatedAt: *ownerAt,
			}
		}
		villages = append(villages, v)
	}
	return villages, rows.Err()
}

// MovementsIntersecting retrieves the active, future-arrival movements whose
// source or target village lies inside the viewport. Deliberately uncapped:
// batch aggregation must cover every visible movement, the per-request caps
// apply only to the detailed per-village lists.
func (r *Repository) MovementsIntersecting(ctx context.Context, worldID int64, vp domain.Viewport) ([]domain.Movement, error) {
	query := `
		SELECT m.id, m.world_id, m.source_village_id, m.target_village_id,
		       sv.x, sv.y, tv.x, tv.y,
		       m.kind, m.has_noble, m.departure_time, m.arrival_time, m.status,
		       m.completed_at, m.created_at, m.updated_at
		FROM movements m
		JOIN villages sv ON sv.id = m.source_village_id
		JOIN villages tv ON tv.id = m.target_village_id
		WHERE m.world_id = $1
		  AND m.status = 'active'
		  AND m.arrival_time > NOW()
		  AND (
			(sv.x BETWEEN $2 AND $3 AND sv.y BETWEEN $4 AND $5) OR
			(tv.x BETWEEN $2 AND $3 AND tv.y BETWEEN $4 AND $5)
		  )
		ORDER BY m.arrival_time
	`
	rows, err := r.pool.Query(ctx, query, worldID, vp.MinX, vp.MaxX, vp.MinY, vp.MaxY)
	if err != nil {
		return nil, fmt.Errorf("querying movements: %w", err)
	}
	defer rows.Close()

	var movements []domain.Movement
	for rows.Next() {
		var m domain.Movement
		err := rows.Scan(
			&m.ID, &m.WorldID, &m.SourceVillageID, &m.TargetVillageID,
			&m.SourceX, &m.SourceY, &m.TargetX, &m.TargetY,
			&m.Kind, &m.HasNoble, &m.DepartureTime, &m.ArrivalTime, &m.Status,
			&m.CompletedAt, &m.CreatedAt, &m.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning movement: %w", err)
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// TribesByIDs retrieves the tribes referenced by the viewport's players
func (r *Repository) TribesByIDs(ctx context.Context, ids []int64) ([]domain.Tribe, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id, name, tag, points FROM tribes WHERE id = ANY($1) ORDER BY points DESC`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("querying tribes: %w", err)
	}
	defer rows.Close()

	var tribes []domain.Tribe
	for rows.Next() {
		var t domain.Tribe
		if err := rows.Scan(&t.ID, &t.Name, &t.Tag, &t.Points); err != nil {
			return nil, fmt.Errorf("scanning tribe: %w", err)
		}
		tribes = append(tribes, t)
	}
	return tribes, rows.Err()
}

// VillageChanges retrieves villages created, updated or soft-deleted after
// the given instant, soft-deleted rows included so removals stay diff-able
func (r *Repository) VillageChanges(ctx context.Context, worldID int64, since time.Time, limit int) ([]domain.Village, error) {
	query := `
		SELECT v.id, v.world_id, v.x, v.y, v.name, v.owner_id, p.tribe_id, v.points,
		       v.no_protection, v.created_at, v.updated_at, v.deleted_at
		FROM villages v
		LEFT JOIN players p ON p.id = v.owner_id
		WHERE v.world_id = $1
		  AND (v.created_at > $2 OR v.updated_at > $2 OR v.deleted_at > $2)
		ORDER BY v.updated_at
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, worldID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying village changes: %w", err)
	}
	defer rows.Close()

	var villages []domain.Village
	for rows.Next() {
		var v domain.Village
		err := rows.Scan(
			&v.ID, &v.WorldID, &v.X, &v.Y, &v.Name, &v.OwnerID, &v.TribeID, &v.Points,
			&v.NoProtection, &v.CreatedAt, &v.UpdatedAt, &v.DeletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning village change: %w", err)
		}
		villages = append(villages, v)
	}
	return villages, rows.Err()
}

// MovementChanges retrieves movements created, updated or resolved after
// the given instant
func (r *Repository) MovementChanges(ctx context.Context, worldID int64, since time.Time, limit int) ([]domain.Movement, error) {
	query := `
		SELECT m.id, m.world_id, m.source_village_id, m.target_village_id,
		       sv.x, sv.y, tv.x, tv.y,
		       m.kind, m.has_noble, m.departure_time, m.arrival_time, m.status,
		       m.completed_at, m.created_at, m.updated_at
		FROM movements m
		JOIN villages sv ON sv.id = m.source_village_id
		JOIN villages tv ON tv.id = m.target_village_id
		WHERE m.world_id = $1
		  AND (m.created_at > $2 OR m.updated_at > $2 OR m.completed_at > $2)
		ORDER BY m.updated_at
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, worldID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying movement changes: %w", err)
	}
	defer rows.Close()

	var movements []domain.Movement
	for rows.Next() {
		var m domain.Movement
		err := rows.Scan(
			&m.ID, &m.WorldID, &m.SourceVillageID, &m.TargetVillageID,
			&m.SourceX, &m.SourceY, &m.TargetX, &m.TargetY,
			&m.Kind, &m.HasNoble, &m.DepartureTime, &m.ArrivalTime, &m.Status,
			&m.CompletedAt, &m.CreatedAt, &m.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning movement change: %w", err)
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// MarkerChanges retrieves markers created, updated or soft-deleted after
// the given instant
func (r *Repository) MarkerChanges(ctx context.Context, worldID int64, since time.Time, limit int) ([]domain.Marker, error) {
	query := `
		SELECT id, world_id, x, y, label, color, owner_id, created_at, updated_at, deleted_at
		FROM markers
		WHERE world_id = $1
		  AND (created_at > $2 OR updated_at > $2 OR deleted_at > $2)
		ORDER BY updated_at
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, worldID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying marker changes: %w", err)
	}
	defer rows.Close()

	var markers []domain.Marker
	for rows.Next() {
		var m domain.Marker
		err := rows.Scan(
			&m.ID, &m.WorldID, &m.X, &m.Y, &m.Label, &m.Color, &m.OwnerID,
			&m.CreatedAt, &m.UpdatedAt, &m.DeletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning marker change: %w", err)
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// MapCounts returns the live village count and active command count used
// for the cursor checksum
func (r *Repository) MapCounts(ctx context.Context, worldID int64) (villages, commands int, err error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM villages WHERE world_id = $1 AND deleted_at IS NULL),
			(SELECT COUNT(*) FROM movements WHERE world_id = $1 AND status = 'active' AND arrival_time > NOW())
	`
	if err := r.pool.QueryRow(ctx, query, worldID).Scan(&villages, &commands); err != nil {
		return 0, 0, fmt.Errorf("counting map entities: %w", err)
	}
	return villages, commands, nil
}

// UpsertCacheVersions persists version counters for recovery, batched
func (r *Repository) UpsertCacheVersions(ctx context.Context, versions []domain.CacheVersion) error {
	if len(versions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO map_cache_versions (world_id, data_version, diplomacy_version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (world_id)
		DO UPDATE SET
			data_version = GREATEST(map_cache_versions.data_version, $2),
			diplomacy_version = GREATEST(map_cache_versions.diplomacy_version, $3),
			updated_at = $4
	`
	now := time.Now()
	for _, cv := range versions {
		batch.Queue(query, cv.WorldID, cv.DataVersion, cv.DiplomacyVersion, now)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range versions {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch upserting cache versions: %w", err)
		}
	}
	return nil
}

// ListCacheVersions retrieves all persisted version rows (startup recovery)
func (r *Repository) ListCacheVersions(ctx context.Context) ([]domain.CacheVersion, error) {
	query := `SELECT world_id, data_version, diplomacy_version, updated_at FROM map_cache_versions`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing cache versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.CacheVersion
	for rows.Next() {
		var cv domain.CacheVersion
		if err := rows.Scan(&cv.WorldID, &cv.DataVersion, &cv.DiplomacyVersion, &cv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning cache version: %w", err)
		}
		versions = append(versions, cv)
	}
	return versions, rows.Err()
}
