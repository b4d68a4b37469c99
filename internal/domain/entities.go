package domain

import "time"

// MovementKind represents the type of an in-flight movement
type MovementKind string

const (
	MovementAttack  MovementKind = "attack"
	MovementSupport MovementKind = "support"
	MovementReturn  MovementKind = "return"
)

// MovementStatus represents the lifecycle state of a movement
type MovementStatus string

const (
	MovementActive    MovementStatus = "active"
	MovementCompleted MovementStatus = "completed"
	MovementCancelled MovementStatus = "cancelled"
)

// Village represents a village row on the world map. At most one village
// exists per (world_id, x, y).
type Village struct {
	ID           int64      `json:"id"`
	WorldID      int64      `json:"world_id"`
	X            int        `json:"x"`
	Y            int        `json:"y"`
	Name         string     `json:"name"`
	OwnerID      *int64     `json:"owner_id"` // nil means barbarian/unclaimed
	TribeID      *int64     `json:"tribe_id"`
	Points       int        `json:"points"`
	NoProtection bool       `json:"no_protection"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// VillageWithOwner joins a village with its owner's read-model fields
type VillageWithOwner struct {
	Village
	Owner *Player
}

// Movement represents an attack, support or return in flight between two
// villages. Only active movements with a future arrival are map-visible.
type Movement struct {
	ID              int64          `json:"id"`
	WorldID         int64          `json:"world_id"`
	SourceVillageID int64          `json:"source_village_id"`
	TargetVillageID int64          `json:"target_village_id"`
	SourceX         int            `json:"source_x"`
	SourceY         int            `json:"source_y"`
	TargetX         int            `json:"target_x"`
	TargetY         int            `json:"target_y"`
	Kind            MovementKind   `json:"kind"`
	HasNoble        bool           `json:"has_noble"`
	DepartureTime   time.Time      `json:"departure_time"`
	ArrivalTime     time.Time      `json:"arrival_time"`
	Status          MovementStatus `json:"status"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Visible reports whether the movement should appear on the map at the
// given instant.
func (m Movement) Visible(now time.Time) bool {
	return m.Status == MovementActive && m.ArrivalTime.After(now)
}

// ResolvedAt returns the instant the movement stopped being map-visible,
// or nil while it is still active. Cancelled movements without an explicit
// completion timestamp fall back to their last update.
func (m Movement) ResolvedAt() *time.Time {
	if m.Status == MovementActive {
		return nil
	}
	if m.CompletedAt != nil {
		return m.CompletedAt
	}
	t := m.UpdatedAt
	return &t
}

// Marker represents a player or tribe map annotation. Markers are
// soft-deleted so removals stay diff-able.
type Marker struct {
	ID        int64      `json:"id"`
	WorldID   int64      `json:"world_id"`
	X         int        `json:"x"`
	Y         int        `json:"y"`
	Label     string     `json:"label"`
	Color     string     `json:"color"`
	OwnerID   int64      `json:"owner_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Player is the read-model view of a user as the map needs it
type Player struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Points    int       `json:"points"`
	TribeID   *int64    `json:"tribe_id"`
	Protected bool      `json:"protected"`
	CreatedAt time.Time `json:"created_at"`
}

// Tribe is the read-model view of an alliance
type Tribe struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Tag    string `json:"tag"`
	Points int    `json:"points"`
}

// Session identifies the requesting user, resolved by the session store
// before any other work happens.
type Session struct {
	Token   string `json:"token"`
	UserID  int64  `json:"user_id"`
	TribeID int64  `json:"tribe_id"` // 0 when the user has no tribe
}

// CacheVersion is the per-world version row backing cache keys and
// conditional-request validators. Versions are wall-clock unix seconds.
type CacheVersion struct {
	WorldID          int64     `json:"world_id"`
	DataVersion      int64     `json:"data_version"`
	DiplomacyVersion int64     `json:"diplomacy_version"`
	UpdatedAt        time.Time `json:"updated_at"`
}
