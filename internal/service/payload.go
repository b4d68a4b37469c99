package service

import (
	"github.com/mapsync-redis/internal/domain"
)

// Movement directions relative to a village
const (
	DirectionIncoming   = "incoming"
	DirectionOutgoing   = "outgoing"
	DirectionSupportIn  = "support_in"
	DirectionSupportOut = "support_out"
)

// Coord is an x/y pair
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// MovementEntry is one movement row attached to a village
type MovementEntry struct {
	ID          int64  `json:"id"`
	Kind        string `json:"kind"`
	Direction   string `json:"direction"`
	ArrivalTime int64  `json:"arrival_time"`
	HasNoble    bool   `json:"has_noble"`
}

// MovementSummary aggregates a village's movement list so clients can
// render threat badges without walking the list
type MovementSummary struct {
	Incoming int   `json:"incoming"`
	Outgoing int   `json:"outgoing"`
	Support  int   `json:"support"`
	Earliest int64 `json:"earliest,omitempty"`
	HasNoble bool  `json:"has_noble"`
	Omitted  int   `json:"omitted"`
}

// MovementBatch groups movements arriving at one village within the same
// one-second bucket and direction, bounding payload size when movement
// volume spikes. Rebuilt on every request, never persisted.
type MovementBatch struct {
	VillageID    int64    `json:"village_id"`
	Direction    string   `json:"direction"`
	Bucket       int64    `json:"bucket"`
	Count        int      `json:"count"`
	HasNoble     bool     `json:"has_noble"`
	SampleCoords [][2]int `json:"sample_coords"`
}

// VillageEntry is one village row in the viewport payload
type VillageEntry struct {
	ID                 int64           `json:"id"`
	X                  int             `json:"x"`
	Y                  int             `json:"y"`
	Name               string          `json:"name"`
	UserID             *int64          `json:"user_id"`
	Owner              string          `json:"owner"`
	TribeID            *int64          `json:"tribe_id"`
	Points             int             `json:"points"`
	Type               string          `json:"type"`
	IsOwn              bool            `json:"is_own"`
	IsProtected        bool            `json:"is_protected"`
	ActivityBucket     string          `json:"activity_bucket"`
	Movements          []MovementEntry `json:"movements"`
	MovementSummary    MovementSummary `json:"movement_summary"`
	MovementsTruncated bool            `json:"movements_truncated"`
}

// PlayerEntry is one deduplicated player row in the viewport payload
type PlayerEntry struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Points    int    `json:"points"`
	TribeID   *int64 `json:"tribe_id"`
	Protected bool   `json:"protected"`
}

// WorldBounds are the world's coordinate limits
type WorldBounds struct {
	MinX int `json:"min_x"`
	MaxX int `json:"max_x"`
	MinY int `json:"min_y"`
	MaxY int `json:"max_y"`
}

// MapPayload is the assembled 200 response body
type MapPayload struct {
	MapVersion          int64                       `json:"map_version"`
	Center              Coord                       `json:"center"`
	Size                int                         `json:"size"`
	Villages            []VillageEntry              `json:"villages"`
	Players             []PlayerEntry               `json:"players"`
	Tribes              []domain.Tribe              `json:"tribes"`
	WorldBounds         *WorldBounds                `json:"world_bounds"`
	UnitSpeeds          map[string]domain.UnitSpeed `json:"unit_speeds"`
	MovementsTruncated  bool                        `json:"movements_truncated"`
	MovementsLimit      int                         `json:"movements_limit"`
	MovementBatches     map[int64][]MovementBatch   `json:"movement_batches"`
	MovementBatchCursor int64                       `json:"movement_batch_cursor"`
	LowPerf             bool                        `json:"low_perf"`
	MapFeatures         domain.WorldFeatures        `json:"map_features"`
}
