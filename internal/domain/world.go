package domain

import "time"

// World is the bounded coordinate space [0, size) x [0, size).
// Dimensions are immutable post-creation.
type World struct {
	ID        int64     `json:"id"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// WorldFeatures are the capability flags resolved once per request so that
// optional subsystems are checked explicitly instead of discovered via
// query failures.
type WorldFeatures struct {
	Tribes  bool `json:"tribes"`
	Markers bool `json:"markers"`
	Nobles  bool `json:"nobles"`
}

// UnitSpeed describes how fast a unit type crosses the map
type UnitSpeed struct {
	MinutesPerField float64 `json:"minutes_per_field"`
	FieldsPerHour   float64 `json:"fields_per_hour"`
	Active          bool    `json:"active"`
}

// WorldSettings is the per-world read model consumed by the viewport service
type WorldSettings struct {
	World
	Features   WorldFeatures        `json:"features"`
	UnitSpeeds map[string]UnitSpeed `json:"unit_speeds"`
}

// Viewport is the resolved rectangular window a client is viewing. Bounds
// are inclusive and always inside [0, worldSize).
type Viewport struct {
	CenterX int `json:"x"`
	CenterY int `json:"y"`
	Size    int `json:"size"`
	MinX    int `json:"min_x"`
	MaxX    int `json:"max_x"`
	MinY    int `json:"min_y"`
	MaxY    int `json:"max_y"`
}

// Contains reports whether the coordinate falls inside the viewport
func (v Viewport) Contains(x, y int) bool {
	return x >= v.MinX && x <= v.MaxX && y >= v.MinY && y <= v.MaxY
}

// ResolveViewport clamps the requested center and size into the world and
// derives inclusive bounds. Size is clamped to [minSize, maxSize] and forced
// odd through the radius derivation.
func ResolveViewport(x, y, size, worldSize, minSize, maxSize int) Viewport {
	if size < minSize {
		size = minSize
	}
	if size > maxSize {
		size = maxSize
	}
	radius := (size - 1) / 2
	size = radius*2 + 1

	x = clamp(x, 0, worldSize-1)
	y = clamp(y, 0, worldSize-1)

	return Viewport{
		CenterX: x,
		CenterY: y,
		Size:    size,
		MinX:    clamp(x-radius, 0, worldSize-1),
		MaxX:    clamp(x+radius, 0, worldSize-1),
		MinY:    clamp(y-radius, 0, worldSize-1),
		MaxY:    clamp(y+radius, 0, worldSize-1),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
