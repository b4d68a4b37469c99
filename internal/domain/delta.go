package domain

import "time"

// Wire projections for the delta protocol. Coordinates are nested pairs,
// ids are integers, nullable owner/tribe fields stay explicit.

// VillageRef is the compact wire shape of a village
type VillageRef struct {
	ID      int64  `json:"id"`
	Coords  [2]int `json:"coords"`
	Name    string `json:"name"`
	OwnerID *int64 `json:"owner_id"`
	TribeID *int64 `json:"tribe_id"`
	Points  int    `json:"points"`
}

// CommandRef is the compact wire shape of a movement
type CommandRef struct {
	ID          int64  `json:"id"`
	Source      [2]int `json:"source"`
	Target      [2]int `json:"target"`
	Kind        string `json:"kind"`
	ArrivalTime int64  `json:"arrival_time"`
}

// MarkerRef is the compact wire shape of a marker
type MarkerRef struct {
	ID      int64  `json:"id"`
	Coords  [2]int `json:"coords"`
	Label   string `json:"label"`
	Color   string `json:"color"`
	OwnerID int64  `json:"owner_id"`
}

// ToRef projects a village into its wire shape
func (v Village) ToRef() VillageRef {
	return VillageRef{
		ID:      v.ID,
		Coords:  [2]int{v.X, v.Y},
		Name:    v.Name,
		OwnerID: v.OwnerID,
		TribeID: v.TribeID,
		Points:  v.Points,
	}
}

// ToRef projects a movement into its wire shape
func (m Movement) ToRef() CommandRef {
	return CommandRef{
		ID:          m.ID,
		Source:      [2]int{m.SourceX, m.SourceY},
		Target:      [2]int{m.TargetX, m.TargetY},
		Kind:        string(m.Kind),
		ArrivalTime: m.ArrivalTime.Unix(),
	}
}

// ToRef projects a marker into its wire shape
func (m Marker) ToRef() MarkerRef {
	return MarkerRef{
		ID:      m.ID,
		Coords:  [2]int{m.X, m.Y},
		Label:   m.Label,
		Color:   m.Color,
		OwnerID: m.OwnerID,
	}
}

// VillageChanges holds the per-type change sets for villages
type VillageChanges struct {
	Added    []VillageRef `json:"added"`
	Modified []VillageRef `json:"modified"`
	Removed  []int64      `json:"removed"`
}

// CommandChanges holds the per-type change sets for movements
type CommandChanges struct {
	Added    []CommandRef `json:"added"`
	Modified []CommandRef `json:"modified"`
	Removed  []int64      `json:"removed"`
}

// MarkerChanges holds the per-type change sets for markers
type MarkerChanges struct {
	Added    []MarkerRef `json:"added"`
	Modified []MarkerRef `json:"modified"`
	Removed  []int64     `json:"removed"`
}

// Delta is the minimal change set between two snapshots
type Delta struct {
	Villages VillageChanges `json:"villages"`
	Commands CommandChanges `json:"commands"`
	Markers  MarkerChanges  `json:"markers"`
}

// Empty reports whether the delta carries no changes at all. An empty delta
// is a valid response, never an error.
func (d Delta) Empty() bool {
	return len(d.Villages.Added) == 0 && len(d.Villages.Modified) == 0 && len(d.Villages.Removed) == 0 &&
		len(d.Commands.Added) == 0 && len(d.Commands.Modified) == 0 && len(d.Commands.Removed) == 0 &&
		len(d.Markers.Added) == 0 && len(d.Markers.Modified) == 0 && len(d.Markers.Removed) == 0
}

// State is a full snapshot of the three entity lists a delta operates on
type State struct {
	Villages []VillageRef `json:"villages"`
	Commands []CommandRef `json:"commands"`
	Markers  []MarkerRef  `json:"markers"`
}

// ChangeClass is the result of the three-way change partition
type ChangeClass int

const (
	Unchanged ChangeClass = iota
	Added
	Modified
	Removed
)

// Classify partitions an entity relative to the cursor instant. Removal
// wins over everything, then creation strictly after the cursor counts as
// added; an update after the cursor on a pre-existing entity counts as
// modified. The created-at comparison is what prevents an entity from being
// double-counted as both added and modified.
func Classify(createdAt, updatedAt time.Time, removedAt *time.Time, since time.Time) ChangeClass {
	if removedAt != nil && removedAt.After(since) {
		return Removed
	}
	if createdAt.After(since) {
		return Added
	}
	if updatedAt.After(since) {
		return Modified
	}
	return Unchanged
}

// ApplyDelta replays a delta onto a base state and returns the resulting
// state. Pure: no I/O, inputs untouched. Removals filter by id, additions
// append, modifications replace by id or append when the id is missing from
// the base (an entity that arrived between snapshot and delta). The output
// lists carry no duplicate ids.
func ApplyDelta(base State, d Delta) State {
	return State{
		Villages: applyChanges(base.Villages, d.Villages.Added, d.Villages.Modified, d.Villages.Removed, func(v VillageRef) int64 { return v.ID }),
		Commands: applyChanges(base.Commands, d.Commands.Added, d.Commands.Modified, d.Commands.Removed, func(c CommandRef) int64 { return c.ID }),
		Markers:  applyChanges(base.Markers, d.Markers.Added, d.Markers.Modified, d.Markers.Removed, func(m MarkerRef) int64 { return m.ID }),
	}
}

func applyChanges[T any](base, added, modified []T, removed []int64, id func(T) int64) []T {
	removedIDs := make(map[int64]bool, len(removed))
	for _, rid := range removed {
		removedIDs[rid] = true
	}

	out := make([]T, 0, len(base)+len(added))
	index := make(map[int64]int, len(base))
	for _, e := range base {
		if removedIDs[id(e)] {
			continue
		}
		index[id(e)] = len(out)
		out = append(out, e)
	}

	upsert := func(e T) {
		eid := id(e)
		if removedIDs[eid] {
			return
		}
		if i, ok := index[eid]; ok {
			out[i] = e
			return
		}
		index[eid] = len(out)
		out = append(out, e)
	}

	for _, e := range modified {
		upsert(e)
	}
	for _, e := range added {
		upsert(e)
	}
	return out
}
