package service

import (
	"sort"
	"time"

	"github.com/mapsync-redis/internal/domain"
)

// Pure per-request computation over fetched rows. Nothing in this file
// touches storage, so all of it is testable without a database.

// directionFor classifies a movement relative to one village. Returns
// behave like support: they carry no threat.
func directionFor(m domain.Movement, villageID int64) string {
	incoming := m.TargetVillageID == villageID
	if m.Kind == domain.MovementAttack {
		if incoming {
			return DirectionIncoming
		}
		return DirectionOutgoing
	}
	if incoming {
		return DirectionSupportIn
	}
	return DirectionSupportOut
}

// attachMovements distributes movements onto the viewport's village entries.
// A movement lands on both endpoints when both are visible. Summary counts
// cover every movement; only the detailed lists are capped, per village and
// globally, with overflow surfaced as an omitted count rather than silently
// dropped. Movements arrive sorted by arrival time, so the kept detail is
// always the most urgent.
func attachMovements(entries []VillageEntry, movements []domain.Movement, perVillageCap, globalCap int) {
	byID := make(map[int64]*VillageEntry, len(entries))
	for i := range entries {
		byID[entries[i].ID] = &entries[i]
	}

	detailed := 0
	for _, m := range movements {
		counted := false
		for _, vid := range endpointIDs(m) {
			entry, ok := byID[vid]
			if !ok {
				continue
			}
			dir := directionFor(m, vid)

			switch dir {
			case DirectionIncoming:
				entry.MovementSummary.Incoming++
			case DirectionOutgoing:
				entry.MovementSummary.Outgoing++
			case DirectionSupportIn:
				entry.MovementSummary.Support++
			}
			arrival := m.ArrivalTime.Unix()
			if entry.MovementSummary.Earliest == 0 || arrival < entry.MovementSummary.Earliest {
				entry.MovementSummary.Earliest = arrival
			}

			// A movement already detailed on one endpoint keeps its spot on
			// the other; the global budget counts movements, not attachments.
			if len(entry.Movements) >= perVillageCap || (!counted && detailed >= globalCap) {
				entry.MovementSummary.Omitted++
				entry.MovementsTruncated = true
				continue
			}
			entry.Movements = append(entry.Movements, MovementEntry{
				ID:          m.ID,
				Kind:        string(m.Kind),
				Direction:   dir,
				ArrivalTime: arrival,
			})
			if !counted {
				detailed++
				counted = true
			}
		}
	}
}

// endpointIDs returns the village ids a movement is visible from. Source
// and target can coincide for circular support; dedupe keeps the row from
// attaching twice.
func endpointIDs(m domain.Movement) []int64 {
	if m.SourceVillageID == m.TargetVillageID {
		return []int64{m.TargetVillageID}
	}
	return []int64{m.SourceVillageID, m.TargetVillageID}
}

// buildBatches aggregates movements per village, direction and one-second
// arrival bucket. Every movement is counted even when individual lists were
// truncated; up to three sample coordinates of the far endpoint ride along.
func buildBatches(entries []VillageEntry, movements []domain.Movement) map[int64][]MovementBatch {
	visible := make(map[int64]bool, len(entries))
	for _, e := range entries {
		visible[e.ID] = true
	}

	type batchKey struct {
		villageID int64
		direction string
		bucket    int64
	}
	grouped := map[batchKey]*MovementBatch{}
	var order []batchKey

	for _, m := range movements {
		for _, vid := range endpointIDs(m) {
			if !visible[vid] {
				continue
			}
			key := batchKey{
				villageID: vid,
				direction: directionFor(m, vid),
				bucket:    m.ArrivalTime.Unix(),
			}
			b := grouped[key]
			if b == nil {
				b = &MovementBatch{
					VillageID: key.villageID,
					Direction: key.direction,
					Bucket:    key.bucket,
				}
				grouped[key] = b
				order = append(order, key)
			}
			b.Count++
			if len(b.SampleCoords) < 3 {
				b.SampleCoords = append(b.SampleCoords, farEndpoint(m, vid))
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].villageID != order[j].villageID {
			return order[i].villageID < order[j].villageID
		}
		if order[i].bucket != order[j].bucket {
			return order[i].bucket < order[j].bucket
		}
		return order[i].direction < order[j].direction
	})

	batches := make(map[int64][]MovementBatch, len(visible))
	for _, key := range order {
		batches[key.villageID] = append(batches[key.villageID], *grouped[key])
	}
	return batches
}

// farEndpoint returns the coordinates of the movement's other end as seen
// from the given village
func farEndpoint(m domain.Movement, villageID int64) [2]int {
	if m.TargetVillageID == villageID {
		return [2]int{m.SourceX, m.SourceY}
	}
	return [2]int{m.TargetX, m.TargetY}
}

// flagNobles is the second pass that marks noble-carrying movements on the
// already-assembled entries and batches. It only sets booleans: ordering
// and truncation decisions are untouched.
func flagNobles(entries []VillageEntry, batches map[int64][]MovementBatch, movements []domain.Movement) {
	noble := make(map[int64]domain.Movement)
	for _, m := range movements {
		if m.HasNoble {
			noble[m.ID] = m
		}
	}
	if len(noble) == 0 {
		return
	}

	byID := make(map[int64]*VillageEntry, len(entries))
	for i := range entries {
		byID[entries[i].ID] = &entries[i]
		for j := range entries[i].Movements {
			if _, ok := noble[entries[i].Movements[j].ID]; ok {
				entries[i].Movements[j].HasNoble = true
			}
		}
	}

	for _, m := range noble {
		for _, vid := range endpointIDs(m) {
			// Summary flag covers nobles hidden by the per-village cap too
			if entry, ok := byID[vid]; ok {
				entry.MovementSummary.HasNoble = true
			}
			dir := directionFor(m, vid)
			bucket := m.ArrivalTime.Unix()
			for j := range batches[vid] {
				b := &batches[vid][j]
				if b.Direction == dir && b.Bucket == bucket {
					b.HasNoble = true
				}
			}
		}
	}
}

// activityBucket labels how recently a village changed
func activityBucket(updatedAt, now time.Time) string {
	if updatedAt.IsZero() {
		return "unknown"
	}
	age := now.Sub(updatedAt)
	switch {
	case age <= time.Hour:
		return "1h"
	case age <= 6*time.Hour:
		return "6h"
	case age <= 24*time.Hour:
		return "24h"
	case age <= 72*time.Hour:
		return "72h"
	default:
		return "stale"
	}
}

// beginnerProtected computes the protection read-model flag: low enough
// points, young enough account, and not explicitly opted out
func beginnerProtected(points int, createdAt time.Time, unprotected bool, now time.Time, pointsCap int, window time.Duration) bool {
	if unprotected {
		return false
	}
	return points < pointsCap && now.Sub(createdAt) < window
}
