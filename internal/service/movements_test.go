package service

import (
	"testing"
	"time"

	"github.com/mapsync-redis/internal/domain"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func attack(id, source, target int64, arrival time.Time) domain.Movement {
	return domain.Movement{
		ID:              id,
		Kind:            domain.MovementAttack,
		SourceVillageID: source,
		TargetVillageID: target,
		ArrivalTime:     arrival,
	}
}

func TestDirectionFor(t *testing.T) {
	atk := attack(1, 10, 20, testNow)
	sup := domain.Movement{ID: 2, Kind: domain.MovementSupport, SourceVillageID: 10, TargetVillageID: 20}

	tests := []struct {
		name      string
		m         domain.Movement
		villageID int64
		want      string
	}{
		{"attack at target", atk, 20, DirectionIncoming},
		{"attack at source", atk, 10, DirectionOutgoing},
		{"support at target", sup, 20, DirectionSupportIn},
		{"support at source", sup, 10, DirectionSupportOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := directionFor(tt.m, tt.villageID); got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestAttachMovements_SummaryAndBothEndpoints(t *testing.T) {
	entries := []VillageEntry{{ID: 10}, {ID: 20}}
	movements := []domain.Movement{
		attack(1, 10, 20, testNow.Add(time.Minute)),
		attack(2, 99, 20, testNow.Add(2*time.Minute)), // source outside viewport
	}

	attachMovements(entries, movements, 50, 500)

	target := entries[1]
	if target.MovementSummary.Incoming != 2 {
		t.Errorf("target incoming: got %d want 2", target.MovementSummary.Incoming)
	}
	if target.MovementSummary.Earliest != testNow.Add(time.Minute).Unix() {
		t.Errorf("earliest: got %d", target.MovementSummary.Earliest)
	}
	if len(target.Movements) != 2 {
		t.Errorf("target movements: got %d want 2", len(target.Movements))
	}

	source := entries[0]
	if source.MovementSummary.Outgoing != 1 {
		t.Errorf("source outgoing: got %d want 1", source.MovementSummary.Outgoing)
	}
	if len(source.Movements) != 1 || source.Movements[0].Direction != DirectionOutgoing {
		t.Errorf("source movements: %+v", source.Movements)
	}
}

func TestAttachMovements_PerVillageCap(t *testing.T) {
	entries := []VillageEntry{{ID: 20}}
	var movements []domain.Movement
	for i := 0; i < 55; i++ {
		movements = append(movements, attack(int64(i+1), 99, 20, testNow.Add(time.Duration(i)*time.Second)))
	}

	attachMovements(entries, movements, 50, 500)

	e := entries[0]
	if len(e.Movements) != 50 {
		t.Fatalf("kept movements: got %d want 50", len(e.Movements))
	}
	if e.MovementSummary.Omitted != 5 {
		t.Errorf("omitted: got %d want 5", e.MovementSummary.Omitted)
	}
	if !e.MovementsTruncated {
		t.Errorf("movements_truncated should be set")
	}
	// Summary still counts everything
	if e.MovementSummary.Incoming != 55 {
		t.Errorf("incoming: got %d want 55", e.MovementSummary.Incoming)
	}
	// Rows arrive sorted by arrival; the kept prefix is the most urgent
	if e.Movements[0].ID != 1 || e.Movements[49].ID != 50 {
		t.Errorf("kept prefix wrong: first=%d last=%d", e.Movements[0].ID, e.Movements[49].ID)
	}
}

func TestAttachMovements_GlobalCap(t *testing.T) {
	var entries []VillageEntry
	var movements []domain.Movement
	// 12 villages, one incoming movement each, per-village cap left loose
	for i := 0; i < 12; i++ {
		vid := int64(i + 100)
		entries = append(entries, VillageEntry{ID: vid})
		movements = append(movements, attack(int64(i+1), 99, vid, testNow.Add(time.Duration(i)*time.Second)))
	}

	attachMovements(entries, movements, 50, 10)

	total := 0
	overflowed := 0
	for _, e := range entries {
		total += len(e.Movements)
		if e.MovementsTruncated {
			overflowed++
		}
		if e.MovementSummary.Incoming != 1 {
			t.Errorf("village %d: summary must count the movement regardless of the budget", e.ID)
		}
	}
	if total != 10 {
		t.Errorf("detailed movements: got %d want 10", total)
	}
	if overflowed != 2 {
		t.Errorf("villages past the global budget must be flagged: got %d want 2", overflowed)
	}
	// Sorted by arrival, so the budget keeps the earliest movements
	if len(entries[0].Movements) != 1 || len(entries[11].Movements) != 0 {
		t.Errorf("global budget should keep the earliest prefix")
	}
}

func TestBuildBatches_CountsEveryMovement(t *testing.T) {
	entries := []VillageEntry{{ID: 20}}
	arrival := testNow.Add(time.Minute)

	var movements []domain.Movement
	for i := 0; i < 600; i++ {
		m := attack(int64(i+1), 99, 20, arrival)
		m.SourceX = 5 + i
		m.SourceY = 6
		movements = append(movements, m)
	}

	batches := buildBatches(entries, movements)

	total := 0
	for _, bs := range batches[20] {
		total += bs.Count
	}
	if total != 600 {
		t.Fatalf("batch counts must cover every movement: got %d want 600", total)
	}
	if len(batches[20]) != 1 {
		t.Fatalf("same bucket and direction should collapse to one batch, got %d", len(batches[20]))
	}
	b := batches[20][0]
	if b.Direction != DirectionIncoming || b.Bucket != arrival.Unix() {
		t.Errorf("batch key wrong: %+v", b)
	}
	if len(b.SampleCoords) != 3 {
		t.Errorf("sample coords capped at 3, got %d", len(b.SampleCoords))
	}
	if b.SampleCoords[0] != [2]int{5, 6} {
		t.Errorf("sample coords should be the far endpoint, got %v", b.SampleCoords[0])
	}
}

func TestBuildBatches_SplitsByBucketAndDirection(t *testing.T) {
	entries := []VillageEntry{{ID: 20}}
	movements := []domain.Movement{
		attack(1, 99, 20, testNow.Add(time.Minute)),
		attack(2, 99, 20, testNow.Add(time.Minute)),
		attack(3, 99, 20, testNow.Add(2*time.Minute)),
		{ID: 4, Kind: domain.MovementSupport, SourceVillageID: 99, TargetVillageID: 20, ArrivalTime: testNow.Add(time.Minute)},
	}

	batches := buildBatches(entries, movements)
	if len(batches[20]) != 3 {
		t.Fatalf("got %d batches want 3: %+v", len(batches[20]), batches[20])
	}
	// Deterministic order: bucket then direction
	if batches[20][0].Direction != DirectionIncoming || batches[20][0].Count != 2 {
		t.Errorf("first batch: %+v", batches[20][0])
	}
	if batches[20][1].Direction != DirectionSupportIn {
		t.Errorf("second batch: %+v", batches[20][1])
	}
	if batches[20][2].Bucket != testNow.Add(2*time.Minute).Unix() {
		t.Errorf("third batch: %+v", batches[20][2])
	}
}

func TestFlagNobles_OnlySetsBooleans(t *testing.T) {
	entries := []VillageEntry{{ID: 20}}
	noble := attack(1, 99, 20, testNow.Add(time.Minute))
	noble.HasNoble = true
	plain := attack(2, 99, 20, testNow.Add(time.Minute))
	movements := []domain.Movement{noble, plain}

	attachMovements(entries, movements, 50, 500)
	batches := buildBatches(entries, movements)
	before := batches[20][0].Count

	flagNobles(entries, batches, movements)

	e := entries[0]
	if !e.MovementSummary.HasNoble {
		t.Errorf("summary noble flag should be set")
	}
	if !e.Movements[0].HasNoble {
		t.Errorf("noble movement entry should be flagged")
	}
	if e.Movements[1].HasNoble {
		t.Errorf("plain movement must stay unflagged")
	}
	if !batches[20][0].HasNoble {
		t.Errorf("batch containing the noble should be flagged")
	}
	if batches[20][0].Count != before {
		t.Errorf("flagging must not change counts")
	}
}

func TestFlagNobles_CoversCappedOutMovements(t *testing.T) {
	entries := []VillageEntry{{ID: 20}}
	movements := []domain.Movement{
		attack(1, 99, 20, testNow.Add(time.Second)),
		attack(2, 99, 20, testNow.Add(2*time.Second)),
	}
	movements[1].HasNoble = true

	// Cap of 1 drops the noble movement from the per-village list
	attachMovements(entries, movements, 1, 500)
	batches := buildBatches(entries, movements)
	flagNobles(entries, batches, movements)

	e := entries[0]
	if len(e.Movements) != 1 || e.Movements[0].ID != 1 {
		t.Fatalf("cap should keep only the first movement: %+v", e.Movements)
	}
	if !e.MovementSummary.HasNoble {
		t.Errorf("summary noble flag must survive the cap")
	}
}

func TestActivityBucket(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want string
	}{
		{"fresh", 30 * time.Minute, "1h"},
		{"few hours", 3 * time.Hour, "6h"},
		{"today", 20 * time.Hour, "24h"},
		{"this week", 48 * time.Hour, "72h"},
		{"old", 100 * time.Hour, "stale"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := activityBucket(testNow.Add(-tt.age), testNow); got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
	if got := activityBucket(time.Time{}, testNow); got != "unknown" {
		t.Errorf("zero time: got %q want unknown", got)
	}
}

func TestBeginnerProtected(t *testing.T) {
	window := 72 * time.Hour
	tests := []struct {
		name        string
		points      int
		age         time.Duration
		unprotected bool
		want        bool
	}{
		{"young and small", 100, 24 * time.Hour, false, true},
		{"too many points", 600, 24 * time.Hour, false, false},
		{"too old", 100, 80 * time.Hour, false, false},
		{"opted out", 100, 24 * time.Hour, true, false},
		{"at points cap", 500, 24 * time.Hour, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := beginnerProtected(tt.points, testNow.Add(-tt.age), tt.unprotected, testNow, 500, window)
			if got != tt.want {
				t.Errorf("got %v want %v", got, tt.want)
			}
		})
	}
}
