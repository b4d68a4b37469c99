package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCursor_RoundTrip(t *testing.T) {
	c := Cursor{
		Timestamp: 1700000000,
		Version:   1700000000,
		Checksum:  CountChecksum(42, 7),
		WorldID:   3,
	}

	decoded, err := DecodeCursor(c.Encode())
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if decoded != c {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, c)
	}
}

func TestDecodeCursor_Malformed(t *testing.T) {
	for _, raw := range []string{"", "not-base64!!!", "bm90IGpzb24="} {
		if _, err := DecodeCursor(raw); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("DecodeCursor(%q): got %v, want ErrInvalidCursor", raw, err)
		}
	}
}

func TestCursorValidate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		cursor  Cursor
		worldID int64
		wantErr bool
	}{
		{"valid", Cursor{Timestamp: now.Add(-time.Hour).Unix(), WorldID: 1}, 1, false},
		{"wrong world", Cursor{Timestamp: now.Add(-time.Hour).Unix(), WorldID: 2}, 1, true},
		{"exactly at ceiling minus a second", Cursor{Timestamp: now.Add(-CursorMaxAge + time.Second).Unix(), WorldID: 1}, 1, false},
		{"stale", Cursor{Timestamp: now.Add(-CursorMaxAge - time.Second).Unix(), WorldID: 1}, 1, true},
		{"zero timestamp", Cursor{WorldID: 1}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cursor.Validate(tt.worldID, now)
			if tt.wantErr && !errors.Is(err, ErrInvalidCursor) {
				t.Errorf("got %v, want ErrInvalidCursor", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCountChecksum_Coarse(t *testing.T) {
	if CountChecksum(10, 5) != CountChecksum(10, 5) {
		t.Fatalf("checksum must be deterministic")
	}
	if CountChecksum(10, 5) == CountChecksum(11, 5) {
		t.Fatalf("checksum must react to count changes")
	}
}
