package domain

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// CursorMaxAge is the staleness ceiling beyond which a cursor is rejected
// and the client must fall back to a full snapshot fetch.
const CursorMaxAge = 24 * time.Hour

// Cursor is the opaque client-held token identifying the snapshot a client
// last received. Encoded as base64(JSON).
type Cursor struct {
	Timestamp int64  `json:"timestamp"`
	Version   int64  `json:"version"`
	Checksum  string `json:"checksum"`
	WorldID   int64  `json:"world_id"`
}

// Since returns the snapshot instant the cursor refers to
func (c Cursor) Since() time.Time {
	return time.Unix(c.Timestamp, 0)
}

// Validate checks the cursor against the requesting world and the staleness
// ceiling. Anything invalid forces a full snapshot fetch on the client side.
func (c Cursor) Validate(worldID int64, now time.Time) error {
	if c.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidCursor)
	}
	if c.WorldID != worldID {
		return fmt.Errorf("%w: cursor is for world %d", ErrInvalidCursor, c.WorldID)
	}
	if now.Sub(c.Since()) > CursorMaxAge {
		return fmt.Errorf("%w: older than %s", ErrInvalidCursor, CursorMaxAge)
	}
	return nil
}

// Encode serializes the cursor into its opaque wire form
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque cursor token
func DecodeCursor(raw string) (Cursor, error) {
	data, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return c, nil
}

// CountChecksum digests current village and active-command counts into the
// cursor checksum. Deliberately coarse: equal counts after a simultaneous
// add and remove go undetected. Strengthening this changes invalidation
// frequency and is a deliberate protocol choice, not a drop-in fix.
func CountChecksum(villages, commands int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("v:%d:c:%d", villages, commands)))
	return hex.EncodeToString(sum[:])[:12]
}
