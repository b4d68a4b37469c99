package redis

import (
	"testing"

	"github.com/mapsync-redis/internal/domain"
)

func TestViewportHash_Quantization(t *testing.T) {
	tests := []struct {
		name string
		vp   domain.Viewport
		want string
	}{
		{"rounds coords down", domain.Viewport{CenterX: 123, CenterY: 456, Size: 21}, "x120y460s0"},
		{"rounds coords up from midpoint", domain.Viewport{CenterX: 125, CenterY: 455, Size: 21}, "x130y460s0"},
		{"map sizes share one dimension bucket", domain.Viewport{CenterX: 250, CenterY: 250, Size: 31}, "x250y250s0"},
		{"large dimensions get their own bucket", domain.Viewport{CenterX: 250, CenterY: 250, Size: 160}, "x250y250s200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ViewportHash(tt.vp); got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestMapCacheKey(t *testing.T) {
	vp := domain.Viewport{CenterX: 250, CenterY: 250, Size: 21}
	base := MapCacheKey(1, vp, 1700000000, 3)

	jittered := domain.Viewport{CenterX: 252, CenterY: 249, Size: 21}
	if got := MapCacheKey(1, jittered, 1700000000, 3); got != base {
		t.Errorf("jitter inside the quantization bucket must share a key: %q vs %q", got, base)
	}
	if got := MapCacheKey(1, vp, 1700000001, 3); got == base {
		t.Errorf("diplomacy version bump must change the key")
	}
	if got := MapCacheKey(1, vp, 1700000000, 4); got == base {
		t.Errorf("tribe must change the key")
	}
	if got := MapCacheKey(2, vp, 1700000000, 3); got == base {
		t.Errorf("world must change the key")
	}
}
