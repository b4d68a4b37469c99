package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mapsync-redis/internal/config"
	"github.com/mapsync-redis/internal/delta"
	"github.com/mapsync-redis/internal/domain"
	"github.com/mapsync-redis/internal/metrics"
	"github.com/mapsync-redis/internal/ratelimit"
	"github.com/mapsync-redis/internal/service"
)

type stubMapService struct {
	result *service.MapResult
	err    error
}

func (s *stubMapService) BuildMap(ctx context.Context, req service.MapRequest) (*service.MapResult, error) {
	return s.result, s.err
}

type stubDeltaService struct {
	result *delta.Result
	err    error
}

func (s *stubDeltaService) Calculate(ctx context.Context, rawCursor string, worldID int64, now time.Time) (*delta.Result, error) {
	return s.result, s.err
}

type stubInvalidator struct {
	commands  int
	villages  int
	diplomacy int
}

func (s *stubInvalidator) InvalidateOnCommand(ctx context.Context, worldID int64) error {
	s.commands++
	return nil
}

func (s *stubInvalidator) InvalidateOnVillageChange(ctx context.Context, worldID, villageID int64) error {
	s.villages++
	return nil
}

func (s *stubInvalidator) InvalidateOnDiplomacyChange(ctx context.Context, worldID int64) error {
	s.diplomacy++
	return nil
}

type stubSessions struct{}

func (stubSessions) Get(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" || token == "unknown" {
		return nil, domain.ErrUnauthorized
	}
	return &domain.Session{Token: token, UserID: 7, TribeID: 3}, nil
}

func testHandler(maps MapService, deltas DeltaService, inv Invalidator, limiter *ratelimit.Limiter) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.NewRecorder(&config.AlertsConfig{
		SlowRequest:     750 * time.Millisecond,
		MaxPayloadBytes: 512 * 1024,
	}, logger)
	if limiter == nil {
		limiter = ratelimit.New(100, 10*time.Second)
	}
	return NewHandler(maps, deltas, inv, stubSessions{}, limiter, recorder, 15*time.Second, 5*time.Second, logger)
}

func freshMapResult() *service.MapResult {
	return &service.MapResult{
		Outcome:      metrics.OutcomeMiss,
		ETag:         `"abc123"`,
		LastModified: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Viewport:     domain.ResolveViewport(250, 250, 21, 500, 7, 31),
		Body:         []byte(`{"map_version":1700000000}`),
	}
}

func TestGetMap_RequiresSession(t *testing.T) {
	h := testHandler(&stubMapService{result: freshMapResult()}, &stubDeltaService{}, &stubInvalidator{}, nil)

	req := httptest.NewRequest("GET", "/api/v1/worlds/1/map", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want 401", rec.Code)
	}
	var resp APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Error == "" {
		t.Errorf("error body: %+v", resp)
	}
}

func TestGetMap_RateLimited(t *testing.T) {
	limiter := ratelimit.New(1, 10*time.Second)
	h := testHandler(&stubMapService{result: freshMapResult()}, &stubDeltaService{}, &stubInvalidator{}, limiter)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/v1/worlds/1/map", nil)
		req.Header.Set("X-Session-Token", "tok-1")
		rec := httptest.NewRecorder()
		h.Router().ServeHTTP(rec, req)

		if i == 0 {
			if rec.Code != http.StatusOK {
				t.Fatalf("first request: got %d want 200", rec.Code)
			}
			continue
		}
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("second request: got %d want 429", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Errorf("429 must carry Retry-After")
		}
		var body map[string]interface{}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, ok := body["retry_after"]; !ok {
			t.Errorf("429 body must carry retry_after: %v", body)
		}
	}
}

func TestGetMap_Fresh(t *testing.T) {
	result := freshMapResult()
	h := testHandler(&stubMapService{result: result}, &stubDeltaService{}, &stubInvalidator{}, nil)

	req := httptest.NewRequest("GET", "/api/v1/worlds/1/map?x=250&y=250&size=21", nil)
	req.Header.Set("X-Session-Token", "tok-1")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200", rec.Code)
	}
	if got := rec.Header().Get("ETag"); got != result.ETag {
		t.Errorf("ETag: got %q want %q", got, result.ETag)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=15, must-revalidate" {
		t.Errorf("Cache-Control: got %q", got)
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Errorf("Last-Modified missing")
	}
	if rec.Body.String() != string(result.Body) {
		t.Errorf("body: got %q", rec.Body.String())
	}
}

func TestGetMap_NotModified(t *testing.T) {
	result := freshMapResult()
	result.NotModified = true
	result.Outcome = metrics.OutcomeETag
	result.Body = nil
	h := testHandler(&stubMapService{result: result}, &stubDeltaService{}, &stubInvalidator{}, nil)

	req := httptest.NewRequest("GET", "/api/v1/worlds/1/map", nil)
	req.Header.Set("X-Session-Token", "tok-1")
	req.Header.Set("If-None-Match", result.ETag)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("status: got %d want 304", rec.Code)
	}
	// Validators ride along on the 304 so caches can refresh their entry
	if rec.Header().Get("ETag") != result.ETag {
		t.Errorf("304 must carry ETag")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("304 must have no body, got %q", rec.Body.String())
	}
}

func TestGetMap_WorldNotFound(t *testing.T) {
	h := testHandler(&stubMapService{err: domain.ErrWorldNotFound}, &stubDeltaService{}, &stubInvalidator{}, nil)

	req := httptest.NewRequest("GET", "/api/v1/worlds/9999/map", nil)
	req.Header.Set("X-Session-Token", "tok-1")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d want 404", rec.Code)
	}
}

func TestGetMap_InternalErrorMasked(t *testing.T) {
	h := testHandler(&stubMapService{err: context.DeadlineExceeded}, &stubDeltaService{}, &stubInvalidator{}, nil)

	req := httptest.NewRequest("GET", "/api/v1/worlds/1/map", nil)
	req.Header.Set("X-Session-Token", "tok-1")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d want 500", rec.Code)
	}
	var resp APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != domain.ErrInternalError.Error() {
		t.Errorf("internal detail leaked: %q", resp.Error)
	}
}

func TestGetMapDelta_CursorRequired(t *testing.T) {
	h := testHandler(&stubMapService{}, &stubDeltaService{result: &delta.Result{}}, &stubInvalidator{}, nil)

	req := httptest.NewRequest("GET", "/api/v1/worlds/1/map/delta", nil)
	req.Header.Set("X-Session-Token", "tok-1")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want 400", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["fallback"] != "full" {
		t.Errorf("missing cursor must direct the client to a full fetch: %v", body)
	}
}

func TestGetMapDelta_InvalidCursorFallsBack(t *testing.T) {
	h := testHandler(&stubMapService{}, &stubDeltaService{err: domain.ErrInvalidCursor}, &stubInvalidator{}, nil)

	req := httptest.NewRequest("GET", "/api/v1/worlds/1/map/delta?cursor=stale", nil)
	req.Header.Set("X-Session-Token", "tok-1")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want 400", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["fallback"] != "full" {
		t.Errorf("invalid cursor must direct the client to a full fetch: %v", body)
	}
}

func TestGetMapDelta_OK(t *testing.T) {
	want := &delta.Result{Cursor: "next-cursor", HasMore: true}
	h := testHandler(&stubMapService{}, &stubDeltaService{result: want}, &stubInvalidator{}, nil)

	req := httptest.NewRequest("GET", "/api/v1/worlds/1/map/delta?cursor=abc", nil)
	req.Header.Set("X-Session-Token", "tok-1")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200", rec.Code)
	}
	var got delta.Result
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Cursor != want.Cursor || got.HasMore != want.HasMore {
		t.Errorf("got %+v want %+v", got, want)
	}
}

func TestInvalidate_Dispatch(t *testing.T) {
	inv := &stubInvalidator{}
	h := testHandler(&stubMapService{}, &stubDeltaService{}, inv, nil)
	router := h.Router()

	for _, kind := range []string{"command", "village_change", "diplomacy_change"} {
		body := strings.NewReader(`{"kind":"` + kind + `","village_id":5}`)
		req := httptest.NewRequest("POST", "/internal/worlds/1/invalidate", body)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: got %d want 200", kind, rec.Code)
		}
	}
	if inv.commands != 1 || inv.villages != 1 || inv.diplomacy != 1 {
		t.Errorf("dispatch counts: %+v", *inv)
	}

	req := httptest.NewRequest("POST", "/internal/worlds/1/invalidate", strings.NewReader(`{"kind":"bogus"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind: got %d want 400", rec.Code)
	}
}

func TestParseWorldID_Invalid(t *testing.T) {
	h := testHandler(&stubMapService{result: freshMapResult()}, &stubDeltaService{}, &stubInvalidator{}, nil)

	for _, path := range []string{"/api/v1/worlds/abc/map", "/api/v1/worlds/0/map", "/api/v1/worlds/-3/map"} {
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set("X-Session-Token", "tok-1")
		rec := httptest.NewRecorder()
		h.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d want 400", path, rec.Code)
		}
	}
}
