package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/warpdl/racecard/internal/scheduler"
)

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	code, body := f.do(t, http.MethodGet, "/health")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var got map[string]string
	_ = json.Unmarshal(body, &got)
	if got["status"] != "ok" || got["server_time"] != "2024-05-01T10:00:00+02:00" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestLatest_Empty(t *testing.T) {
	f := newFixture(t, "")
	code, body := f.do(t, http.MethodGet, "/latest")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var got map[string]string
	_ = json.Unmarshal(body, &got)
	if got["error"] != "no snapshots yet" || got["server_time"] == "" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestLatest_MergesIDsIntoPayload(t *testing.T) {
	f := newFixture(t, "")
	f.snapshot(t, "R41", time.Date(2024, 5, 1, 9, 0, 0, 0, f.loc), `{"title":"Prix A"}`)
	s := f.snapshot(t, "R42", time.Date(2024, 5, 1, 9, 30, 0, 0, f.loc), `{"title":"Prix B","runners":[1,2]}`)

	code, body := f.do(t, http.MethodGet, "/latest")
	if code != http.StatusOK {
		t.Fatalf("status = %d %s", code, body)
	}
	var got map[string]any
	_ = json.Unmarshal(body, &got)
	if got["snapshot_id"] != s.ID || got["race_id"] != "R42" || got["title"] != "Prix B" {
		t.Fatalf("unexpected body: %s", body)
	}
	if got["collected_at"] != "2024-05-01T09:30:00+02:00" {
		t.Errorf("collected_at = %v", got["collected_at"])
	}
}

func TestRaces_TodayOrderedWithLimit(t *testing.T) {
	f := newFixture(t, "")
	ctx := t.Context()
	for id, at := range map[string]time.Time{
		"R3":   time.Date(2024, 5, 1, 16, 0, 0, 0, f.loc),
		"R1":   time.Date(2024, 5, 1, 13, 30, 0, 0, f.loc),
		"R2":   time.Date(2024, 5, 1, 14, 30, 0, 0, f.loc),
		"RX":   time.Date(2024, 5, 2, 0, 5, 0, 0, f.loc),
		"ROld": time.Date(2024, 4, 30, 23, 0, 0, 0, f.loc),
	} {
		if _, err := f.store.UpsertRace(ctx, id, at); err != nil {
			t.Fatal(err)
		}
	}

	code, body := f.do(t, http.MethodGet, "/races")
	if code != http.StatusOK {
		t.Fatalf("status = %d %s", code, body)
	}
	var got []RaceItem
	_ = json.Unmarshal(body, &got)
	if len(got) != 3 || got[0].RaceID != "R1" || got[1].RaceID != "R2" || got[2].RaceID != "R3" {
		t.Fatalf("unexpected races: %s", body)
	}
	if got[0].LocalTime != "13:30" {
		t.Errorf("local_time = %q", got[0].LocalTime)
	}

	_, body = f.do(t, http.MethodGet, "/races?limit=2")
	_ = json.Unmarshal(body, &got)
	if len(got) != 2 {
		t.Fatalf("limit ignored: %s", body)
	}

	_, body = f.do(t, http.MethodGet, "/races?day=2024-05-02")
	_ = json.Unmarshal(body, &got)
	if len(got) != 1 || got[0].RaceID != "RX" {
		t.Fatalf("day filter ignored: %s", body)
	}

	for _, q := range []string{"limit=abc", "limit=-1", "day=tomorrow"} {
		if code, _ := f.do(t, http.MethodGet, "/races?"+q); code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, code)
		}
	}
}

func TestCollectAndScrape_Accepted(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodPost, "/collect")
	if code != http.StatusAccepted || !strings.Contains(string(body), "collect_today queued") {
		t.Fatalf("collect = %d %s", code, body)
	}
	code, body = f.do(t, http.MethodPost, "/scrape/R99")
	if code != http.StatusAccepted || !strings.Contains(string(body), "scrape_race(R99) queued") {
		t.Fatalf("scrape = %d %s", code, body)
	}

	calls := f.dispatch.Calls()
	if len(calls) != 2 || calls[0].action != "harvest" || calls[1].action != "collect" || calls[1].args[0] != "R99" {
		t.Fatalf("unexpected dispatches: %+v", calls)
	}

	if code, _ := f.do(t, http.MethodGet, "/collect"); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /collect = %d, want 405", code)
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, "")
	code, body := f.do(t, http.MethodGet, "/snapshot/R42")
	if code != http.StatusNotFound || !strings.Contains(string(body), "no snapshot for that race") {
		t.Fatalf("missing = %d %s", code, body)
	}

	f.snapshot(t, "R42", time.Date(2024, 5, 1, 12, 0, 0, 0, f.loc), `{"v":1}`)
	f.snapshot(t, "R42", time.Date(2024, 5, 1, 12, 27, 0, 0, f.loc), `{"v":2}`)
	f.snapshot(t, "R43", time.Date(2024, 5, 1, 12, 30, 0, 0, f.loc), `{"v":3}`)

	code, body = f.do(t, http.MethodGet, "/snapshot/R42")
	if code != http.StatusOK {
		t.Fatalf("status = %d %s", code, body)
	}
	var got map[string]any
	_ = json.Unmarshal(body, &got)
	if got["v"] != float64(2) || got["race_id"] != "R42" {
		t.Fatalf("unexpected snapshot: %s", body)
	}
}

func TestSnapshot_NonObjectPayload(t *testing.T) {
	f := newFixture(t, "")
	f.snapshot(t, "R1", time.Date(2024, 5, 1, 12, 0, 0, 0, f.loc), `[1,2,3]`)
	_, body := f.do(t, http.MethodGet, "/snapshot/R1")
	var got map[string]any
	_ = json.Unmarshal(body, &got)
	if _, ok := got["payload"].([]any); !ok || got["race_id"] != "R1" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestTriggers(t *testing.T) {
	f := newFixture(t, "")
	code, body := f.do(t, http.MethodGet, "/triggers")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var got []scheduler.Trigger
	_ = json.Unmarshal(body, &got)
	if len(got) != 1 || got[0].ID != "collect_today" || got[0].CronExpr != "0 9 * * *" {
		t.Fatalf("unexpected triggers: %s", body)
	}
}

func TestTriggers_CanceledRequest(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/triggers", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.srv.handleTriggers(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "context canceled") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestRESTRoutesIgnoreRPCSecret(t *testing.T) {
	f := newFixture(t, "s3cret")
	if code, _ := f.do(t, http.MethodGet, "/health"); code != http.StatusOK {
		t.Fatalf("health with secret = %d", code)
	}
}
