package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/traffic.report/internal/calibration"
	"github.com/banshee-data/traffic.report/internal/config"
	"github.com/banshee-data/traffic.report/internal/highway"
	"github.com/banshee-data/traffic.report/internal/storage/sqlite"
	"github.com/banshee-data/traffic.report/internal/timeutil"
)

const twoLaneYAML = `
segment_id: seg-a
cell_length: 50
lanes:
  1: {id: 1, direction: 1, start: 0, end: 500, coefficients: [0, 0, 0], cells: [true, true, true, true, true, true, true, true, true, true]}
  2: {id: 2, direction: 1, start: 0, end: 500, coefficients: [0, 0, 3.75], cells: [true, true, true, true, true, true, true, true, true, true]}
`

func testModel(t *testing.T) *calibration.Model {
	t.Helper()
	m, err := calibration.ParseModel([]byte(twoLaneYAML))
	if err != nil {
		t.Fatalf("parse test model: %v", err)
	}
	return m
}

func testServer(t *testing.T) (*Server, *sqlite.EventStore) {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.MigrateUp(filepath.Join("..", "..", "migrations")); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}

	tuning := config.EmptyTuningConfig()
	baseline := highway.NewTrafficBaseline(highway.BaselineConfigFromTuning(tuning))
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	p := highway.NewPipeline("seg-a", tuning, testModel(t), baseline, nil, clock)

	events := sqlite.NewEventStore(db)
	tracks := sqlite.NewTrackArchive(db)
	srv := NewServer(map[string]*highway.Pipeline{"seg-a": p}, events, tracks, nil, tuning)
	return srv, events
}

func get(t *testing.T, mux *http.ServeMux, url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv.ServeMux(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["segments"].(float64) != 1 {
		t.Errorf("body = %v", body)
	}
}

func TestListSegments(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv.ServeMux(), "/api/segments")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var segments []segmentStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &segments); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(segments) != 1 || segments[0].SegmentID != "seg-a" || !segments[0].Calibrated {
		t.Errorf("segments = %+v", segments)
	}
}

func TestListEventsWithTypeFilter(t *testing.T) {
	srv, events := testServer(t)
	now := time.Unix(1700000000, 0)
	for i, typ := range []highway.EventType{highway.EventStop, highway.EventLowSpeed, highway.EventStop} {
		ev := highway.Event{
			EventID:    string(rune('a' + i)),
			Type:       typ,
			SegmentID:  "seg-a",
			TrackID:    "t1",
			Lane:       1,
			StartFrame: int64(i),
			Timestamp:  now.Add(time.Duration(i) * time.Second),
		}
		if err := events.Upsert(ev); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	rec := get(t, srv.ServeMux(), "/api/events?type=stop")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var got []highway.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d stop events, want 2", len(got))
	}

	rec = get(t, srv.ServeMux(), "/api/events?limit=-1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit accepted: status = %d", rec.Code)
	}
}

func TestEventCounts(t *testing.T) {
	srv, events := testServer(t)
	ev := highway.Event{
		EventID: "ev-1", Type: highway.EventCrowd, SegmentID: "seg-a",
		TrackID: "t1", Lane: 1, Timestamp: time.Unix(1700000000, 0),
	}
	if err := events.Upsert(ev); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	rec := get(t, srv.ServeMux(), "/api/events/counts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var counts map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if counts["crowd"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestListTracksUnknownSegment(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv.ServeMux(), "/api/tracks?segment=nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestShowBaselineDefaults(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv.ServeMux(), "/api/baseline")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var lanes map[string]highway.LaneBaseline
	if err := json.Unmarshal(rec.Body.Bytes(), &lanes); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	// No refresh has run yet; the committed map is empty and defaults apply
	// per lookup.
	if len(lanes) != 0 {
		t.Errorf("lanes = %v, want empty before first refresh", lanes)
	}
}

func TestParamsRoundtrip(t *testing.T) {
	srv, _ := testServer(t)
	mux := srv.ServeMux()

	body := `{"frames_per_second": 25, "sustain_frames": 8}`
	req := httptest.NewRequest(http.MethodPost, "/api/params", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d: %s", rec.Code, rec.Body)
	}

	rec = get(t, mux, "/api/params")
	var got config.TuningConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.FramesPerSecond == nil || *got.FramesPerSecond != 25 {
		t.Errorf("frames_per_second not applied: %+v", got)
	}
	if got.SustainFrames == nil || *got.SustainFrames != 8 {
		t.Errorf("sustain_frames not applied: %+v", got)
	}
}

func TestParamsRejectsInvalid(t *testing.T) {
	srv, _ := testServer(t)
	body := `{"frames_per_second": -5}`
	req := httptest.NewRequest(http.MethodPost, "/api/params", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCalibrationUploadResumesIntake(t *testing.T) {
	tuning := config.EmptyTuningConfig()
	baseline := highway.NewTrafficBaseline(highway.BaselineConfigFromTuning(tuning))
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	p := highway.NewPipeline("seg-a", tuning, nil, baseline, nil, clock)
	srv := NewServer(map[string]*highway.Pipeline{"seg-a": p}, nil, nil, nil, tuning)
	mux := srv.ServeMux()

	if p.Calibrated() {
		t.Fatal("pipeline calibrated before upload")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/calibration", strings.NewReader(twoLaneYAML))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if !p.Calibrated() {
		t.Error("pipeline still uncalibrated after upload")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/calibration", strings.NewReader("not: [valid"))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad model accepted: status = %d", rec.Code)
	}
}

func TestEventsChartRendersHTML(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv.ServeMux(), "/charts/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "echarts") {
		t.Error("chart body does not embed echarts")
	}
}
