// Package api exposes the traffic engine's HTTP surface: segment state,
// events, baselines, tuning parameters and live websocket feeds.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/banshee-data/traffic.report/internal/calibration"
	"github.com/banshee-data/traffic.report/internal/config"
	"github.com/banshee-data/traffic.report/internal/highway"
	"github.com/banshee-data/traffic.report/internal/httputil"
	"github.com/banshee-data/traffic.report/internal/storage/sqlite"
	"github.com/banshee-data/traffic.report/internal/units"
	"github.com/banshee-data/traffic.report/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server serves the read API over the live pipelines and the event archive.
type Server struct {
	pipelines map[string]*highway.Pipeline
	events    *sqlite.EventStore
	tracks    *sqlite.TrackArchive
	hub       *Hub
	tuning    *config.TuningConfig
	started   time.Time
}

// NewServer wires the API over the given per-segment pipelines and stores.
// events, tracks and hub may be nil; the matching endpoints then report
// service unavailable.
func NewServer(pipelines map[string]*highway.Pipeline, events *sqlite.EventStore,
	tracks *sqlite.TrackArchive, hub *Hub, tuning *config.TuningConfig) *Server {
	return &Server{
		pipelines: pipelines,
		events:    events,
		tracks:    tracks,
		hub:       hub,
		tuning:    tuning,
		started:   time.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the full route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/api/segments", s.listSegments)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/events/counts", s.eventCounts)
	mux.HandleFunc("/api/tracks", s.listTracks)
	mux.HandleFunc("/api/tracks/archive", s.listArchivedTracks)
	mux.HandleFunc("/api/baseline", s.showBaseline)
	mux.HandleFunc("/api/params", s.handleParams)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/charts/events", s.eventsChart)
	mux.HandleFunc("/charts/tracks", s.tracksChart)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.ServeWS)
	}
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	httputil.WriteJSONOK(w, v)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	httputil.WriteJSONError(w, status, msg)
}

// unitsParam resolves the optional units query parameter. Stored speeds are
// m/s; responses convert on the way out.
func unitsParam(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return units.MPS, nil
	}
	if !units.IsValid(u) {
		return "", fmt.Errorf("invalid 'units' parameter %q", u)
	}
	return u, nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":         "ok",
		"version":        version.Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"segments":       len(s.pipelines),
	})
}

// segmentStatus is the /api/segments entry for one pipeline.
type segmentStatus struct {
	SegmentID  string                   `json:"segment_id"`
	Calibrated bool                     `json:"calibrated"`
	LiveTracks int                      `json:"live_tracks"`
	Counters   highway.PipelineCounters `json:"counters"`
}

func (s *Server) listSegments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out := make([]segmentStatus, 0, len(s.pipelines))
	for id, p := range s.pipelines {
		out = append(out, segmentStatus{
			SegmentID:  id,
			Calibrated: p.Calibrated(),
			LiveTracks: len(p.TracksSnapshot()),
			Counters:   p.Counters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentID < out[j].SegmentID })
	s.writeJSON(w, out)
}

// segmentParam resolves the segment query parameter, defaulting to the only
// pipeline when just one is configured.
func (s *Server) segmentParam(r *http.Request) (string, error) {
	seg := r.URL.Query().Get("segment")
	if seg == "" {
		if len(s.pipelines) == 1 {
			for id := range s.pipelines {
				return id, nil
			}
		}
		return "", fmt.Errorf("missing 'segment' parameter")
	}
	return seg, nil
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.events == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}
	seg, err := s.segmentParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := unitsParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 5000 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	// With start and end the query is a time range; otherwise newest first.
	startStr, endStr := r.URL.Query().Get("start"), r.URL.Query().Get("end")
	if startStr != "" || endStr != "" {
		start, err := parseUnixParam(startStr)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'start' parameter")
			return
		}
		end, err := parseUnixParam(endStr)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'end' parameter")
			return
		}
		if end.IsZero() {
			end = time.Now()
		}
		events, err := s.events.EventsInRange(seg, start, end, limit)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, convertEventSpeeds(events, target))
		return
	}

	events, err := s.events.RecentEvents(seg, r.URL.Query().Get("type"), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, convertEventSpeeds(events, target))
}

func convertEventSpeeds(events []highway.Event, target string) []highway.Event {
	if target == units.MPS {
		return events
	}
	for i := range events {
		events[i].SpeedMps = units.ConvertSpeed(events[i].SpeedMps, target)
	}
	return events
}

func parseUnixParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

func (s *Server) eventCounts(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}
	seg, err := s.segmentParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	counts, err := s.events.CountsByType(seg)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, counts)
}

func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	seg, err := s.segmentParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := unitsParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := s.pipelines[seg]
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown segment %q", seg))
		return
	}
	tracks := p.TracksSnapshot()
	if target != units.MPS {
		for i := range tracks {
			tracks[i].SpeedMps = units.ConvertSpeed(tracks[i].SpeedMps, target)
		}
	}
	s.writeJSON(w, tracks)
}

func (s *Server) listArchivedTracks(w http.ResponseWriter, r *http.Request) {
	if s.tracks == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "track archive not configured")
		return
	}
	seg, err := s.segmentParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, err := parseUnixParam(r.URL.Query().Get("start"))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid 'start' parameter")
		return
	}
	end, err := parseUnixParam(r.URL.Query().Get("end"))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid 'end' parameter")
		return
	}
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.Add(-time.Hour)
	}
	records, err := s.tracks.TracksInRange(seg, start, end, 500)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, records)
}

func (s *Server) showBaseline(w http.ResponseWriter, r *http.Request) {
	seg, err := s.segmentParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := s.pipelines[seg]
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown segment %q", seg))
		return
	}
	s.writeJSON(w, p.BaselineSnapshot())
}

// handleCalibration accepts a YAML calibration model and binds it to the
// segment's pipeline, resuming frame intake if it was paused.
func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	model, err := calibration.ParseModel(body)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid calibration model: %v", err))
		return
	}
	seg := r.URL.Query().Get("segment")
	if seg == "" {
		seg = model.SegmentID
	}
	p, ok := s.pipelines[seg]
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown segment %q", seg))
		return
	}
	p.SetCalibration(model)
	s.writeJSON(w, map[string]interface{}{
		"segment_id": seg,
		"lanes":      len(model.LaneIDs()),
	})
}

// handleParams serves the tuning schema: GET returns the active config, POST
// validates a replacement and applies it to every pipeline.
func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, s.tuning)
	case http.MethodPost:
		updated := config.EmptyTuningConfig()
		if err := json.NewDecoder(r.Body).Decode(updated); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid params JSON: %v", err))
			return
		}
		if err := updated.Validate(); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.tuning = updated
		for _, p := range s.pipelines {
			p.UpdateTuning(updated)
		}
		s.writeJSON(w, updated)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
