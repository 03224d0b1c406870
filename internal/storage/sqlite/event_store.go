package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/traffic.report/internal/highway"
)

// EventStore persists confirmed and ended traffic events.
type EventStore struct {
	db *DB
}

// NewEventStore creates an EventStore backed by the given database.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// Upsert records one event transition. A confirmed transition inserts the
// row; the matching ended transition updates end_frame in place, keyed by the
// instance's event id.
func (s *EventStore) Upsert(ev highway.Event) error {
	query := `
		INSERT INTO traffic_events (
			event_id, event_type, segment_id, track_id, related_track_ids,
			lane, road_distance, speed_mps,
			start_frame, end_frame, confidence, ts_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			end_frame = excluded.end_frame,
			confidence = excluded.confidence
	`

	_, err := s.db.Exec(query,
		ev.EventID,
		string(ev.Type),
		ev.SegmentID,
		ev.TrackID,
		nullJoined(ev.RelatedTrackIDs),
		ev.Lane,
		ev.RoadDist,
		ev.SpeedMps,
		ev.StartFrame,
		nullInt64Ptr(ev.EndFrame),
		ev.Confidence,
		ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events for a segment, newest first. Pass an
// empty eventType to include all types.
func (s *EventStore) RecentEvents(segmentID string, eventType string, limit int) ([]highway.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var query strings.Builder
	var args []interface{}

	query.WriteString(`
		SELECT event_id, event_type, segment_id, track_id, related_track_ids,
			lane, road_distance, speed_mps,
			start_frame, end_frame, confidence, ts_unix_nanos
		FROM traffic_events
		WHERE segment_id = ?
	`)
	args = append(args, segmentID)

	if eventType != "" {
		query.WriteString(" AND event_type = ?")
		args = append(args, eventType)
	}

	query.WriteString(" ORDER BY ts_unix_nanos DESC LIMIT ?")
	args = append(args, limit)

	return s.queryEvents(query.String(), args...)
}

// EventsInRange returns events for a segment inside a time window (inclusive),
// oldest first.
func (s *EventStore) EventsInRange(segmentID string, start, end time.Time, limit int) ([]highway.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT event_id, event_type, segment_id, track_id, related_track_ids,
			lane, road_distance, speed_mps,
			start_frame, end_frame, confidence, ts_unix_nanos
		FROM traffic_events
		WHERE segment_id = ? AND ts_unix_nanos BETWEEN ? AND ?
		ORDER BY ts_unix_nanos ASC
		LIMIT ?
	`
	return s.queryEvents(query, segmentID, start.UnixNano(), end.UnixNano(), limit)
}

// CountsByType returns per-event-type totals for a segment.
func (s *EventStore) CountsByType(segmentID string) (map[highway.EventType]int, error) {
	rows, err := s.db.Query(`
		SELECT event_type, COUNT(*)
		FROM traffic_events
		WHERE segment_id = ?
		GROUP BY event_type
	`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("query event counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[highway.EventType]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[highway.EventType(typ)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event counts: %w", err)
	}
	return counts, nil
}

func (s *EventStore) queryEvents(query string, args ...interface{}) ([]highway.Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []highway.Event
	for rows.Next() {
		var ev highway.Event
		var typ string
		var related sql.NullString
		var endFrame sql.NullInt64
		var tsNanos int64

		if err := rows.Scan(
			&ev.EventID,
			&typ,
			&ev.SegmentID,
			&ev.TrackID,
			&related,
			&ev.Lane,
			&ev.RoadDist,
			&ev.SpeedMps,
			&ev.StartFrame,
			&endFrame,
			&ev.Confidence,
			&tsNanos,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		ev.Type = highway.EventType(typ)
		ev.Timestamp = time.Unix(0, tsNanos)
		if related.Valid && related.String != "" {
			ev.RelatedTrackIDs = strings.Split(related.String, ",")
		}
		if endFrame.Valid {
			end := endFrame.Int64
			ev.EndFrame = &end
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Helpers for nullable values.

func nullJoined(ids []string) interface{} {
	if len(ids) == 0 {
		return nil
	}
	return strings.Join(ids, ",")
}

func nullInt64Ptr(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
