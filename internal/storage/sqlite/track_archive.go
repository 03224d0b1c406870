package sqlite

import (
	"fmt"
	"time"

	"github.com/banshee-data/traffic.report/internal/highway"
)

// TrackRecord is the archived summary of one finished track.
type TrackRecord struct {
	TargetID         string
	SegmentID        string
	Class            string
	Lane             int
	StartFrame       int64
	EndFrame         int64
	StartTime        time.Time
	EndTime          time.Time
	ObservationCount int
	AvgSpeedMps      float64
	PeakSpeedMps     float64
}

// RecordFromTrack summarizes a terminated track for archival.
func RecordFromTrack(tr *highway.Track) TrackRecord {
	var sum, peak float64
	for _, p := range tr.History {
		sum += p.SpeedMps
		if p.SpeedMps > peak {
			peak = p.SpeedMps
		}
	}
	avg := 0.0
	if len(tr.History) > 0 {
		avg = sum / float64(len(tr.History))
	}
	return TrackRecord{
		TargetID:         tr.TargetID,
		SegmentID:        tr.SegmentID,
		Class:            tr.Class,
		Lane:             tr.Lane,
		StartFrame:       tr.FirstFrame,
		EndFrame:         tr.LastFrame,
		StartTime:        tr.FirstTime,
		EndTime:          tr.LastTime,
		ObservationCount: tr.ObservationCount,
		AvgSpeedMps:      avg,
		PeakSpeedMps:     peak,
	}
}

// TrackArchive persists finished track summaries for reporting.
type TrackArchive struct {
	db *DB
}

// NewTrackArchive creates a TrackArchive backed by the given database.
func NewTrackArchive(db *DB) *TrackArchive {
	return &TrackArchive{db: db}
}

// Insert stores one finished track. The same identifier may recur after a
// reuse, so the key includes the start frame.
func (a *TrackArchive) Insert(rec TrackRecord) error {
	query := `
		INSERT INTO track_archive (
			target_id, segment_id, object_class, lane,
			start_frame, end_frame, start_unix_nanos, end_unix_nanos,
			observation_count, avg_speed_mps, peak_speed_mps
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(segment_id, target_id, start_frame) DO UPDATE SET
			end_frame = excluded.end_frame,
			end_unix_nanos = excluded.end_unix_nanos,
			observation_count = excluded.observation_count,
			avg_speed_mps = excluded.avg_speed_mps,
			peak_speed_mps = excluded.peak_speed_mps
	`
	_, err := a.db.Exec(query,
		rec.TargetID,
		rec.SegmentID,
		nullStr(rec.Class),
		rec.Lane,
		rec.StartFrame,
		rec.EndFrame,
		rec.StartTime.UnixNano(),
		rec.EndTime.UnixNano(),
		rec.ObservationCount,
		rec.AvgSpeedMps,
		rec.PeakSpeedMps,
	)
	if err != nil {
		return fmt.Errorf("insert track record: %w", err)
	}
	return nil
}

// TracksInRange returns archived tracks whose lifespan overlaps a time
// window, oldest first.
func (a *TrackArchive) TracksInRange(segmentID string, start, end time.Time, limit int) ([]TrackRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT target_id, segment_id, object_class, lane,
			start_frame, end_frame, start_unix_nanos, end_unix_nanos,
			observation_count, avg_speed_mps, peak_speed_mps
		FROM track_archive
		WHERE segment_id = ?
			AND start_unix_nanos <= ?
			AND end_unix_nanos >= ?
		ORDER BY start_unix_nanos ASC
		LIMIT ?
	`
	rows, err := a.db.Query(query, segmentID, end.UnixNano(), start.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query track archive: %w", err)
	}
	defer rows.Close()

	var out []TrackRecord
	for rows.Next() {
		var rec TrackRecord
		var class interface{}
		var startNanos, endNanos int64
		if err := rows.Scan(
			&rec.TargetID,
			&rec.SegmentID,
			&class,
			&rec.Lane,
			&rec.StartFrame,
			&rec.EndFrame,
			&startNanos,
			&endNanos,
			&rec.ObservationCount,
			&rec.AvgSpeedMps,
			&rec.PeakSpeedMps,
		); err != nil {
			return nil, fmt.Errorf("scan track record: %w", err)
		}
		if s, ok := class.(string); ok {
			rec.Class = s
		}
		rec.StartTime = time.Unix(0, startNanos)
		rec.EndTime = time.Unix(0, endNanos)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate track records: %w", err)
	}
	return out, nil
}

// MeanSpeedByLane returns the average archived speed per lane for a segment
// within a time window.
func (a *TrackArchive) MeanSpeedByLane(segmentID string, start, end time.Time) (map[int]float64, error) {
	rows, err := a.db.Query(`
		SELECT lane, AVG(avg_speed_mps)
		FROM track_archive
		WHERE segment_id = ? AND end_unix_nanos BETWEEN ? AND ?
		GROUP BY lane
	`, segmentID, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query lane speeds: %w", err)
	}
	defer rows.Close()

	out := make(map[int]float64)
	for rows.Next() {
		var lane int
		var speed float64
		if err := rows.Scan(&lane, &speed); err != nil {
			return nil, fmt.Errorf("scan lane speed: %w", err)
		}
		out[lane] = speed
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lane speeds: %w", err)
	}
	return out, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
