package highway

import (
	"testing"
	"time"

	"github.com/banshee-data/traffic.report/internal/calibration"
	"github.com/banshee-data/traffic.report/internal/config"
)

// fourLaneModel builds a straight 4-lane segment: lanes 1 and 4 are
// shoulders, lanes 2 and 3 carry traffic at x=0 and x=3.75 over 0..500m.
const fourLaneYAML = `
segment_id: seg-test
cell_length: 50
lanes:
  1: {id: 1, emergency: true, direction: 1, start: 0, end: 500, coefficients: [0, 0, -3.625], cells: [false, false, false, false, false, false, false, false, false, false]}
  2: {id: 2, direction: 1, start: 0, end: 500, coefficients: [0, 0, 0], cells: [true, true, true, true, true, true, true, true, true, true]}
  3: {id: 3, direction: 1, start: 0, end: 500, coefficients: [0, 0, 3.75], cells: [true, true, true, true, true, true, true, true, true, true]}
  4: {id: 4, emergency: true, direction: 1, start: 0, end: 500, coefficients: [0, 0, 7.375], cells: [false, false, false, false, false, false, false, false, false, false]}
`

func fourLaneModel(t *testing.T) *calibration.Model {
	t.Helper()
	m, err := calibration.ParseModel([]byte(fourLaneYAML))
	if err != nil {
		t.Fatalf("parse test model: %v", err)
	}
	return m
}

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }
func sptr(v string) *string   { return &v }

// testTuning returns tuning with thresholds small enough for short test
// sequences while keeping the stock ratios.
func testTuning() *config.TuningConfig {
	return &config.TuningConfig{
		FramesPerSecond:         fptr(20),
		HitsToActivate:          iptr(3),
		CoastingAfterMisses:     iptr(2),
		TerminateAfterMisses:    iptr(6),
		SustainFrames:           iptr(5),
		StopDwellFrames:         iptr(5),
		OccupationDwellFrames:   iptr(5),
		BaselineMinObservations: iptr(3),
	}
}

// frameAt builds a frame at a fixed 20 FPS cadence from t0.
func frameAt(t0 time.Time, index int64, obs ...Observation) Frame {
	return Frame{
		SegmentID:    "seg-test",
		Index:        index,
		Timestamp:    t0.Add(time.Duration(index) * 50 * time.Millisecond),
		Observations: obs,
	}
}

// movingObs is a vehicle at (x, y) with longitudinal speed vy and full
// confidence.
func movingObs(id string, x, y, vy float64) Observation {
	return Observation{
		TargetID:   id,
		X:          x,
		Y:          y,
		VY:         vy,
		Length:     4.5,
		Width:      1.8,
		Height:     1.5,
		Class:      ClassCar,
		Confidence: 0.9,
	}
}

// collectSink gathers emitted events for assertions.
type collectSink struct {
	events []Event
}

func (s *collectSink) Emit(ev Event) { s.events = append(s.events, ev) }

func (s *collectSink) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
