package highway

import (
	"math"
	"testing"
	"time"
)

func testBaselineConfig() BaselineConfig {
	return BaselineConfig{
		RefreshInterval: time.Minute,
		Window:          5 * time.Minute,
		MinObservations: 3,
		DefaultSpeed:    25,
		DefaultDensity:  6,
	}
}

// finishedTrack fabricates a terminated track whose history averages the
// given speed.
func finishedTrack(id string, lane int, speed float64) *Track {
	tr := &Track{TargetID: id, State: TrackTerminated, Lane: lane, ObservationCount: 10}
	for i := 0; i < 10; i++ {
		tr.History = append(tr.History, TrackPoint{SpeedMps: speed})
	}
	return tr
}

func TestBaselineDefaults(t *testing.T) {
	b := NewTrafficBaseline(testBaselineConfig())
	bl := b.Get(2)
	if bl.FreeFlowSpeedMps != 25 || bl.DensityNorm != 6 {
		t.Errorf("unseeded lane = %+v, want defaults 25/6", bl)
	}
}

func TestBaselineRefreshPercentile(t *testing.T) {
	b := NewTrafficBaseline(testBaselineConfig())
	now := time.Unix(1700000000, 0)

	speeds := []float64{20, 22, 24, 26, 28, 30, 32, 34, 36, 38}
	for i, v := range speeds {
		b.RecordTrack(finishedTrack(string(rune('a'+i)), 2, v), now)
	}
	b.Refresh(now.Add(time.Second))

	bl := b.Get(2)
	if bl.SampleCount != len(speeds) {
		t.Fatalf("sample count = %d, want %d", bl.SampleCount, len(speeds))
	}
	// 85th percentile of the sample must sit in the fast tail, well above the
	// mean and at or below the max.
	if bl.FreeFlowSpeedMps < 34 || bl.FreeFlowSpeedMps > 38 {
		t.Errorf("free-flow speed = %v, want within [34, 38]", bl.FreeFlowSpeedMps)
	}
	if math.IsNaN(bl.DensityNorm) {
		t.Error("density norm is NaN")
	}
}

func TestBaselineIgnoresSparseLanes(t *testing.T) {
	b := NewTrafficBaseline(testBaselineConfig())
	now := time.Unix(1700000000, 0)

	// Two samples is below MinObservations; the lane keeps its defaults.
	b.RecordTrack(finishedTrack("a", 3, 30), now)
	b.RecordTrack(finishedTrack("b", 3, 32), now)
	b.Refresh(now.Add(time.Second))

	if bl := b.Get(3); bl.FreeFlowSpeedMps != 25 {
		t.Errorf("sparse lane free-flow = %v, want default 25", bl.FreeFlowSpeedMps)
	}
}

func TestBaselineWindowPruning(t *testing.T) {
	b := NewTrafficBaseline(testBaselineConfig())
	now := time.Unix(1700000000, 0)

	// Old samples fall out of the 5 minute window; fresh ones are too few to
	// commit an update on their own.
	for i := 0; i < 5; i++ {
		b.RecordTrack(finishedTrack("old", 2, 40), now.Add(-10*time.Minute))
	}
	b.RecordTrack(finishedTrack("new", 2, 20), now)
	b.Refresh(now)

	if bl := b.Get(2); bl.FreeFlowSpeedMps != 25 {
		t.Errorf("free-flow = %v, want default (stale samples pruned)", bl.FreeFlowSpeedMps)
	}
}

// TestBaselineIsolationAcrossSegments: every segment pipeline owns its own
// baseline, so one segment's lane statistics never shift another segment's
// thresholds for the same lane id.
func TestBaselineIsolationAcrossSegments(t *testing.T) {
	segA := NewTrafficBaseline(testBaselineConfig())
	segB := NewTrafficBaseline(testBaselineConfig())
	now := time.Unix(1700000000, 0)

	for i := 0; i < 5; i++ {
		segA.RecordTrack(finishedTrack(string(rune('a'+i)), 2, 10), now)
	}
	segA.Refresh(now.Add(time.Second))
	segB.Refresh(now.Add(time.Second))

	if bl := segA.Get(2); bl.FreeFlowSpeedMps >= 25 {
		t.Errorf("fed segment free-flow = %v, want committed slow statistics", bl.FreeFlowSpeedMps)
	}
	if bl := segB.Get(2); bl.FreeFlowSpeedMps != 25 || bl.SampleCount != 0 {
		t.Errorf("idle segment lane 2 = %+v, want untouched defaults", bl)
	}
}

func TestBaselineSkipsShortTracks(t *testing.T) {
	b := NewTrafficBaseline(testBaselineConfig())
	now := time.Unix(1700000000, 0)

	tr := finishedTrack("a", 2, 30)
	tr.ObservationCount = 1 // below MinObservations
	b.RecordTrack(tr, now)

	for i := 0; i < 3; i++ {
		b.RecordTrack(finishedTrack(string(rune('b'+i)), 2, 20), now)
	}
	b.Refresh(now.Add(time.Second))

	if bl := b.Get(2); bl.SampleCount != 3 {
		t.Errorf("sample count = %d, want 3 (short track excluded)", bl.SampleCount)
	}
}
