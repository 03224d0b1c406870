package highway

import (
	"math"
	"testing"
	"time"
)

func testFeatureEngine(t *testing.T) *FeatureEngine {
	t.Helper()
	return NewFeatureEngine(FeatureConfigFromTuning(testTuning()), fourLaneModel(t))
}

// runTrack feeds a sequence of observations for one target through a store
// and feature engine, returning the track.
func runTrack(t *testing.T, e *FeatureEngine, obs []Observation) *Track {
	t.Helper()
	s := NewTrackStore("seg-test", testStoreConfig())
	t0 := time.Unix(1700000000, 0)
	var tr *Track
	for i, o := range obs {
		idx := int64(i + 1)
		deltas, err := s.Update(idx, t0.Add(time.Duration(idx)*50*time.Millisecond), []Observation{o})
		if err != nil {
			t.Fatalf("Update frame %d: %v", idx, err)
		}
		d := deltas[o.TargetID]
		tr = d.Track
		if _, err := e.Recompute(tr, d.Observation, idx, s.LiveTracks()); err != nil {
			t.Fatalf("Recompute frame %d: %v", idx, err)
		}
	}
	return tr
}

func TestFeaturesSpeedFromVelocity(t *testing.T) {
	e := testFeatureEngine(t)
	tr := runTrack(t, e, []Observation{
		movingObs("v1", 0, 10, 25),
		movingObs("v1", 0, 11.25, 25),
	})
	if math.Abs(tr.Features.SpeedMps-25) > 1e-9 {
		t.Errorf("speed = %v, want 25 from reported velocity", tr.Features.SpeedMps)
	}
	if tr.Lane != 2 {
		t.Errorf("lane = %d, want 2", tr.Lane)
	}
}

func TestFeaturesSpeedFallbackToFiniteDifference(t *testing.T) {
	e := testFeatureEngine(t)
	// Low confidence readings with bogus velocity fields: speed must come
	// from the position delta, 1.25m over 50ms = 25 m/s.
	lowConf := func(y float64) Observation {
		o := movingObs("v1", 0, y, 999)
		o.Confidence = 0.1
		return o
	}
	tr := runTrack(t, e, []Observation{lowConf(10), lowConf(11.25)})
	if math.Abs(tr.Features.SpeedMps-25) > 1e-6 {
		t.Errorf("speed = %v, want 25 from finite difference", tr.Features.SpeedMps)
	}
}

func TestFeaturesStationaryRunLength(t *testing.T) {
	e := testFeatureEngine(t)
	var obs []Observation
	for i := 0; i < 5; i++ {
		obs = append(obs, movingObs("v1", 0, 100, 0))
	}
	tr := runTrack(t, e, obs)
	if tr.Features.StationaryFrames != 5 {
		t.Errorf("stationary frames = %d, want 5", tr.Features.StationaryFrames)
	}
	if tr.Features.StationaryFor != 250*time.Millisecond {
		t.Errorf("stationary duration = %v, want 250ms", tr.Features.StationaryFor)
	}

	// A single fast frame resets the run.
	s := NewTrackStore("seg-test", testStoreConfig())
	t0 := time.Unix(1700000000, 0)
	seq := []float64{0, 0, 0, 25, 0}
	var last *Track
	for i, vy := range seq {
		idx := int64(i + 1)
		deltas, err := s.Update(idx, t0.Add(time.Duration(idx)*50*time.Millisecond),
			[]Observation{movingObs("v1", 0, 100, vy)})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		d := deltas["v1"]
		last = d.Track
		if _, err := e.Recompute(last, d.Observation, idx, s.LiveTracks()); err != nil {
			t.Fatalf("Recompute: %v", err)
		}
	}
	if last.Features.StationaryFrames != 1 {
		t.Errorf("stationary frames after reset = %d, want 1", last.Features.StationaryFrames)
	}
}

func TestFeaturesDeceleration(t *testing.T) {
	e := testFeatureEngine(t)
	// 30 m/s to 20 m/s over one 50ms frame is a raw -200 m/s²; the smoothed
	// value must come out negative and large.
	tr := runTrack(t, e, []Observation{
		movingObs("v1", 0, 10, 30),
		movingObs("v1", 0, 11.5, 30),
		movingObs("v1", 0, 12.5, 20),
	})
	if tr.Features.AccelMps2 >= -6 {
		t.Errorf("accel = %v, want strong deceleration", tr.Features.AccelMps2)
	}
}

func TestFeaturesLaneOffsetAndEmergencyFlag(t *testing.T) {
	e := testFeatureEngine(t)

	tr := runTrack(t, e, []Observation{movingObs("v1", 0.5, 100, 25)})
	if math.Abs(tr.Features.LaneOffset-0.5) > 1e-9 {
		t.Errorf("lane offset = %v, want 0.5", tr.Features.LaneOffset)
	}
	if tr.Features.InEmergencyLane {
		t.Error("travel lane flagged as emergency")
	}

	shoulder := runTrack(t, e, []Observation{movingObs("v2", 7.3, 100, 25)})
	if shoulder.Lane != 4 {
		t.Fatalf("lane = %d, want shoulder lane 4", shoulder.Lane)
	}
	if !shoulder.Features.InEmergencyLane {
		t.Error("shoulder lane not flagged as emergency")
	}
}

func TestFeaturesLocalDensity(t *testing.T) {
	e := testFeatureEngine(t)
	s := NewTrackStore("seg-test", TrackStoreConfig{MaxTracks: 16, HitsToActivate: 1, CoastingAfterMisses: 2, TerminateAfterMisses: 6})
	t0 := time.Unix(1700000000, 0)

	// Three cars near y=100 in lanes 2 and 3, one far away at y=400.
	obs := []Observation{
		movingObs("a", 0, 100, 25),
		movingObs("b", 0, 110, 25),
		movingObs("c", 3.75, 95, 25),
		movingObs("d", 0, 400, 25),
	}
	deltas, err := s.Update(1, t0, obs)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	live := s.LiveTracks()
	for _, o := range obs {
		d := deltas[o.TargetID]
		if _, err := e.Recompute(d.Track, d.Observation, 1, live); err != nil {
			t.Fatalf("Recompute %s: %v", o.TargetID, err)
		}
	}
	if got := s.Track("a").Features.LocalDensity; got != 2 {
		t.Errorf("density for a = %d, want 2 (b and c)", got)
	}
	if got := s.Track("d").Features.LocalDensity; got != 0 {
		t.Errorf("density for d = %d, want 0", got)
	}
}

func TestFeaturesCoastingKeepsKinematics(t *testing.T) {
	e := testFeatureEngine(t)
	s := NewTrackStore("seg-test", testStoreConfig())
	t0 := time.Unix(1700000000, 0)

	deltas, err := s.Update(1, t0, []Observation{movingObs("v1", 0, 100, 25)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	tr := deltas["v1"].Track
	if _, err := e.Recompute(tr, deltas["v1"].Observation, 1, s.LiveTracks()); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	speed := tr.Features.SpeedMps

	if _, err := e.Recompute(tr, nil, 2, s.LiveTracks()); err != nil {
		t.Fatalf("Recompute coasting: %v", err)
	}
	if tr.Features.SpeedMps != speed {
		t.Errorf("coasting changed speed %v -> %v", speed, tr.Features.SpeedMps)
	}
	if tr.Features.LastFrame != 2 {
		t.Errorf("coasting did not advance feature frame: %d", tr.Features.LastFrame)
	}
}

func TestFeaturesNoCalibrationModel(t *testing.T) {
	e := NewFeatureEngine(FeatureConfigFromTuning(testTuning()), nil)
	tr := &Track{TargetID: "v1"}
	_, err := e.Recompute(tr, nil, 1, nil)
	if _, ok := err.(*FeatureComputationError); !ok {
		t.Fatalf("expected FeatureComputationError, got %v", err)
	}
}
