package highway

import (
	"testing"
	"time"
)

func testCellConfig() CellConfig {
	return CellConfig{
		FramesPerSecond: 20,
		CacheFrames:     10,
		LateralSpeed:    0.8,
		ChangeRate:      0.25,
		TimeTolerance:   time.Second, // fast danger growth for tests
		StandardFlow:    1800,
		DangerCeiling:   0.5,
	}
}

// gridTrack places an observed track in a lane at a road distance with the
// given velocity components.
func gridTrack(id string, lane int, roadDist, vx, vy float64) *Track {
	return &Track{TargetID: id, State: TrackActive, Lane: lane, RoadDist: roadDist, VX: vx, VY: vy}
}

func TestCellGridLayout(t *testing.T) {
	model := fourLaneModel(t)
	g := NewCellGrid(testCellConfig(), model)

	// Shoulders carry no cells.
	if g.Cells(1) != nil || g.Cells(4) != nil {
		t.Error("emergency lanes must not carry cells")
	}
	if got := len(g.Cells(2)); got != 10 {
		t.Errorf("lane 2 has %d cells, want 10", got)
	}
}

func TestCellDangerAccruesWhenEmptyUnderFlow(t *testing.T) {
	model := fourLaneModel(t)
	g := NewCellGrid(testCellConfig(), model)

	// Keep traffic flowing in cell 0 of lane 2 so lane flow is nonzero, and
	// leave cell 4 empty.
	for i := 0; i < 100; i++ {
		g.Apply([]*Track{gridTrack("a", 2, 10, 0, 25)}, model)
	}
	empty := g.DangerAt(2, 220, model)
	if empty <= 0 {
		t.Fatalf("empty cell under flow accrued no danger: %v", empty)
	}
	if empty > testCellConfig().DangerCeiling {
		t.Errorf("time danger %v exceeds ceiling %v", empty, testCellConfig().DangerCeiling)
	}
	// The occupied cell stays clean.
	if got := g.DangerAt(2, 10, model); got != 0 {
		t.Errorf("occupied cell danger = %v, want 0", got)
	}
}

func TestCellDangerResetsOnOccupancy(t *testing.T) {
	model := fourLaneModel(t)
	g := NewCellGrid(testCellConfig(), model)

	for i := 0; i < 100; i++ {
		g.Apply([]*Track{gridTrack("a", 2, 10, 0, 25)}, model)
	}
	if g.DangerAt(2, 220, model) <= 0 {
		t.Fatal("precondition: cell 4 should carry danger")
	}

	// A vehicle drives through the suspect cell.
	g.Apply([]*Track{gridTrack("b", 2, 220, 0, 25)}, model)
	if got := g.DangerAt(2, 220, model); got != 0 {
		t.Errorf("danger after occupancy = %v, want 0", got)
	}
}

func TestCellSwerveBoostsCellsAhead(t *testing.T) {
	model := fourLaneModel(t)
	cfg := testCellConfig()
	g := NewCellGrid(cfg, model)

	// A vehicle in cell 2 swerves hard sideways.
	g.Apply([]*Track{gridTrack("a", 2, 110, 2.0, 25)}, model)

	if got := g.DangerAt(2, 160, model); got < cfg.ChangeRate {
		t.Errorf("cell ahead danger = %v, want at least %v", got, cfg.ChangeRate)
	}
	if got := g.DangerAt(2, 210, model); got < cfg.ChangeRate {
		t.Errorf("second cell ahead danger = %v, want at least %v", got, cfg.ChangeRate)
	}
	// Reach is bounded.
	if got := g.DangerAt(2, 260, model); got != 0 {
		t.Errorf("third cell ahead danger = %v, want 0", got)
	}
	// Cells behind are unaffected.
	if got := g.DangerAt(2, 60, model); got != 0 {
		t.Errorf("cell behind danger = %v, want 0", got)
	}
}

func TestCellTrafficParameters(t *testing.T) {
	model := fourLaneModel(t)
	cfg := testCellConfig()
	g := NewCellGrid(cfg, model)

	// One vehicle present in cell 0 every frame at 25 m/s.
	for i := 0; i < cfg.CacheFrames; i++ {
		g.Apply([]*Track{gridTrack("a", 2, 10, 0, 25)}, model)
	}
	c := g.Cells(2)[0]
	if c.MeanVehicles != 1 {
		t.Errorf("mean vehicles = %v, want 1", c.MeanVehicles)
	}
	if c.SpeedMps != 25 {
		t.Errorf("cell speed = %v, want 25", c.SpeedMps)
	}
	// k = 1/50m * 1000 = 20 veh/km; q = 20 * 25 * 3.6 = 1800 veh/h.
	if c.DensityVehPerKm != 20 {
		t.Errorf("density = %v, want 20", c.DensityVehPerKm)
	}
	if c.FlowVehPerHour != 1800 {
		t.Errorf("flow = %v, want 1800", c.FlowVehPerHour)
	}
}
