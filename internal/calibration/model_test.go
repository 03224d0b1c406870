package calibration

import (
	"math"
	"path/filepath"
	"testing"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	m := &Model{
		SegmentID:  "seg-a",
		CellLength: 50,
		Lanes: map[int]Lane{
			1: {ID: 1, Emergency: true, Direction: 1, Start: 0, End: 500, Coefficients: [3]float64{0, 0, -3.6}, Cells: make([]bool, 10)},
			2: {ID: 2, Direction: 1, Start: 0, End: 500, Coefficients: [3]float64{0, 0, 0}, Cells: []bool{true, true, true, true, true, true, true, true, true, true}},
			3: {ID: 3, Direction: 1, Start: 0, End: 500, Coefficients: [3]float64{0, 0, 3.75}, Cells: []bool{true, true, true, true, true, true, true, true, true, true}},
			4: {ID: 4, Emergency: true, Direction: 1, Start: 0, End: 500, Coefficients: [3]float64{0, 0, 7.35}, Cells: make([]bool, 10)},
		},
	}
	if err := m.init(); err != nil {
		t.Fatalf("init model: %v", err)
	}
	return m
}

func TestModelMap(t *testing.T) {
	m := testModel(t)

	lane, dist, ok := m.Map(0.3, 120)
	if !ok {
		t.Fatal("expected in-range mapping")
	}
	if lane != 2 {
		t.Errorf("expected lane 2, got %d", lane)
	}
	if dist != 120 {
		t.Errorf("expected road distance 120, got %v", dist)
	}

	lane, _, ok = m.Map(3.9, 120)
	if !ok || lane != 3 {
		t.Errorf("expected lane 3, got lane=%d ok=%v", lane, ok)
	}

	if _, _, ok := m.Map(0, 900); ok {
		t.Error("expected out-of-range y to fail mapping")
	}
}

func TestModelLaneOffset(t *testing.T) {
	m := testModel(t)

	off, err := m.LaneOffset(2, 0.5, 100)
	if err != nil {
		t.Fatalf("LaneOffset: %v", err)
	}
	if math.Abs(off-0.5) > 1e-9 {
		t.Errorf("expected offset 0.5, got %v", off)
	}

	off, err = m.LaneOffset(2, -0.5, 100)
	if err != nil {
		t.Fatalf("LaneOffset: %v", err)
	}
	if math.Abs(off+0.5) > 1e-9 {
		t.Errorf("expected offset -0.5, got %v", off)
	}

	if _, err := m.LaneOffset(99, 0, 0); err == nil {
		t.Error("expected error for unknown lane")
	}
}

func TestModelCellIndex(t *testing.T) {
	m := testModel(t)

	if idx := m.CellIndex(2, 0); idx != 0 {
		t.Errorf("expected cell 0, got %d", idx)
	}
	if idx := m.CellIndex(2, 120); idx != 2 {
		t.Errorf("expected cell 2, got %d", idx)
	}
	if idx := m.CellIndex(2, 10_000); idx != -1 {
		t.Errorf("expected -1 for beyond last cell, got %d", idx)
	}
	if idx := m.CellIndex(2, -5); idx != -1 {
		t.Errorf("expected -1 for negative distance, got %d", idx)
	}
}

func TestModelSaveLoadRoundtrip(t *testing.T) {
	m := testModel(t)
	path := filepath.Join(t.TempDir(), "clb.yml")

	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadModel(path)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	if loaded.SegmentID != m.SegmentID {
		t.Errorf("segment id %q, want %q", loaded.SegmentID, m.SegmentID)
	}
	if len(loaded.Lanes) != len(m.Lanes) {
		t.Fatalf("lane count %d, want %d", len(loaded.Lanes), len(m.Lanes))
	}
	if !loaded.IsEmergency(1) || !loaded.IsEmergency(4) {
		t.Error("emergency flags lost in roundtrip")
	}
	if loaded.Lane(3).CenterlineX(0) != 3.75 {
		t.Errorf("lane 3 centerline intercept %v, want 3.75", loaded.Lane(3).CenterlineX(0))
	}
}

func TestParseModelRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"too few lanes", `
segment_id: s
cell_length: 50
lanes:
  1: {id: 1, direction: 1, start: 0, end: 100, coefficients: [0, 0, 0]}
`},
		{"bad direction", `
segment_id: s
cell_length: 50
lanes:
  1: {id: 1, direction: 0, start: 0, end: 100, coefficients: [0, 0, 0]}
  2: {id: 2, direction: 1, start: 0, end: 100, coefficients: [0, 0, 3.75]}
`},
		{"zero length lane", `
segment_id: s
cell_length: 50
lanes:
  1: {id: 1, direction: 1, start: 0, end: 0, coefficients: [0, 0, 0]}
  2: {id: 2, direction: 1, start: 0, end: 100, coefficients: [0, 0, 3.75]}
`},
		{"bad cell length", `
segment_id: s
cell_length: 0
lanes:
  1: {id: 1, direction: 1, start: 0, end: 100, coefficients: [0, 0, 0]}
  2: {id: 2, direction: 1, start: 0, end: 100, coefficients: [0, 0, 3.75]}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseModel([]byte(tt.yaml)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestAdjacentLanes(t *testing.T) {
	m := testModel(t)

	adj := m.AdjacentLanes(2)
	if len(adj) != 2 || adj[0] != 1 || adj[1] != 3 {
		t.Errorf("AdjacentLanes(2) = %v, want [1 3]", adj)
	}
	adj = m.AdjacentLanes(1)
	if len(adj) != 1 || adj[0] != 2 {
		t.Errorf("AdjacentLanes(1) = %v, want [2]", adj)
	}
}
