// Package calibration maps radar-frame coordinates onto road-relative
// coordinates using a per-segment calibration model.
//
// A model describes every lane of the monitored segment: its travel direction,
// longitudinal extent, a quadratic centerline x = a·y² + b·y + c fitted from
// observed trajectories, and which longitudinal cells of the lane carry
// through-traffic. Models are produced offline by the Calibrator and loaded at
// startup; the detection core treats a missing model as a hard precondition
// failure rather than something to retry.
package calibration

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Lane is the calibrated geometry for a single lane.
type Lane struct {
	ID           int        `yaml:"id"`
	Emergency    bool       `yaml:"emergency"`
	Direction    int        `yaml:"direction"` // +1 travel toward increasing y, -1 decreasing
	Start        float64    `yaml:"start"`     // longitudinal origin of travel (metres)
	End          float64    `yaml:"end"`
	Coefficients [3]float64 `yaml:"coefficients"` // centerline x = a·y² + b·y + c
	Cells        []bool     `yaml:"cells"`        // per-cell validity along travel direction
}

// CenterlineX evaluates the lane centerline at longitudinal position y.
func (l *Lane) CenterlineX(y float64) float64 {
	a, b, c := l.Coefficients[0], l.Coefficients[1], l.Coefficients[2]
	return a*y*y + b*y + c
}

// Length returns the longitudinal extent of the lane in metres.
func (l *Lane) Length() float64 {
	return math.Abs(l.End - l.Start)
}

// Model is a complete segment calibration.
type Model struct {
	SegmentID  string       `yaml:"segment_id"`
	CellLength float64      `yaml:"cell_length"`
	Lanes      map[int]Lane `yaml:"lanes"`

	laneIDs []int // sorted, derived on load
}

// LoadModel reads and validates a calibration model from a YAML file.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}
	return ParseModel(data)
}

// ParseModel parses and validates a calibration model from YAML bytes.
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse calibration YAML: %w", err)
	}
	if err := m.init(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Model) init() error {
	if len(m.Lanes) < 2 {
		return fmt.Errorf("calibration model needs at least 2 lanes, got %d", len(m.Lanes))
	}
	if m.CellLength <= 0 {
		return fmt.Errorf("calibration model cell_length must be positive, got %f", m.CellLength)
	}
	m.laneIDs = m.laneIDs[:0]
	for id, lane := range m.Lanes {
		if lane.Direction != 1 && lane.Direction != -1 {
			return fmt.Errorf("lane %d: direction must be ±1, got %d", id, lane.Direction)
		}
		if lane.Start == lane.End {
			return fmt.Errorf("lane %d: zero-length lane", id)
		}
		m.laneIDs = append(m.laneIDs, id)
	}
	sort.Ints(m.laneIDs)
	return nil
}

// LaneIDs returns the lane ids in ascending order.
func (m *Model) LaneIDs() []int {
	out := make([]int, len(m.laneIDs))
	copy(out, m.laneIDs)
	return out
}

// Lane returns the lane with the given id, or nil when unknown.
func (m *Model) Lane(id int) *Lane {
	lane, ok := m.Lanes[id]
	if !ok {
		return nil
	}
	return &lane
}

// IsEmergency reports whether the given lane is an emergency/shoulder lane.
func (m *Model) IsEmergency(id int) bool {
	lane, ok := m.Lanes[id]
	return ok && lane.Emergency
}

// Map projects a radar-frame position onto road-relative coordinates: the
// nearest lane by centerline distance and the longitudinal distance travelled
// from that lane's origin. Positions outside every lane's longitudinal extent
// return ok=false.
func (m *Model) Map(x, y float64) (lane int, roadDist float64, ok bool) {
	best := math.MaxFloat64
	for _, id := range m.laneIDs {
		l := m.Lanes[id]
		lo, hi := math.Min(l.Start, l.End), math.Max(l.Start, l.End)
		if y < lo || y > hi {
			continue
		}
		d := math.Abs(x - l.CenterlineX(y))
		if d < best {
			best = d
			lane = id
			roadDist = math.Abs(y - l.Start)
			ok = true
		}
	}
	return lane, roadDist, ok
}

// LaneOffset returns the signed perpendicular distance from the lane
// centerline at longitudinal position y. The sign indicates the direction of
// drift: positive toward increasing x.
func (m *Model) LaneOffset(laneID int, x, y float64) (float64, error) {
	lane, ok := m.Lanes[laneID]
	if !ok {
		return 0, fmt.Errorf("unknown lane %d", laneID)
	}
	// Perpendicular distance to a quadratic is well approximated by the
	// horizontal offset scaled by the local slope for the shallow curvatures
	// of highway geometry.
	dx := x - lane.CenterlineX(y)
	slope := 2*lane.Coefficients[0]*y + lane.Coefficients[1]
	return dx / math.Sqrt(1+slope*slope), nil
}

// AdjacentLanes returns the neighbouring lane ids of the given lane.
func (m *Model) AdjacentLanes(laneID int) []int {
	var out []int
	if _, ok := m.Lanes[laneID-1]; ok {
		out = append(out, laneID-1)
	}
	if _, ok := m.Lanes[laneID+1]; ok {
		out = append(out, laneID+1)
	}
	return out
}

// CellIndex returns the cell order along the lane's travel direction for a
// given longitudinal road distance, or -1 when out of range.
func (m *Model) CellIndex(laneID int, roadDist float64) int {
	lane, ok := m.Lanes[laneID]
	if !ok || roadDist < 0 {
		return -1
	}
	idx := int(roadDist / m.CellLength)
	if idx >= len(lane.Cells) {
		return -1
	}
	return idx
}

// CellCount returns the number of cells per lane.
func (m *Model) CellCount(laneID int) int {
	lane, ok := m.Lanes[laneID]
	if !ok {
		return 0
	}
	return len(lane.Cells)
}

// Save writes the model to a YAML file.
func (m *Model) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal calibration model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write calibration file: %w", err)
	}
	return nil
}
