package highway

import (
	"fmt"
	"math"
	"time"
)

// Observation classes reported by the radar head. Anything outside this set is
// carried through verbatim; only ClassStatic and ClassUnknown change rule
// behaviour (spill detection treats them as potential debris).
const (
	ClassCar     = "car"
	ClassTruck   = "truck"
	ClassBus     = "bus"
	ClassUnknown = "unknown"
	ClassStatic  = "static"
)

// Observation is one target's raw reading in one frame. Immutable once built;
// the track store copies what it needs and the record is discarded.
type Observation struct {
	TargetID string `json:"target_id"`

	// Position in the radar's cartesian frame, metres.
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`

	// Radial velocity decomposed onto the radar axes, m/s. Only trusted when
	// Confidence clears the configured floor; otherwise speed falls back to
	// position finite differences.
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`

	// Bounding size, metres.
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`

	Class      string  `json:"class"`
	LaneHint   int     `json:"lane_hint,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Validate rejects malformed observations at the ingestion boundary so the
// core never has to reason about ambiguous values mid-pipeline.
func (o *Observation) Validate() error {
	if o.TargetID == "" {
		return fmt.Errorf("observation missing target id")
	}
	for _, v := range [...]float64{o.X, o.Y, o.Z, o.VX, o.VY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("observation %s: non-finite coordinate or velocity", o.TargetID)
		}
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("observation %s: confidence %v outside [0,1]", o.TargetID, o.Confidence)
	}
	if o.Length < 0 || o.Width < 0 || o.Height < 0 {
		return fmt.Errorf("observation %s: negative bounding size", o.TargetID)
	}
	return nil
}

// Speed is the magnitude of the reported velocity vector.
func (o *Observation) Speed() float64 {
	return math.Hypot(o.VX, o.VY)
}

// IsVehicleClass reports whether the observation's class indicates a moving
// vehicle rather than debris or an unclassified return.
func (o *Observation) IsVehicleClass() bool {
	switch o.Class {
	case ClassStatic, ClassUnknown:
		return false
	}
	return true
}

// Frame bundles all observations the radar produced for one segment at one
// instant. Frames must be delivered in strictly increasing Index order.
type Frame struct {
	SegmentID    string        `json:"segment_id"`
	Index        int64         `json:"frame_index"`
	Timestamp    time.Time     `json:"timestamp"`
	Observations []Observation `json:"observations"`
}

// Validate checks the frame envelope and every observation in it.
func (f *Frame) Validate() error {
	if f.SegmentID == "" {
		return fmt.Errorf("frame %d: missing segment id", f.Index)
	}
	if f.Index < 0 {
		return fmt.Errorf("frame %d: negative frame index", f.Index)
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("frame %d: missing timestamp", f.Index)
	}
	for i := range f.Observations {
		if err := f.Observations[i].Validate(); err != nil {
			return fmt.Errorf("frame %d: %w", f.Index, err)
		}
	}
	return nil
}
