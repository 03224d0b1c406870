package highway

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/traffic.report/internal/calibration"
	"github.com/banshee-data/traffic.report/internal/config"
)

// FeatureSet holds the per-track derived values the rule engine classifies
// against. All fields are maintained incrementally from the previous set plus
// the newest observation; the engine never rescans track history.
type FeatureSet struct {
	SpeedMps  float64 `json:"speed_mps"`
	AccelMps2 float64 `json:"accel_mps2"`

	HeadingRad float64 `json:"heading_rad"`
	// HeadingVar is a smoothed variance of frame-to-frame heading change,
	// rad². Large values flag erratic motion.
	HeadingVar float64 `json:"heading_var"`

	// StationaryFrames counts consecutive frames with speed below the
	// low-speed epsilon; it resets to zero on any faster frame.
	StationaryFrames int           `json:"stationary_frames"`
	StationaryFor    time.Duration `json:"stationary_for"`

	// LaneOffset is the signed perpendicular distance from the lane
	// centerline, metres. Positive drifts toward higher lane ids.
	LaneOffset float64 `json:"lane_offset"`

	// LocalDensity counts co-temporal tracks in the same or an adjacent lane
	// within the trailing road-distance window.
	LocalDensity int `json:"local_density"`

	InEmergencyLane bool `json:"in_emergency_lane"`

	Valid     bool  `json:"valid"`
	LastFrame int64 `json:"last_frame"`
}

// FeatureConfig carries the knobs for one feature engine.
type FeatureConfig struct {
	FramesPerSecond       float64
	LowSpeedEpsilon       float64
	VelocityConfidenceMin float64
	AccelSmoothing        float64
	DensityWindowMetres   float64
}

// FeatureConfigFromTuning pulls feature knobs out of a tuning config.
func FeatureConfigFromTuning(cfg *config.TuningConfig) FeatureConfig {
	return FeatureConfig{
		FramesPerSecond:       cfg.GetFramesPerSecond(),
		LowSpeedEpsilon:       cfg.GetLowSpeedEpsilon(),
		VelocityConfidenceMin: cfg.GetVelocityConfidenceMin(),
		AccelSmoothing:        cfg.GetAccelSmoothingFactor(),
		DensityWindowMetres:   cfg.GetDensityWindowMetres(),
	}
}

// FeatureEngine recomputes track features against one segment's calibration
// model. Not safe for concurrent use; the segment pipeline serializes calls.
type FeatureEngine struct {
	cfg   FeatureConfig
	model *calibration.Model
}

// NewFeatureEngine builds a feature engine bound to a calibration model.
func NewFeatureEngine(cfg FeatureConfig, model *calibration.Model) *FeatureEngine {
	return &FeatureEngine{cfg: cfg, model: model}
}

// Recompute refreshes a track's feature set from its newest observation. Pass
// obs nil for a coasting track; kinematics then hold their last-good values
// while density and dwell bookkeeping stay current. neighbors is the full set
// of live tracks in the segment (self included, skipped internally).
//
// On error the track's features are left untouched and the caller should keep
// the last-good set; the error is always a *FeatureComputationError.
func (e *FeatureEngine) Recompute(tr *Track, obs *Observation, frameIndex int64, neighbors []*Track) (FeatureSet, error) {
	if e.model == nil {
		return FeatureSet{}, &FeatureComputationError{TrackID: tr.TargetID, Err: fmt.Errorf("no calibration model")}
	}

	prev := tr.Features
	fs := prev
	fs.LastFrame = frameIndex
	fs.Valid = true

	if obs != nil {
		speed, err := e.speedOf(tr, obs)
		if err != nil {
			return FeatureSet{}, &FeatureComputationError{TrackID: tr.TargetID, Err: err}
		}

		dt := 1.0 / e.cfg.FramesPerSecond
		if prev.Valid && frameIndex > prev.LastFrame {
			dt = float64(frameIndex-prev.LastFrame) / e.cfg.FramesPerSecond
		}
		if prev.Valid {
			raw := (speed - prev.SpeedMps) / dt
			fs.AccelMps2 = e.cfg.AccelSmoothing*raw + (1-e.cfg.AccelSmoothing)*prev.AccelMps2
		} else {
			fs.AccelMps2 = 0
		}
		fs.SpeedMps = speed

		if speed > e.cfg.LowSpeedEpsilon {
			heading := math.Atan2(obs.VY, obs.VX)
			if prev.Valid {
				dh := wrapAngle(heading - prev.HeadingRad)
				fs.HeadingVar = e.cfg.AccelSmoothing*dh*dh + (1-e.cfg.AccelSmoothing)*prev.HeadingVar
			}
			fs.HeadingRad = heading
		}

		if speed < e.cfg.LowSpeedEpsilon {
			fs.StationaryFrames = prev.StationaryFrames + 1
		} else {
			fs.StationaryFrames = 0
		}
		fs.StationaryFor = time.Duration(float64(fs.StationaryFrames) / e.cfg.FramesPerSecond * float64(time.Second))

		if lane, dist, ok := e.model.Map(obs.X, obs.Y); ok {
			tr.Lane = lane
			tr.RoadDist = dist
			off, err := e.model.LaneOffset(lane, obs.X, obs.Y)
			if err != nil {
				return FeatureSet{}, &FeatureComputationError{TrackID: tr.TargetID, Err: err}
			}
			fs.LaneOffset = off
		}
	}

	fs.InEmergencyLane = tr.Lane != 0 && e.model.IsEmergency(tr.Lane)
	fs.LocalDensity = e.localDensity(tr, neighbors)

	if math.IsNaN(fs.SpeedMps) || math.IsNaN(fs.AccelMps2) || math.IsNaN(fs.LaneOffset) {
		return FeatureSet{}, &FeatureComputationError{TrackID: tr.TargetID, Err: fmt.Errorf("non-finite feature value")}
	}

	tr.Features = fs
	return fs, nil
}

// speedOf trusts the reported velocity vector when confidence clears the
// floor, otherwise falls back to a position finite difference over the last
// two trajectory samples.
func (e *FeatureEngine) speedOf(tr *Track, obs *Observation) (float64, error) {
	if obs.Confidence >= e.cfg.VelocityConfidenceMin {
		return obs.Speed(), nil
	}
	pts := tr.lastPoints(2)
	if len(pts) < 2 {
		// Nothing to difference yet; take the low-confidence reading over
		// guessing zero.
		return obs.Speed(), nil
	}
	a, b := pts[0], pts[1]
	dt := b.Timestamp.Sub(a.Timestamp).Seconds()
	if dt <= 0 {
		return 0, fmt.Errorf("non-positive inter-sample interval %v", dt)
	}
	return math.Hypot(b.X-a.X, b.Y-a.Y) / dt, nil
}

func (e *FeatureEngine) localDensity(tr *Track, neighbors []*Track) int {
	if tr.Lane == 0 {
		return 0
	}
	adjacent := map[int]bool{tr.Lane: true}
	for _, id := range e.model.AdjacentLanes(tr.Lane) {
		adjacent[id] = true
	}
	n := 0
	for _, other := range neighbors {
		if other == nil || other.TargetID == tr.TargetID || !other.IsLive() || other.Lane == 0 {
			continue
		}
		if !adjacent[other.Lane] {
			continue
		}
		if math.Abs(other.RoadDist-tr.RoadDist) <= e.cfg.DensityWindowMetres {
			n++
		}
	}
	return n
}

// wrapAngle maps an angle difference onto (-π, π].
func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
