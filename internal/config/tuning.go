package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for detection tuning
// parameters. The schema matches the /api/params endpoint so the same JSON can
// be used for both startup configuration and runtime updates. All fields are
// optional; the Get* accessors supply defaults for fields left unset.
type TuningConfig struct {
	// Frame cadence
	FramesPerSecond *float64 `json:"frames_per_second,omitempty"`

	// Track store params
	MaxTracks            *int `json:"max_tracks,omitempty"`
	HitsToActivate       *int `json:"hits_to_activate,omitempty"`
	CoastingAfterMisses  *int `json:"coasting_after_misses,omitempty"`
	TerminateAfterMisses *int `json:"terminate_after_misses,omitempty"`

	// Feature params
	LowSpeedEpsilon       *float64 `json:"low_speed_epsilon,omitempty"`
	VelocityConfidenceMin *float64 `json:"velocity_confidence_min,omitempty"`
	AccelSmoothingFactor  *float64 `json:"accel_smoothing_factor,omitempty"`
	DensityWindowMetres   *float64 `json:"density_window_metres,omitempty"`

	// Rule params
	SustainFrames               *int     `json:"sustain_frames,omitempty"`
	StopDwellFrames             *int     `json:"stop_dwell_frames,omitempty"`
	LowSpeedRatio               *float64 `json:"low_speed_ratio,omitempty"`
	HighSpeedRatio              *float64 `json:"high_speed_ratio,omitempty"`
	EmergencyBrakeDecel         *float64 `json:"emergency_brake_decel,omitempty"`
	IncidentCorroborationFrames *int     `json:"incident_corroboration_frames,omitempty"`
	IncidentRadiusMetres        *float64 `json:"incident_radius_metres,omitempty"`
	CrowdDensityRatio           *float64 `json:"crowd_density_ratio,omitempty"`
	OccupationDwellFrames       *int     `json:"occupation_dwell_frames,omitempty"`
	SpillDangerThreshold        *float64 `json:"spill_danger_threshold,omitempty"`

	// Cell grid params
	CellLengthMetres      *float64 `json:"cell_length_metres,omitempty"`
	CellCacheFrames       *int     `json:"cell_cache_frames,omitempty"`
	CellLateralSpeed      *float64 `json:"cell_lateral_speed,omitempty"`
	CellChangeRate        *float64 `json:"cell_change_rate,omitempty"`
	CellTimeTolerance     *string  `json:"cell_time_tolerance,omitempty"` // duration string like "30s"
	CellStandardFlow      *float64 `json:"cell_standard_flow,omitempty"`  // veh/h
	CellDangerTimeCeiling *float64 `json:"cell_danger_time_ceiling,omitempty"`

	// Baseline params
	BaselineRefreshInterval *string  `json:"baseline_refresh_interval,omitempty"` // duration string like "60s"
	BaselineWindow          *string  `json:"baseline_window,omitempty"`           // duration string like "5m"
	BaselineMinObservations *int     `json:"baseline_min_observations,omitempty"`
	DefaultFreeFlowSpeed    *float64 `json:"default_free_flow_speed,omitempty"` // m/s
	DefaultDensityNorm      *float64 `json:"default_density_norm,omitempty"`    // vehicles per window

	// Pipeline params
	FrameQueueDepth *int `json:"frame_queue_depth,omitempty"`

	// Forwarder params
	ForwardRetryBudget *int    `json:"forward_retry_budget,omitempty"`
	ForwardBackoff     *string `json:"forward_backoff,omitempty"` // duration string like "500ms"
	ForwardBufferSize  *int    `json:"forward_buffer_size,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max
// file size. Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.FramesPerSecond != nil && *c.FramesPerSecond <= 0 {
		return fmt.Errorf("frames_per_second must be positive, got %f", *c.FramesPerSecond)
	}
	if c.LowSpeedEpsilon != nil && *c.LowSpeedEpsilon < 0 {
		return fmt.Errorf("low_speed_epsilon must be non-negative, got %f", *c.LowSpeedEpsilon)
	}
	if c.VelocityConfidenceMin != nil {
		if *c.VelocityConfidenceMin < 0 || *c.VelocityConfidenceMin > 1 {
			return fmt.Errorf("velocity_confidence_min must be between 0 and 1, got %f", *c.VelocityConfidenceMin)
		}
	}
	if c.AccelSmoothingFactor != nil {
		if *c.AccelSmoothingFactor <= 0 || *c.AccelSmoothingFactor > 1 {
			return fmt.Errorf("accel_smoothing_factor must be in (0, 1], got %f", *c.AccelSmoothingFactor)
		}
	}
	if c.LowSpeedRatio != nil && c.HighSpeedRatio != nil {
		if *c.LowSpeedRatio >= *c.HighSpeedRatio {
			return fmt.Errorf("low_speed_ratio %f must be below high_speed_ratio %f", *c.LowSpeedRatio, *c.HighSpeedRatio)
		}
	}
	if c.CoastingAfterMisses != nil && c.TerminateAfterMisses != nil {
		if *c.CoastingAfterMisses >= *c.TerminateAfterMisses {
			return fmt.Errorf("coasting_after_misses %d must be below terminate_after_misses %d",
				*c.CoastingAfterMisses, *c.TerminateAfterMisses)
		}
	}
	if c.FrameQueueDepth != nil && *c.FrameQueueDepth < 1 {
		return fmt.Errorf("frame_queue_depth must be >= 1, got %d", *c.FrameQueueDepth)
	}

	for name, field := range map[string]*string{
		"baseline_refresh_interval": c.BaselineRefreshInterval,
		"baseline_window":           c.BaselineWindow,
		"cell_time_tolerance":       c.CellTimeTolerance,
		"forward_backoff":           c.ForwardBackoff,
	} {
		if field != nil && *field != "" {
			if _, err := time.ParseDuration(*field); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *field, err)
			}
		}
	}

	return nil
}

func durationOr(field *string, fallback time.Duration) time.Duration {
	if field == nil || *field == "" {
		return fallback
	}
	d, err := time.ParseDuration(*field)
	if err != nil {
		return fallback
	}
	return d
}

// GetFramesPerSecond returns the frames_per_second value or the default.
func (c *TuningConfig) GetFramesPerSecond() float64 {
	if c.FramesPerSecond == nil {
		return 20.0
	}
	return *c.FramesPerSecond
}

// GetMaxTracks returns the max_tracks value or the default.
func (c *TuningConfig) GetMaxTracks() int {
	if c.MaxTracks == nil {
		return 512
	}
	return *c.MaxTracks
}

// GetHitsToActivate returns the hits_to_activate value or the default.
func (c *TuningConfig) GetHitsToActivate() int {
	if c.HitsToActivate == nil {
		return 3
	}
	return *c.HitsToActivate
}

// GetCoastingAfterMisses returns the coasting_after_misses value or the default.
func (c *TuningConfig) GetCoastingAfterMisses() int {
	if c.CoastingAfterMisses == nil {
		return 2
	}
	return *c.CoastingAfterMisses
}

// GetTerminateAfterMisses returns the terminate_after_misses value or the default.
func (c *TuningConfig) GetTerminateAfterMisses() int {
	if c.TerminateAfterMisses == nil {
		return 40 // 2s at 20 FPS
	}
	return *c.TerminateAfterMisses
}

// GetLowSpeedEpsilon returns the low_speed_epsilon value or the default.
func (c *TuningConfig) GetLowSpeedEpsilon() float64 {
	if c.LowSpeedEpsilon == nil {
		return 0.5 // m/s
	}
	return *c.LowSpeedEpsilon
}

// GetVelocityConfidenceMin returns the velocity_confidence_min value or the default.
func (c *TuningConfig) GetVelocityConfidenceMin() float64 {
	if c.VelocityConfidenceMin == nil {
		return 0.5
	}
	return *c.VelocityConfidenceMin
}

// GetAccelSmoothingFactor returns the accel_smoothing_factor value or the default.
func (c *TuningConfig) GetAccelSmoothingFactor() float64 {
	if c.AccelSmoothingFactor == nil {
		return 0.3
	}
	return *c.AccelSmoothingFactor
}

// GetDensityWindowMetres returns the density_window_metres value or the default.
func (c *TuningConfig) GetDensityWindowMetres() float64 {
	if c.DensityWindowMetres == nil {
		return 50.0
	}
	return *c.DensityWindowMetres
}

// GetSustainFrames returns the sustain_frames value or the default.
func (c *TuningConfig) GetSustainFrames() int {
	if c.SustainFrames == nil {
		return 40 // 2s at 20 FPS
	}
	return *c.SustainFrames
}

// GetStopDwellFrames returns the stop_dwell_frames value or the default.
func (c *TuningConfig) GetStopDwellFrames() int {
	if c.StopDwellFrames == nil {
		return 40
	}
	return *c.StopDwellFrames
}

// GetLowSpeedRatio returns the low_speed_ratio value or the default.
func (c *TuningConfig) GetLowSpeedRatio() float64 {
	if c.LowSpeedRatio == nil {
		return 0.5
	}
	return *c.LowSpeedRatio
}

// GetHighSpeedRatio returns the high_speed_ratio value or the default.
func (c *TuningConfig) GetHighSpeedRatio() float64 {
	if c.HighSpeedRatio == nil {
		return 1.5
	}
	return *c.HighSpeedRatio
}

// GetEmergencyBrakeDecel returns the emergency_brake_decel value or the default.
func (c *TuningConfig) GetEmergencyBrakeDecel() float64 {
	if c.EmergencyBrakeDecel == nil {
		return 6.0 // m/s²
	}
	return *c.EmergencyBrakeDecel
}

// GetIncidentCorroborationFrames returns the incident_corroboration_frames value or the default.
func (c *TuningConfig) GetIncidentCorroborationFrames() int {
	if c.IncidentCorroborationFrames == nil {
		return 10 // 0.5s at 20 FPS
	}
	return *c.IncidentCorroborationFrames
}

// GetIncidentRadiusMetres returns the incident_radius_metres value or the default.
func (c *TuningConfig) GetIncidentRadiusMetres() float64 {
	if c.IncidentRadiusMetres == nil {
		return 30.0
	}
	return *c.IncidentRadiusMetres
}

// GetCrowdDensityRatio returns the crowd_density_ratio value or the default.
func (c *TuningConfig) GetCrowdDensityRatio() float64 {
	if c.CrowdDensityRatio == nil {
		return 1.5
	}
	return *c.CrowdDensityRatio
}

// GetOccupationDwellFrames returns the occupation_dwell_frames value or the default.
func (c *TuningConfig) GetOccupationDwellFrames() int {
	if c.OccupationDwellFrames == nil {
		return 60 // 3s at 20 FPS
	}
	return *c.OccupationDwellFrames
}

// GetSpillDangerThreshold returns the spill_danger_threshold value or the default.
func (c *TuningConfig) GetSpillDangerThreshold() float64 {
	if c.SpillDangerThreshold == nil {
		return 0.5
	}
	return *c.SpillDangerThreshold
}

// GetCellLengthMetres returns the cell_length_metres value or the default.
func (c *TuningConfig) GetCellLengthMetres() float64 {
	if c.CellLengthMetres == nil {
		return 50.0
	}
	return *c.CellLengthMetres
}

// GetCellCacheFrames returns the cell_cache_frames value or the default.
func (c *TuningConfig) GetCellCacheFrames() int {
	if c.CellCacheFrames == nil {
		return 100 // 5s at 20 FPS
	}
	return *c.CellCacheFrames
}

// GetCellLateralSpeed returns the cell_lateral_speed value or the default.
func (c *TuningConfig) GetCellLateralSpeed() float64 {
	if c.CellLateralSpeed == nil {
		return 0.8 // m/s of lateral drift suggesting an avoidance manoeuvre
	}
	return *c.CellLateralSpeed
}

// GetCellChangeRate returns the cell_change_rate value or the default.
func (c *TuningConfig) GetCellChangeRate() float64 {
	if c.CellChangeRate == nil {
		return 0.25
	}
	return *c.CellChangeRate
}

// GetCellTimeTolerance parses and returns the cell_time_tolerance as a time.Duration.
func (c *TuningConfig) GetCellTimeTolerance() time.Duration {
	return durationOr(c.CellTimeTolerance, 30*time.Second)
}

// GetCellStandardFlow returns the cell_standard_flow value or the default.
func (c *TuningConfig) GetCellStandardFlow() float64 {
	if c.CellStandardFlow == nil {
		return 1800.0 // veh/h
	}
	return *c.CellStandardFlow
}

// GetCellDangerTimeCeiling returns the cell_danger_time_ceiling value or the default.
func (c *TuningConfig) GetCellDangerTimeCeiling() float64 {
	if c.CellDangerTimeCeiling == nil {
		return 0.5
	}
	return *c.CellDangerTimeCeiling
}

// GetBaselineRefreshInterval parses and returns the baseline_refresh_interval as a time.Duration.
func (c *TuningConfig) GetBaselineRefreshInterval() time.Duration {
	return durationOr(c.BaselineRefreshInterval, 60*time.Second)
}

// GetBaselineWindow parses and returns the baseline_window as a time.Duration.
func (c *TuningConfig) GetBaselineWindow() time.Duration {
	return durationOr(c.BaselineWindow, 5*time.Minute)
}

// GetBaselineMinObservations returns the baseline_min_observations value or the default.
func (c *TuningConfig) GetBaselineMinObservations() int {
	if c.BaselineMinObservations == nil {
		return 20
	}
	return *c.BaselineMinObservations
}

// GetDefaultFreeFlowSpeed returns the default_free_flow_speed value or the default.
func (c *TuningConfig) GetDefaultFreeFlowSpeed() float64 {
	if c.DefaultFreeFlowSpeed == nil {
		return 25.0 // m/s, 90 km/h
	}
	return *c.DefaultFreeFlowSpeed
}

// GetDefaultDensityNorm returns the default_density_norm value or the default.
func (c *TuningConfig) GetDefaultDensityNorm() float64 {
	if c.DefaultDensityNorm == nil {
		return 6.0 // vehicles inside the density window
	}
	return *c.DefaultDensityNorm
}

// GetFrameQueueDepth returns the frame_queue_depth value or the default.
func (c *TuningConfig) GetFrameQueueDepth() int {
	if c.FrameQueueDepth == nil {
		return 64
	}
	return *c.FrameQueueDepth
}

// GetForwardRetryBudget returns the forward_retry_budget value or the default.
func (c *TuningConfig) GetForwardRetryBudget() int {
	if c.ForwardRetryBudget == nil {
		return 5
	}
	return *c.ForwardRetryBudget
}

// GetForwardBackoff parses and returns the forward_backoff as a time.Duration.
func (c *TuningConfig) GetForwardBackoff() time.Duration {
	return durationOr(c.ForwardBackoff, 500*time.Millisecond)
}

// GetForwardBufferSize returns the forward_buffer_size value or the default.
func (c *TuningConfig) GetForwardBufferSize() int {
	if c.ForwardBufferSize == nil {
		return 256
	}
	return *c.ForwardBufferSize
}
