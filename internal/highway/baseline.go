package highway

import (
	"context"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/traffic.report/internal/config"
	"github.com/banshee-data/traffic.report/internal/timeutil"
)

// LaneBaseline is the last-committed reference statistics for one lane.
type LaneBaseline struct {
	FreeFlowSpeedMps float64   `json:"free_flow_speed_mps"`
	DensityNorm      float64   `json:"density_norm"`
	SampleCount      int       `json:"sample_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// BaselineConfig carries the refresh knobs for one segment's baseline.
type BaselineConfig struct {
	RefreshInterval time.Duration
	Window          time.Duration
	MinObservations int
	DefaultSpeed    float64
	DefaultDensity  float64
}

// BaselineConfigFromTuning pulls baseline knobs out of a tuning config.
func BaselineConfigFromTuning(cfg *config.TuningConfig) BaselineConfig {
	return BaselineConfig{
		RefreshInterval: cfg.GetBaselineRefreshInterval(),
		Window:          cfg.GetBaselineWindow(),
		MinObservations: cfg.GetBaselineMinObservations(),
		DefaultSpeed:    cfg.GetDefaultFreeFlowSpeed(),
		DefaultDensity:  cfg.GetDefaultDensityNorm(),
	}
}

type baselineSample struct {
	speedMps float64
	density  float64
	at       time.Time
}

// TrafficBaseline maintains per-lane free-flow speed and density norms for
// one segment. Reads never block on a refresh in progress: Get takes a read
// lock only long enough to copy the committed value, and Refresh computes the
// replacement map outside the write lock before swapping it in.
type TrafficBaseline struct {
	cfg BaselineConfig

	mu    sync.RWMutex
	lanes map[int]LaneBaseline

	pendMu  sync.Mutex
	pending map[int][]baselineSample
}

// NewTrafficBaseline builds a baseline seeded with the configured defaults.
func NewTrafficBaseline(cfg BaselineConfig) *TrafficBaseline {
	return &TrafficBaseline{
		cfg:     cfg,
		lanes:   make(map[int]LaneBaseline),
		pending: make(map[int][]baselineSample),
	}
}

// Get returns the last-committed baseline for a lane, falling back to the
// configured defaults for lanes that have not accumulated enough samples.
func (b *TrafficBaseline) Get(lane int) LaneBaseline {
	b.mu.RLock()
	lb, ok := b.lanes[lane]
	b.mu.RUnlock()
	if !ok {
		return LaneBaseline{FreeFlowSpeedMps: b.cfg.DefaultSpeed, DensityNorm: b.cfg.DefaultDensity}
	}
	return lb
}

// Snapshot returns a copy of every committed lane baseline.
func (b *TrafficBaseline) Snapshot() map[int]LaneBaseline {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[int]LaneBaseline, len(b.lanes))
	for k, v := range b.lanes {
		out[k] = v
	}
	return out
}

// RecordTrack feeds one finished track's statistics into the pending refresh
// window. Callers pass only non-anomalous tracks: terminated normally, with
// enough observations, and with no event instance ever confirmed.
func (b *TrafficBaseline) RecordTrack(tr *Track, now time.Time) {
	if tr.Lane == 0 || tr.ObservationCount < b.cfg.MinObservations {
		return
	}
	var sum float64
	for _, p := range tr.History {
		sum += p.SpeedMps
	}
	mean := sum / float64(len(tr.History))
	b.pendMu.Lock()
	b.pending[tr.Lane] = append(b.pending[tr.Lane], baselineSample{
		speedMps: mean,
		density:  float64(tr.Features.LocalDensity),
		at:       now,
	})
	b.pendMu.Unlock()
}

// Refresh recomputes each lane's statistics from samples inside the window
// and commits them. Free-flow speed is the 85th percentile of per-track mean
// speeds, the usual traffic-engineering convention; density norm is the mean
// observed local density.
func (b *TrafficBaseline) Refresh(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)

	b.pendMu.Lock()
	byLane := make(map[int][]baselineSample, len(b.pending))
	for lane, samples := range b.pending {
		kept := samples[:0]
		for _, s := range samples {
			if s.at.After(cutoff) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.pending, lane)
			continue
		}
		b.pending[lane] = kept
		byLane[lane] = append([]baselineSample(nil), kept...)
	}
	b.pendMu.Unlock()

	next := make(map[int]LaneBaseline, len(byLane))
	for lane, samples := range byLane {
		if len(samples) < b.cfg.MinObservations {
			continue
		}
		speeds := make([]float64, len(samples))
		var densitySum float64
		for i, s := range samples {
			speeds[i] = s.speedMps
			densitySum += s.density
		}
		sort.Float64s(speeds)
		next[lane] = LaneBaseline{
			FreeFlowSpeedMps: stat.Quantile(0.85, stat.Empirical, speeds, nil),
			DensityNorm:      densitySum / float64(len(samples)),
			SampleCount:      len(samples),
			UpdatedAt:        now,
		}
	}

	b.mu.Lock()
	for lane, lb := range next {
		b.lanes[lane] = lb
	}
	b.mu.Unlock()

	for lane, lb := range next {
		diagf("baseline: lane %d free-flow %.1f m/s, density %.1f (%d samples)",
			lane, lb.FreeFlowSpeedMps, lb.DensityNorm, lb.SampleCount)
	}
}

// Run refreshes the baseline on the configured cadence until ctx is done.
func (b *TrafficBaseline) Run(ctx context.Context, clock timeutil.Clock) {
	ticker := clock.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			b.Refresh(now)
		}
	}
}
