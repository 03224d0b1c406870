package highway

import (
	"context"
	"sort"
	"sync"

	"github.com/banshee-data/traffic.report/internal/calibration"
	"github.com/banshee-data/traffic.report/internal/config"
	"github.com/banshee-data/traffic.report/internal/timeutil"
)

// EventSink receives the downstream event record for every confirmed or ended
// transition, exactly once per transition. Implementations must not block for
// long; the pipeline emits synchronously from its worker.
type EventSink interface {
	Emit(ev Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Emit(ev Event) { f(ev) }

// PipelineCounters are cumulative totals for one pipeline's lifetime.
type PipelineCounters struct {
	FramesAccepted     int64
	FramesProcessed    int64
	FramesDroppedFull  int64
	FramesInvalid      int64
	FramesOutOfOrder   int64
	FramesUncalibrated int64
	FeatureErrors      int64
	EventsEmitted      int64
}

// Pipeline sequences per-frame processing for one segment: track store
// update, feature recomputation, cell grid advance, rule evaluation, event
// emission. A single worker goroutine owns all mutable per-segment state;
// frames arrive through a bounded queue and are dropped with a counter when
// the worker cannot keep pace.
type Pipeline struct {
	segmentID string
	tuning    *config.TuningConfig
	clock     timeutil.Clock
	sink      EventSink
	baseline  *TrafficBaseline

	frames chan Frame

	mu          sync.Mutex
	model       *calibration.Model
	store       *TrackStore
	features    *FeatureEngine
	rules       *RuleEngine
	grid        *CellGrid
	trackClosed func(*Track)
	counters    PipelineCounters
}

// NewPipeline builds a pipeline for one segment. model may be nil: frame
// intake then fails with *CalibrationMissingError until SetCalibration is
// called.
func NewPipeline(segmentID string, tuning *config.TuningConfig, model *calibration.Model,
	baseline *TrafficBaseline, sink EventSink, clock timeutil.Clock) *Pipeline {
	p := &Pipeline{
		segmentID: segmentID,
		tuning:    tuning,
		clock:     clock,
		sink:      sink,
		baseline:  baseline,
		frames:    make(chan Frame, tuning.GetFrameQueueDepth()),
		store:     NewTrackStore(segmentID, TrackStoreConfigFromTuning(tuning)),
	}
	if model != nil {
		p.bindModel(model)
	}
	return p
}

// SegmentID returns the segment this pipeline serves.
func (p *Pipeline) SegmentID() string { return p.segmentID }

// SetCalibration binds or replaces the segment's calibration model and
// resumes frame intake. The feature engine, rule engine and cell grid are
// rebuilt against the new geometry; track and candidate state survives.
func (p *Pipeline) SetCalibration(model *calibration.Model) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindModel(model)
	diagf("pipeline %s: calibration model bound (%d lanes)", p.segmentID, len(model.LaneIDs()))
}

func (p *Pipeline) bindModel(model *calibration.Model) {
	p.model = model
	p.features = NewFeatureEngine(FeatureConfigFromTuning(p.tuning), model)
	p.grid = NewCellGrid(CellConfigFromTuning(p.tuning), model)
	p.rules = NewRuleEngine(RuleConfigFromTuning(p.tuning), p.segmentID, model, p.baseline, p.grid)
}

// UpdateTuning swaps the pipeline's tuning parameters and, when a calibration
// model is bound, rebuilds the engines against them. Track and candidate
// state survives; the frame queue keeps its original depth.
func (p *Pipeline) UpdateTuning(tuning *config.TuningConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tuning = tuning
	if p.model != nil {
		p.bindModel(p.model)
	}
	diagf("pipeline %s: tuning parameters updated", p.segmentID)
}

// SetTrackClosedFunc registers a callback invoked from the worker for every
// terminated track, after its open events have been ended. Used to archive
// finished trajectories. Must be set before Run.
func (p *Pipeline) SetTrackClosedFunc(fn func(*Track)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackClosed = fn
}

// Calibrated reports whether a calibration model is bound.
func (p *Pipeline) Calibrated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model != nil
}

// Submit offers a frame to the pipeline. It never blocks: with no calibration
// bound it fails with *CalibrationMissingError (intake paused, nothing
// dropped silently), and with a full queue the frame is dropped and counted.
func (p *Pipeline) Submit(f Frame) error {
	p.mu.Lock()
	calibrated := p.model != nil
	p.mu.Unlock()
	if !calibrated {
		p.count(func(c *PipelineCounters) { c.FramesUncalibrated++ })
		return &CalibrationMissingError{SegmentID: p.segmentID}
	}

	select {
	case p.frames <- f:
		p.count(func(c *PipelineCounters) { c.FramesAccepted++ })
		return nil
	default:
		p.count(func(c *PipelineCounters) { c.FramesDroppedFull++ })
		opsf("pipeline %s: queue full, dropped frame %d", p.segmentID, f.Index)
		return nil
	}
}

// Run is the pipeline worker loop. It processes frames strictly in arrival
// order and returns once ctx is done, after finishing the frame in hand.
// Unconfirmed candidate state is discarded on shutdown; confirmed transitions
// were already emitted synchronously.
func (p *Pipeline) Run(ctx context.Context) {
	diagf("pipeline %s: worker started", p.segmentID)
	for {
		select {
		case <-ctx.Done():
			diagf("pipeline %s: worker stopping, %d frames processed", p.segmentID, p.Counters().FramesProcessed)
			return
		case f := <-p.frames:
			p.process(f)
		}
	}
}

// process applies one frame end to end. All mutable per-segment state is
// touched only here, under the pipeline lock so snapshot readers see
// consistent state.
func (p *Pipeline) process(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.model == nil {
		p.counters.FramesUncalibrated++
		opsf("pipeline %s: frame %d arrived with calibration unbound", p.segmentID, f.Index)
		return
	}
	if err := f.Validate(); err != nil {
		p.counters.FramesInvalid++
		opsf("pipeline %s: rejected malformed frame: %v", p.segmentID, err)
		return
	}

	deltas, err := p.store.Update(f.Index, f.Timestamp, f.Observations)
	if err != nil {
		p.counters.FramesOutOfOrder++
		opsf("pipeline %s: %v", p.segmentID, err)
		return
	}

	live := p.store.LiveTracks()
	p.grid.Apply(live, p.model)

	// Deterministic per-frame ordering for emission and tests.
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	emitted := 0
	for _, id := range ids {
		d := deltas[id]
		tr := d.Track

		if d.Kind == DeltaTerminated {
			for _, trans := range p.rules.TrackTerminated(tr, f.Index) {
				p.emit(tr, trans, f)
				emitted++
			}
			if !trackHadConfirmedEvent(tr) {
				p.baseline.RecordTrack(tr, f.Timestamp)
			}
			if p.trackClosed != nil {
				p.trackClosed(tr)
			}
			continue
		}

		if _, err := p.features.Recompute(tr, d.Observation, f.Index, live); err != nil {
			// Track keeps its last-good features for this frame.
			p.counters.FeatureErrors++
			opsf("pipeline %s: %v", p.segmentID, err)
		}

		if tr.State == TrackStarting {
			continue
		}
		for _, trans := range p.rules.Evaluate(tr, tr.Features, f.Index) {
			p.emit(tr, trans, f)
			emitted++
		}
	}

	p.counters.FramesProcessed++
	tracef("pipeline %s: frame %d, %d obs, %d tracks, %d events",
		p.segmentID, f.Index, len(f.Observations), p.store.Len(), emitted)
}

func (p *Pipeline) emit(tr *Track, trans Transition, f Frame) {
	ev := p.rules.EventFromTransition(tr, trans, f.Timestamp)
	p.counters.EventsEmitted++
	if p.sink != nil {
		p.sink.Emit(ev)
	}
}

func trackHadConfirmedEvent(tr *Track) bool {
	for _, c := range tr.candidates {
		if c.ConfirmedFrame > 0 || c.State == EventConfirmed {
			return true
		}
	}
	return false
}

func (p *Pipeline) count(fn func(*PipelineCounters)) {
	p.mu.Lock()
	fn(&p.counters)
	p.mu.Unlock()
}

// Counters returns a copy of the pipeline's cumulative totals.
func (p *Pipeline) Counters() PipelineCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// TrackSummary is a read-only snapshot of one live track for inspection.
type TrackSummary struct {
	TargetID  string     `json:"target_id"`
	State     TrackState `json:"state"`
	Lane      int        `json:"lane"`
	RoadDist  float64    `json:"road_distance"`
	SpeedMps  float64    `json:"speed_mps"`
	Class     string     `json:"class"`
	LastFrame int64      `json:"last_frame"`
	Age       int64      `json:"age_frames"`
}

// TracksSnapshot returns summaries of every live track, sorted by target id.
func (p *Pipeline) TracksSnapshot() []TrackSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TrackSummary, 0, p.store.Len())
	for _, tr := range p.store.LiveTracks() {
		out = append(out, TrackSummary{
			TargetID:  tr.TargetID,
			State:     tr.State,
			Lane:      tr.Lane,
			RoadDist:  tr.RoadDist,
			SpeedMps:  tr.Features.SpeedMps,
			Class:     tr.Class,
			LastFrame: tr.LastFrame,
			Age:       tr.Age(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// BaselineSnapshot returns the segment's committed per-lane baselines.
func (p *Pipeline) BaselineSnapshot() map[int]LaneBaseline {
	return p.baseline.Snapshot()
}
