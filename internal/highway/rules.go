package highway

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/traffic.report/internal/calibration"
	"github.com/banshee-data/traffic.report/internal/config"
)

// RuleConfig carries the classification thresholds for one rule engine.
type RuleConfig struct {
	FramesPerSecond float64
	LowSpeedEpsilon float64

	// SustainFrames is the hysteresis window for sustained-type rules: the
	// number of consecutive confirming frames required before CANDIDATE
	// becomes CONFIRMED.
	SustainFrames int

	StopDwellFrames int

	LowSpeedRatio  float64
	HighSpeedRatio float64

	// EmergencyBrakeDecel is the deceleration magnitude, m/s², that fires the
	// single-shot emergencyBrake rule and feeds incident corroboration.
	EmergencyBrakeDecel         float64
	IncidentCorroborationFrames int
	IncidentRadiusMetres        float64

	CrowdDensityRatio     float64
	OccupationDwellFrames int

	SpillDangerThreshold float64
}

// RuleConfigFromTuning pulls rule thresholds out of a tuning config.
func RuleConfigFromTuning(cfg *config.TuningConfig) RuleConfig {
	return RuleConfig{
		FramesPerSecond:             cfg.GetFramesPerSecond(),
		LowSpeedEpsilon:             cfg.GetLowSpeedEpsilon(),
		SustainFrames:               cfg.GetSustainFrames(),
		StopDwellFrames:             cfg.GetStopDwellFrames(),
		LowSpeedRatio:               cfg.GetLowSpeedRatio(),
		HighSpeedRatio:              cfg.GetHighSpeedRatio(),
		EmergencyBrakeDecel:         cfg.GetEmergencyBrakeDecel(),
		IncidentCorroborationFrames: cfg.GetIncidentCorroborationFrames(),
		IncidentRadiusMetres:        cfg.GetIncidentRadiusMetres(),
		CrowdDensityRatio:           cfg.GetCrowdDensityRatio(),
		OccupationDwellFrames:       cfg.GetOccupationDwellFrames(),
		SpillDangerThreshold:        cfg.GetSpillDangerThreshold(),
	}
}

// RuleCounters are cumulative totals for one engine's lifetime.
type RuleCounters struct {
	Evaluations int64
	RuleErrors  int64
	Confirmed   int64
	Ended       int64
}

// brakeRecord is one hard-deceleration sighting kept for incident
// corroboration.
type brakeRecord struct {
	trackID  string
	frame    int64
	lane     int
	roadDist float64
}

// RuleEngine drives the eight per-(track, event-type) confirmation state
// machines for one segment. Not safe for concurrent use; the segment pipeline
// serializes all access.
type RuleEngine struct {
	cfg       RuleConfig
	segmentID string
	model     *calibration.Model
	baseline  *TrafficBaseline
	grid      *CellGrid

	recentBrakes []brakeRecord
	// Confirmed incident groups by sorted participant key, so the same
	// collision is reported once rather than once per involved track.
	incidentGroups map[string]bool
	// Last evaluated speed per live track, so a confirmed incident ends when
	// any participant resumes motion, not just the owning track.
	lastSpeeds map[string]float64
	counters   RuleCounters
}

// NewRuleEngine builds a rule engine over one segment's calibration model,
// baseline and cell grid.
func NewRuleEngine(cfg RuleConfig, segmentID string, model *calibration.Model, baseline *TrafficBaseline, grid *CellGrid) *RuleEngine {
	return &RuleEngine{
		cfg:        cfg,
		segmentID:  segmentID,
		model:      model,
		baseline:   baseline,
		grid:       grid,
		lastSpeeds: make(map[string]float64),
	}
}

// Evaluate runs every rule against one track for one frame and returns the
// observable (confirmed/ended) transitions. A failure in one rule is logged
// and that state machine holds its prior state; the remaining rules still
// run.
func (e *RuleEngine) Evaluate(tr *Track, fs FeatureSet, frameIndex int64) []Transition {
	e.counters.Evaluations++
	e.noteBraking(tr, fs, frameIndex)
	e.lastSpeeds[tr.TargetID] = fs.SpeedMps

	type rule struct {
		ev EventType
		fn func(*Track, FeatureSet, int64) ([]Transition, error)
	}
	rules := []rule{
		{EventSpill, e.evalSpill},
		{EventStop, e.evalStop},
		{EventLowSpeed, e.evalLowSpeed},
		{EventHighSpeed, e.evalHighSpeed},
		{EventEmergencyBrake, e.evalEmergencyBrake},
		{EventIncident, e.evalIncident},
		{EventCrowd, e.evalCrowd},
		{EventIllegalOccupation, e.evalIllegalOccupation},
	}

	var out []Transition
	for _, r := range rules {
		trans, err := r.fn(tr, fs, frameIndex)
		if err != nil {
			e.counters.RuleErrors++
			opsf("rules %s: %v", e.segmentID, &RuleEvaluationError{TrackID: tr.TargetID, Event: r.ev, Err: err})
			continue
		}
		out = append(out, trans...)
	}
	e.tally(out)
	return out
}

// TrackTerminated closes out a terminated track's machines: confirmed
// instances end (downstream needs the close-out notice), unconfirmed
// candidacies are discarded silently.
func (e *RuleEngine) TrackTerminated(tr *Track, frameIndex int64) []Transition {
	var out []Transition
	for _, c := range tr.openCandidates() {
		if c.State == EventConfirmed {
			c.State = EventEnded
			c.EndFrame = frameIndex
			if c.Type == EventIncident {
				delete(e.incidentGroups, incidentKey(c.TrackID, c.RelatedTrackIDs))
			}
			out = append(out, Transition{Candidate: c, To: EventEnded})
		} else {
			c.State = EventEnded
			c.EndFrame = frameIndex
		}
	}
	// Drop the track's pending brake records and speed so its id can be
	// reused cleanly.
	delete(e.lastSpeeds, tr.TargetID)
	kept := e.recentBrakes[:0]
	for _, b := range e.recentBrakes {
		if b.trackID != tr.TargetID {
			kept = append(kept, b)
		}
	}
	e.recentBrakes = kept
	e.tally(out)
	return out
}

// Counters returns a copy of the engine's cumulative totals.
func (e *RuleEngine) Counters() RuleCounters { return e.counters }

func (e *RuleEngine) tally(trans []Transition) {
	for _, t := range trans {
		switch t.To {
		case EventConfirmed:
			e.counters.Confirmed++
		case EventEnded:
			e.counters.Ended++
		}
	}
}

// stepSustained is the shared machinery for sustained-type rules: candidacy
// opens on the first firing frame, confirmation requires confirmAfter
// consecutive firing frames, a single non-firing frame before confirmation
// discards the candidacy, and a non-firing frame after confirmation ends the
// instance.
func (e *RuleEngine) stepSustained(tr *Track, ev EventType, fs FeatureSet, frameIndex int64, firing bool, confirmAfter int) []Transition {
	c := tr.candidate(ev)
	if c == nil {
		if firing {
			tr.setCandidate(newCandidate(tr.TargetID, ev, frameIndex, fs))
			tracef("rules %s: track %s %s candidacy opened at frame %d", e.segmentID, tr.TargetID, ev, frameIndex)
		}
		return nil
	}

	switch c.State {
	case EventCandidacy:
		if !firing {
			c.State = EventEnded
			c.EndFrame = frameIndex
			return nil
		}
		c.ConfirmCount++
		if c.ConfirmCount >= confirmAfter {
			c.State = EventConfirmed
			c.ConfirmedFrame = frameIndex
			diagf("rules %s: track %s %s confirmed at frame %d after %d frames",
				e.segmentID, tr.TargetID, ev, frameIndex, c.ConfirmCount)
			return []Transition{{Candidate: c, To: EventConfirmed}}
		}
	case EventConfirmed:
		if !firing {
			c.State = EventEnded
			c.EndFrame = frameIndex
			return []Transition{{Candidate: c, To: EventEnded}}
		}
	}
	return nil
}

func (e *RuleEngine) evalSpill(tr *Track, fs FeatureSet, frameIndex int64) ([]Transition, error) {
	if e.grid == nil {
		return nil, fmt.Errorf("no cell grid bound")
	}
	inLane := tr.Lane != 0 && !fs.InEmergencyLane
	dwelled := fs.StationaryFrames >= e.cfg.StopDwellFrames
	vehicle := tr.Class != ClassStatic && tr.Class != ClassUnknown
	firing := inLane && !vehicle && dwelled
	return e.stepSustained(tr, EventSpill, fs, frameIndex, firing, e.cfg.SustainFrames), nil
}

func (e *RuleEngine) evalStop(tr *Track, fs FeatureSet, frameIndex int64) ([]Transition, error) {
	inTravelLane := tr.Lane != 0 && !fs.InEmergencyLane
	vehicle := tr.Class != ClassStatic && tr.Class != ClassUnknown
	firing := inTravelLane && vehicle && fs.SpeedMps < e.cfg.LowSpeedEpsilon
	return e.stepSustained(tr, EventStop, fs, frameIndex, firing, e.cfg.StopDwellFrames), nil
}

func (e *RuleEngine) evalLowSpeed(tr *Track, fs FeatureSet, frameIndex int64) ([]Transition, error) {
	bl := e.baseline.Get(tr.Lane)
	if bl.FreeFlowSpeedMps <= 0 {
		return nil, fmt.Errorf("non-positive free-flow baseline %v for lane %d", bl.FreeFlowSpeedMps, tr.Lane)
	}
	// A fully stopped vehicle belongs to the stop rule, not lowSpeed.
	firing := tr.Lane != 0 &&
		fs.SpeedMps >= e.cfg.LowSpeedEpsilon &&
		fs.SpeedMps < bl.FreeFlowSpeedMps*e.cfg.LowSpeedRatio
	return e.stepSustained(tr, EventLowSpeed, fs, frameIndex, firing, e.cfg.SustainFrames), nil
}

func (e *RuleEngine) evalHighSpeed(tr *Track, fs FeatureSet, frameIndex int64) ([]Transition, error) {
	bl := e.baseline.Get(tr.Lane)
	if bl.FreeFlowSpeedMps <= 0 {
		return nil, fmt.Errorf("non-positive free-flow baseline %v for lane %d", bl.FreeFlowSpeedMps, tr.Lane)
	}
	firing := tr.Lane != 0 && fs.SpeedMps > bl.FreeFlowSpeedMps*e.cfg.HighSpeedRatio
	return e.stepSustained(tr, EventHighSpeed, fs, frameIndex, firing, e.cfg.SustainFrames), nil
}

// evalEmergencyBrake is single-shot: the instance confirms on the frame the
// deceleration threshold is crossed and auto-ends on the next evaluation.
func (e *RuleEngine) evalEmergencyBrake(tr *Track, fs FeatureSet, frameIndex int64) ([]Transition, error) {
	if c := tr.candidate(EventEmergencyBrake); c != nil {
		if c.State == EventConfirmed && frameIndex > c.ConfirmedFrame {
			c.State = EventEnded
			c.EndFrame = frameIndex
			return []Transition{{Candidate: c, To: EventEnded}}, nil
		}
		return nil, nil
	}
	if fs.AccelMps2 > -e.cfg.EmergencyBrakeDecel {
		return nil, nil
	}
	c := newCandidate(tr.TargetID, EventEmergencyBrake, frameIndex, fs)
	c.State = EventConfirmed
	c.ConfirmedFrame = frameIndex
	tr.setCandidate(c)
	diagf("rules %s: track %s emergency brake %.1f m/s² at frame %d",
		e.segmentID, tr.TargetID, fs.AccelMps2, frameIndex)
	return []Transition{{Candidate: c, To: EventConfirmed}}, nil
}

func (e *RuleEngine) evalIncident(tr *Track, fs FeatureSet, frameIndex int64) ([]Transition, error) {
	c := tr.candidate(EventIncident)

	if c != nil && c.State == EventConfirmed {
		if e.participantResumed(c, fs) {
			c.State = EventEnded
			c.EndFrame = frameIndex
			delete(e.incidentGroups, incidentKey(c.TrackID, c.RelatedTrackIDs))
			return []Transition{{Candidate: c, To: EventEnded}}, nil
		}
		return nil, nil
	}

	braked, _ := e.ownBrake(tr.TargetID, frameIndex)
	if c == nil {
		if braked {
			tr.setCandidate(newCandidate(tr.TargetID, EventIncident, frameIndex, fs))
		}
		return nil, nil
	}

	// Candidacy open: look for another hard-braking track close by within the
	// corroboration window.
	if !braked && fs.SpeedMps > e.cfg.LowSpeedEpsilon {
		c.State = EventEnded
		c.EndFrame = frameIndex
		return nil, nil
	}
	related := e.corroborators(tr, frameIndex)
	if len(related) == 0 {
		if frameIndex-c.FirstFrame > int64(e.cfg.IncidentCorroborationFrames) {
			// Corroboration window passed with nobody else braking nearby; a
			// lone hard stop is not an incident.
			c.State = EventEnded
			c.EndFrame = frameIndex
		} else {
			c.ConfirmCount++
		}
		return nil, nil
	}
	key := incidentKey(tr.TargetID, related)
	if e.incidentGroups[key] {
		// Another participant already reported this collision; fold this
		// track's candidacy into that instance silently.
		c.State = EventEnded
		c.EndFrame = frameIndex
		return nil, nil
	}
	if e.incidentGroups == nil {
		e.incidentGroups = make(map[string]bool)
	}
	e.incidentGroups[key] = true
	c.State = EventConfirmed
	c.ConfirmedFrame = frameIndex
	c.RelatedTrackIDs = related
	diagf("rules %s: track %s incident confirmed at frame %d with %v",
		e.segmentID, tr.TargetID, frameIndex, related)
	return []Transition{{Candidate: c, To: EventConfirmed}}, nil
}

func (e *RuleEngine) evalCrowd(tr *Track, fs FeatureSet, frameIndex int64) ([]Transition, error) {
	bl := e.baseline.Get(tr.Lane)
	if bl.DensityNorm <= 0 {
		return nil, fmt.Errorf("non-positive density baseline %v for lane %d", bl.DensityNorm, tr.Lane)
	}
	firing := tr.Lane != 0 && float64(fs.LocalDensity) > bl.DensityNorm*e.cfg.CrowdDensityRatio
	return e.stepSustained(tr, EventCrowd, fs, frameIndex, firing, e.cfg.SustainFrames), nil
}

func (e *RuleEngine) evalIllegalOccupation(tr *Track, fs FeatureSet, frameIndex int64) ([]Transition, error) {
	vehicle := tr.Class != ClassStatic && tr.Class != ClassUnknown
	firing := vehicle && fs.InEmergencyLane
	return e.stepSustained(tr, EventIllegalOccupation, fs, frameIndex, firing, e.cfg.OccupationDwellFrames), nil
}

// noteBraking records hard decelerations for incident corroboration and
// prunes records that aged out of the window.
func (e *RuleEngine) noteBraking(tr *Track, fs FeatureSet, frameIndex int64) {
	cutoff := frameIndex - int64(e.cfg.IncidentCorroborationFrames)
	kept := e.recentBrakes[:0]
	for _, b := range e.recentBrakes {
		if b.frame >= cutoff {
			kept = append(kept, b)
		}
	}
	e.recentBrakes = kept

	if fs.AccelMps2 <= -e.cfg.EmergencyBrakeDecel {
		e.recentBrakes = append(e.recentBrakes, brakeRecord{
			trackID:  tr.TargetID,
			frame:    frameIndex,
			lane:     tr.Lane,
			roadDist: tr.RoadDist,
		})
	}
}

// participantResumed reports whether the owning track or any related
// participant of a confirmed incident has moved past the low-speed epsilon.
// Related speeds are the last evaluated ones, at most one frame behind.
func (e *RuleEngine) participantResumed(c *EventCandidate, fs FeatureSet) bool {
	if fs.SpeedMps > e.cfg.LowSpeedEpsilon {
		return true
	}
	for _, id := range c.RelatedTrackIDs {
		if sp, ok := e.lastSpeeds[id]; ok && sp > e.cfg.LowSpeedEpsilon {
			return true
		}
	}
	return false
}

// ownBrake reports whether the track itself has a brake record inside the
// corroboration window.
func (e *RuleEngine) ownBrake(trackID string, frameIndex int64) (bool, int64) {
	cutoff := frameIndex - int64(e.cfg.IncidentCorroborationFrames)
	for _, b := range e.recentBrakes {
		if b.trackID == trackID && b.frame >= cutoff {
			return true, b.frame
		}
	}
	return false, 0
}

// incidentKey is the canonical identity of one multi-track collision: the
// sorted set of participating track ids.
func incidentKey(trackID string, related []string) string {
	ids := append([]string{trackID}, related...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// corroborators returns other hard-braking tracks within the incident radius
// and corroboration window.
func (e *RuleEngine) corroborators(tr *Track, frameIndex int64) []string {
	cutoff := frameIndex - int64(e.cfg.IncidentCorroborationFrames)
	seen := map[string]bool{tr.TargetID: true}
	var out []string
	for _, b := range e.recentBrakes {
		if b.frame < cutoff || seen[b.trackID] {
			continue
		}
		if math.Abs(b.roadDist-tr.RoadDist) > e.cfg.IncidentRadiusMetres {
			continue
		}
		seen[b.trackID] = true
		out = append(out, b.trackID)
	}
	return out
}

// EventFromTransition builds the downstream event record for one observable
// transition.
func (e *RuleEngine) EventFromTransition(tr *Track, trans Transition, ts time.Time) Event {
	c := trans.Candidate
	ev := Event{
		EventID:         c.ID,
		Type:            c.Type,
		SegmentID:       e.segmentID,
		TrackID:         c.TrackID,
		RelatedTrackIDs: c.RelatedTrackIDs,
		Lane:            tr.Lane,
		RoadDist:        tr.RoadDist,
		SpeedMps:        tr.Features.SpeedMps,
		StartFrame:      c.FirstFrame,
		Confidence:      eventConfidence(tr),
		Timestamp:       ts,
	}
	if trans.To == EventEnded {
		end := c.EndFrame
		ev.EndFrame = &end
	}
	if c.Type == EventSpill && e.grid != nil && e.model != nil {
		// The cell danger model corroborates debris sightings.
		danger := e.grid.DangerAt(tr.Lane, tr.RoadDist, e.model)
		if danger >= e.cfg.SpillDangerThreshold {
			ev.Confidence = math.Min(1, ev.Confidence+danger/2)
		}
	}
	return ev
}

func eventConfidence(tr *Track) float64 {
	c := 0.3 + 0.7*tr.Confidence
	if c > 1 {
		c = 1
	}
	return c
}
