package highway

import (
	"math"
	"time"
)

// TrackState is the lifecycle state of a track.
type TrackState string

const (
	// TrackStarting covers a freshly created track that has not yet produced
	// enough consistent observations to be trusted by the rule engine.
	TrackStarting TrackState = "starting"
	// TrackActive is a confirmed, currently observed track.
	TrackActive TrackState = "active"
	// TrackCoasting preserves identity across brief radar dropout. No fresh
	// observations arrive, but the track has not been given up on yet.
	TrackCoasting TrackState = "coasting"
	// TrackTerminated marks a track evicted from the store. Its identifier
	// slot is free for reuse with no state carried over.
	TrackTerminated TrackState = "terminated"
)

// maxHistoryPoints bounds the per-track trajectory tail kept for finite
// difference fallbacks and debugging. Features never rescan it.
const maxHistoryPoints = 64

// TrackPoint is one retained trajectory sample.
type TrackPoint struct {
	FrameIndex int64
	Timestamp  time.Time
	X, Y       float64
	SpeedMps   float64
}

// Track is the authoritative per-vehicle state, keyed by target id and owned
// exclusively by its TrackStore.
type Track struct {
	TargetID  string
	SegmentID string
	State     TrackState

	// Matching counters. Hits is consecutive observed frames, Misses is
	// consecutive unobserved frames; each resets the other.
	Hits   int
	Misses int

	FirstFrame int64
	LastFrame  int64
	FirstTime  time.Time
	LastTime   time.Time

	// Latest raw position and velocity in the radar frame.
	X, Y   float64
	VX, VY float64

	// Road-relative position from the calibration model. Lane is zero until
	// the first successful mapping.
	Lane     int
	RoadDist float64

	Class      string
	Confidence float64

	ObservationCount int
	History          []TrackPoint

	Features FeatureSet

	// Per-event-type confirmation state machines, created lazily by the rule
	// engine the first time a rule fires for this track.
	candidates map[EventType]*EventCandidate
}

// Speed is the magnitude of the track's current velocity estimate.
func (t *Track) Speed() float64 {
	return math.Hypot(t.VX, t.VY)
}

// Age is the number of frames since the track was created.
func (t *Track) Age() int64 {
	return t.LastFrame - t.FirstFrame
}

// IsLive reports whether the track still occupies a store slot.
func (t *Track) IsLive() bool {
	return t.State != TrackTerminated
}

func (t *Track) appendPoint(p TrackPoint) {
	t.History = append(t.History, p)
	if len(t.History) > maxHistoryPoints {
		t.History = t.History[len(t.History)-maxHistoryPoints:]
	}
}

// lastPoints returns the most recent n trajectory samples, oldest first.
func (t *Track) lastPoints(n int) []TrackPoint {
	if len(t.History) <= n {
		return t.History
	}
	return t.History[len(t.History)-n:]
}

// candidate returns the live (non-ended) state machine for an event type, or
// nil when none is open.
func (t *Track) candidate(ev EventType) *EventCandidate {
	if t.candidates == nil {
		return nil
	}
	c := t.candidates[ev]
	if c == nil || c.State == EventEnded {
		return nil
	}
	return c
}

func (t *Track) setCandidate(c *EventCandidate) {
	if t.candidates == nil {
		t.candidates = make(map[EventType]*EventCandidate)
	}
	t.candidates[c.Type] = c
}

// openCandidates returns every non-ended state machine on the track.
func (t *Track) openCandidates() []*EventCandidate {
	var out []*EventCandidate
	for _, c := range t.candidates {
		if c.State != EventEnded && c.State != EventNone {
			out = append(out, c)
		}
	}
	return out
}
