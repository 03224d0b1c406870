package highway

import (
	"time"

	"github.com/banshee-data/traffic.report/internal/config"
)

// DeltaKind classifies what happened to a track during one Update call.
type DeltaKind string

const (
	DeltaCreated    DeltaKind = "created"
	DeltaUpdated    DeltaKind = "updated"
	DeltaCoasting   DeltaKind = "coasting"
	DeltaTerminated DeltaKind = "terminated"
)

// TrackDelta tells downstream stages which tracks changed this frame and how.
// Observation is nil for coasting and terminated deltas.
type TrackDelta struct {
	Track       *Track
	Kind        DeltaKind
	Observation *Observation
}

// TrackStoreConfig carries the lifecycle thresholds for one store.
type TrackStoreConfig struct {
	MaxTracks            int
	HitsToActivate       int
	CoastingAfterMisses  int
	TerminateAfterMisses int
}

// TrackStoreConfigFromTuning pulls the store thresholds out of a tuning
// config, applying defaults for unset fields.
func TrackStoreConfigFromTuning(cfg *config.TuningConfig) TrackStoreConfig {
	return TrackStoreConfig{
		MaxTracks:            cfg.GetMaxTracks(),
		HitsToActivate:       cfg.GetHitsToActivate(),
		CoastingAfterMisses:  cfg.GetCoastingAfterMisses(),
		TerminateAfterMisses: cfg.GetTerminateAfterMisses(),
	}
}

// TrackStoreCounters are cumulative totals for one store's lifetime, exposed
// for monitoring.
type TrackStoreCounters struct {
	FramesApplied    int64
	TracksCreated    int64
	TracksTerminated int64
	DroppedCapacity  int64
	DroppedDuplicate int64
}

// TrackStore owns the live tracks for one segment. It is not safe for
// concurrent use; the segment pipeline serializes all access.
type TrackStore struct {
	segmentID string
	cfg       TrackStoreConfig

	tracks    map[string]*Track
	lastFrame int64
	applied   bool

	counters TrackStoreCounters
}

// NewTrackStore builds an empty store for one segment.
func NewTrackStore(segmentID string, cfg TrackStoreConfig) *TrackStore {
	return &TrackStore{
		segmentID: segmentID,
		cfg:       cfg,
		tracks:    make(map[string]*Track),
	}
}

// Update applies one frame's observations. Frame indices must be strictly
// increasing; an out-of-order or duplicate index is rejected with
// *SequenceError and no state changes. The returned map holds a delta for
// every track touched this frame, keyed by target id.
func (s *TrackStore) Update(frameIndex int64, ts time.Time, observations []Observation) (map[string]*TrackDelta, error) {
	if s.applied && frameIndex <= s.lastFrame {
		return nil, &SequenceError{SegmentID: s.segmentID, LastIndex: s.lastFrame, GotIndex: frameIndex}
	}

	deltas := make(map[string]*TrackDelta, len(observations))
	seen := make(map[string]bool, len(observations))

	for i := range observations {
		obs := &observations[i]
		if seen[obs.TargetID] {
			// One reading per target per frame; later duplicates lose.
			s.counters.DroppedDuplicate++
			tracef("store %s: frame %d duplicate target %s dropped", s.segmentID, frameIndex, obs.TargetID)
			continue
		}
		seen[obs.TargetID] = true

		if tr, ok := s.tracks[obs.TargetID]; ok {
			s.applyObservation(tr, frameIndex, ts, obs)
			deltas[tr.TargetID] = &TrackDelta{Track: tr, Kind: DeltaUpdated, Observation: obs}
			continue
		}

		if len(s.tracks) >= s.cfg.MaxTracks {
			s.counters.DroppedCapacity++
			opsf("store %s: frame %d at capacity (%d tracks), dropping new target %s",
				s.segmentID, frameIndex, len(s.tracks), obs.TargetID)
			continue
		}

		tr := s.createTrack(frameIndex, ts, obs)
		s.tracks[tr.TargetID] = tr
		s.counters.TracksCreated++
		deltas[tr.TargetID] = &TrackDelta{Track: tr, Kind: DeltaCreated, Observation: obs}
	}

	// Advance idle counters for everything unobserved this frame.
	for id, tr := range s.tracks {
		if seen[id] {
			continue
		}
		tr.Hits = 0
		tr.Misses++

		switch {
		case tr.Misses > s.cfg.TerminateAfterMisses:
			tr.State = TrackTerminated
			delete(s.tracks, id)
			s.counters.TracksTerminated++
			deltas[id] = &TrackDelta{Track: tr, Kind: DeltaTerminated}
			diagf("store %s: frame %d terminated track %s after %d misses (%d obs over %d frames)",
				s.segmentID, frameIndex, id, tr.Misses, tr.ObservationCount, tr.Age())
		case tr.Misses > s.cfg.CoastingAfterMisses:
			if tr.State == TrackActive {
				tr.State = TrackCoasting
			}
			deltas[id] = &TrackDelta{Track: tr, Kind: DeltaCoasting}
		default:
			// Inside the short dropout tolerance; no delta emitted.
		}
	}

	s.lastFrame = frameIndex
	s.applied = true
	s.counters.FramesApplied++
	return deltas, nil
}

func (s *TrackStore) createTrack(frameIndex int64, ts time.Time, obs *Observation) *Track {
	tr := &Track{
		TargetID:         obs.TargetID,
		SegmentID:        s.segmentID,
		State:            TrackStarting,
		Hits:             1,
		FirstFrame:       frameIndex,
		LastFrame:        frameIndex,
		FirstTime:        ts,
		LastTime:         ts,
		X:                obs.X,
		Y:                obs.Y,
		VX:               obs.VX,
		VY:               obs.VY,
		Class:            obs.Class,
		Confidence:       obs.Confidence,
		ObservationCount: 1,
	}
	tr.appendPoint(TrackPoint{FrameIndex: frameIndex, Timestamp: ts, X: obs.X, Y: obs.Y, SpeedMps: obs.Speed()})
	if s.cfg.HitsToActivate <= 1 {
		tr.State = TrackActive
	}
	return tr
}

func (s *TrackStore) applyObservation(tr *Track, frameIndex int64, ts time.Time, obs *Observation) {
	tr.Hits++
	tr.Misses = 0
	tr.LastFrame = frameIndex
	tr.LastTime = ts
	tr.X, tr.Y = obs.X, obs.Y
	tr.VX, tr.VY = obs.VX, obs.VY
	tr.Confidence = obs.Confidence
	if obs.Class != "" {
		tr.Class = obs.Class
	}
	tr.ObservationCount++
	tr.appendPoint(TrackPoint{FrameIndex: frameIndex, Timestamp: ts, X: obs.X, Y: obs.Y, SpeedMps: obs.Speed()})

	switch tr.State {
	case TrackStarting:
		if tr.Hits >= s.cfg.HitsToActivate {
			tr.State = TrackActive
		}
	case TrackCoasting:
		tr.State = TrackActive
	}
}

// Track returns the live track for a target id, or nil.
func (s *TrackStore) Track(id string) *Track {
	return s.tracks[id]
}

// LiveTracks returns all tracks currently held by the store. The slice is
// fresh; the pointed-to tracks are shared.
func (s *TrackStore) LiveTracks() []*Track {
	out := make([]*Track, 0, len(s.tracks))
	for _, tr := range s.tracks {
		out = append(out, tr)
	}
	return out
}

// Len is the number of live tracks.
func (s *TrackStore) Len() int { return len(s.tracks) }

// LastFrame is the index of the most recently applied frame.
func (s *TrackStore) LastFrame() int64 { return s.lastFrame }

// Counters returns a copy of the store's cumulative totals.
func (s *TrackStore) Counters() TrackStoreCounters { return s.counters }
