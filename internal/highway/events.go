package highway

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies one of the traffic-safety event classes.
type EventType string

const (
	EventSpill             EventType = "spill"
	EventStop              EventType = "stop"
	EventLowSpeed          EventType = "lowSpeed"
	EventHighSpeed         EventType = "highSpeed"
	EventEmergencyBrake    EventType = "emergencyBrake"
	EventIncident          EventType = "incident"
	EventCrowd             EventType = "crowd"
	EventIllegalOccupation EventType = "illegalOccupation"
)

// AllEventTypes lists every event class in evaluation order.
var AllEventTypes = []EventType{
	EventSpill,
	EventStop,
	EventLowSpeed,
	EventHighSpeed,
	EventEmergencyBrake,
	EventIncident,
	EventCrowd,
	EventIllegalOccupation,
}

// EventState is the confirmation lifecycle stage of one event instance.
type EventState string

const (
	EventNone      EventState = "none"
	EventCandidacy EventState = "candidate"
	EventConfirmed EventState = "confirmed"
	EventEnded     EventState = "ended"
)

// EventCandidate is the per-(track, event-type) confirmation state machine.
// At most one non-ended instance exists per pair; a new one may open only
// after the previous instance ends. Once confirmed, the instance never
// regresses (downstream has already been notified).
type EventCandidate struct {
	ID      string
	TrackID string
	Type    EventType
	State   EventState

	FirstFrame     int64
	ConfirmCount   int
	ConfirmedFrame int64
	EndFrame       int64

	// Snapshot of the features that opened the candidacy, carried onto the
	// emitted event record.
	Snapshot FeatureSet

	// Additional corroborating tracks, only populated for incident events.
	RelatedTrackIDs []string
}

func newCandidate(trackID string, ev EventType, frameIndex int64, snapshot FeatureSet) *EventCandidate {
	return &EventCandidate{
		ID:           uuid.New().String(),
		TrackID:      trackID,
		Type:         ev,
		State:        EventCandidacy,
		FirstFrame:   frameIndex,
		ConfirmCount: 1,
		Snapshot:     snapshot,
	}
}

// Transition is one observable state change produced by rule evaluation.
// Only confirmed and ended transitions are surfaced; internal candidacy
// bookkeeping stays inside the engine.
type Transition struct {
	Candidate *EventCandidate
	To        EventState
}

// Event is the downstream record emitted once per confirmed or ended
// transition. EndFrame is nil until the instance ends.
type Event struct {
	EventID         string    `json:"event_id"`
	Type            EventType `json:"event_type"`
	SegmentID       string    `json:"segment_id"`
	TrackID         string    `json:"track_id"`
	RelatedTrackIDs []string  `json:"related_track_ids,omitempty"`
	Lane            int       `json:"lane"`
	RoadDist        float64   `json:"road_distance"`
	SpeedMps        float64   `json:"speed_mps"`
	StartFrame      int64     `json:"start_frame"`
	EndFrame        *int64    `json:"end_frame"`
	Confidence      float64   `json:"confidence"`
	Timestamp       time.Time `json:"timestamp"`
}
