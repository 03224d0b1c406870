package highway

import "fmt"

// SequenceError reports an out-of-order or duplicate frame index. The frame is
// rejected without mutating any state; the pipeline keeps waiting for the next
// valid frame.
type SequenceError struct {
	SegmentID string
	LastIndex int64
	GotIndex  int64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("segment %s: frame index %d not after last applied %d",
		e.SegmentID, e.GotIndex, e.LastIndex)
}

// CalibrationMissingError reports that a segment has no calibration model
// bound. Frame intake for the segment is paused until one is supplied; the
// core never retries calibration itself.
type CalibrationMissingError struct {
	SegmentID string
}

func (e *CalibrationMissingError) Error() string {
	return fmt.Sprintf("segment %s: no calibration model bound", e.SegmentID)
}

// FeatureComputationError reports a per-track feature failure. The track keeps
// its last-good features for the frame; other tracks are unaffected.
type FeatureComputationError struct {
	TrackID string
	Err     error
}

func (e *FeatureComputationError) Error() string {
	return fmt.Sprintf("track %s: feature computation: %v", e.TrackID, e.Err)
}

func (e *FeatureComputationError) Unwrap() error { return e.Err }

// RuleEvaluationError reports a per-(track, event-type) rule failure. The
// affected state machine holds its prior state; evaluation of other rules and
// tracks continues.
type RuleEvaluationError struct {
	TrackID string
	Event   EventType
	Err     error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("track %s: rule %s: %v", e.TrackID, e.Event, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }
