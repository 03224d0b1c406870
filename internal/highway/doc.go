// Package highway turns per-frame radar detections from a monitored highway
// segment into persistent vehicle tracks and typed traffic-safety events.
//
// The processing chain per frame is: TrackStore.Update matches observations to
// tracks, the FeatureEngine refreshes each touched track's kinematic features,
// and the RuleEngine drives per-(track, event-type) confirmation state machines
// that emit confirmed/ended event transitions exactly once per instance. The
// Pipeline type sequences these stages for one segment; independent segments
// run their own Pipeline with no shared state.
package highway
