package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/traffic.report/internal/highway"
)

type fakeSubmitter struct {
	frames []highway.Frame
	err    error
}

func (s *fakeSubmitter) Submit(f highway.Frame) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func testConsumer(route func(string) Submitter) *Consumer {
	return NewConsumer(Config{Addr: "localhost:0"}, route)
}

func framePayload(t *testing.T, f highway.Frame) []byte {
	t.Helper()
	b, err := json.Marshal(f)
	require.NoError(t, err, "marshal frame")
	return b
}

func TestHandlePayloadRoutesFrame(t *testing.T) {
	sink := &fakeSubmitter{}
	c := testConsumer(func(seg string) Submitter {
		assert.Equal(t, "seg-a", seg)
		return sink
	})

	f := highway.Frame{
		SegmentID: "seg-a",
		Index:     7,
		Timestamp: time.Unix(1700000000, 0),
		Observations: []highway.Observation{
			{TargetID: "t1", X: 1, Y: 2, VX: 20, Confidence: 0.9, Class: highway.ClassCar},
		},
	}
	c.handlePayload(framePayload(t, f))

	require.Len(t, sink.frames, 1)
	assert.Equal(t, int64(7), sink.frames[0].Index)
	assert.Len(t, sink.frames[0].Observations, 1)

	n := c.Counters()
	assert.Equal(t, int64(1), n.FramesReceived)
	assert.Equal(t, int64(1), n.FramesRouted)
}

func TestHandlePayloadDropsBadJSON(t *testing.T) {
	c := testConsumer(func(string) Submitter {
		t.Error("bad payload should not be routed")
		return nil
	})
	c.handlePayload([]byte("{not json"))

	n := c.Counters()
	assert.Equal(t, int64(1), n.FramesBadPayload)
	assert.Equal(t, int64(0), n.FramesRouted)
}

func TestHandlePayloadDropsInvalidFrame(t *testing.T) {
	c := testConsumer(func(string) Submitter {
		t.Error("invalid frame should not be routed")
		return nil
	})
	// Missing segment id fails validation.
	f := highway.Frame{Index: 1, Timestamp: time.Unix(1700000000, 0)}
	c.handlePayload(framePayload(t, f))

	assert.Equal(t, int64(1), c.Counters().FramesBadPayload)
}

func TestHandlePayloadUnknownSegment(t *testing.T) {
	c := testConsumer(func(string) Submitter { return nil })
	f := highway.Frame{SegmentID: "seg-z", Index: 1, Timestamp: time.Unix(1700000000, 0)}
	c.handlePayload(framePayload(t, f))

	n := c.Counters()
	assert.Equal(t, int64(1), n.FramesUnroutable)
	assert.Equal(t, int64(0), n.FramesRouted)
}

func TestHandlePayloadCountsCalibrationGate(t *testing.T) {
	sink := &fakeSubmitter{err: &highway.CalibrationMissingError{SegmentID: "seg-a"}}
	c := testConsumer(func(string) Submitter { return sink })
	f := highway.Frame{SegmentID: "seg-a", Index: 1, Timestamp: time.Unix(1700000000, 0)}
	c.handlePayload(framePayload(t, f))

	n := c.Counters()
	assert.Equal(t, int64(1), n.FramesUncalibrated)
	assert.Equal(t, int64(0), n.FramesRouted)
}
