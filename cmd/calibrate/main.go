// Command calibrate fits a segment calibration model from a recording of
// radar frames and writes it as YAML for the tracking engine to load.
//
// The input is one JSON frame per line, as published on the ingest channel.
// Observations must carry lane hints; a calibration recording is normally
// captured with the radar head's own lane classifier enabled.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/traffic.report/internal/calibration"
	"github.com/banshee-data/traffic.report/internal/highway"
)

var (
	input      = flag.String("input", "", "Frame recording (JSON lines), '-' for stdin")
	segment    = flag.String("segment", "", "Segment id for the fitted model")
	output     = flag.String("out", "", "Output YAML path (default <segment>.yaml)")
	laneWidth  = flag.Float64("lane-width", 3.75, "Regular lane width, metres")
	emgcWidth  = flag.Float64("emergency-width", 3.5, "Shoulder lane width, metres")
	cellLength = flag.Float64("cell-length", 50, "Longitudinal cell length, metres")
	minFrames  = flag.Int("min-frames", 100, "Minimum frames required for a fit")
)

func main() {
	flag.Parse()
	if *input == "" || *segment == "" {
		flag.Usage()
		os.Exit(2)
	}

	in := os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.Fatalf("open recording: %v", err)
		}
		defer f.Close()
		in = f
	}

	cal := calibration.NewCalibrator(calibration.CalibratorConfig{
		LaneWidth:      *laneWidth,
		EmergencyWidth: *emgcWidth,
		CellLength:     *cellLength,
	})

	frames, skipped := 0, 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f highway.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			skipped++
			continue
		}
		cal.ObserveFrame()
		frames++
		for _, obs := range f.Observations {
			if obs.LaneHint <= 0 {
				continue
			}
			cal.Observe(obs.LaneHint, obs.X, obs.Y, obs.VY)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("read recording: %v", err)
	}
	if frames < *minFrames {
		log.Fatalf("only %d frames in recording, need %d", frames, *minFrames)
	}
	if skipped > 0 {
		log.Printf("skipped %d undecodable lines", skipped)
	}
	log.Printf("consumed %d frames, %d observations", frames, cal.Observations())

	model, err := cal.Calibrate(*segment)
	if err != nil {
		log.Fatalf("calibrate: %v", err)
	}

	out := *output
	if out == "" {
		out = *segment + ".yaml"
	}
	if err := model.Save(out); err != nil {
		log.Fatalf("write model: %v", err)
	}
	lanes := model.LaneIDs()
	fmt.Printf("wrote %s: %d lanes, %d cells per lane\n", out, len(lanes), model.CellCount(lanes[0]))
}
