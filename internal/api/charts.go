package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/traffic.report/internal/highway"
)

// eventsChart renders per-type event totals for a segment as a bar chart.
func (s *Server) eventsChart(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}
	seg, err := s.segmentParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	counts, err := s.events.CountsByType(seg)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Fixed type order so empty types render as zero bars.
	x := make([]string, 0, len(highway.AllEventTypes))
	y := make([]opts.BarData, 0, len(highway.AllEventTypes))
	total := 0
	for _, typ := range highway.AllEventTypes {
		x = append(x, string(typ))
		y = append(y, opts.BarData{Value: counts[typ]})
		total += counts[typ]
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Traffic Events", Theme: "dark", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Traffic Events", Subtitle: fmt.Sprintf("segment=%s total=%d", seg, total)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("events", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// tracksChart renders live tracks in road coordinates (distance along the
// segment against lane) colored by speed.
func (s *Server) tracksChart(w http.ResponseWriter, r *http.Request) {
	seg, err := s.segmentParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := s.pipelines[seg]
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown segment %q", seg))
		return
	}

	tracks := p.TracksSnapshot()
	data := make([]opts.ScatterData, 0, len(tracks))
	maxDist, maxLane, maxSpeed := 0.0, 0, 1.0
	for _, t := range tracks {
		if t.RoadDist > maxDist {
			maxDist = t.RoadDist
		}
		if t.Lane > maxLane {
			maxLane = t.Lane
		}
		if t.SpeedMps > maxSpeed {
			maxSpeed = t.SpeedMps
		}
		data = append(data, opts.ScatterData{Value: []interface{}{t.RoadDist, t.Lane, t.SpeedMps}})
	}
	pad := math.Ceil(maxDist * 1.05)
	if pad == 0 {
		pad = 100
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Live Tracks", Theme: "dark", Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Live Tracks", Subtitle: fmt.Sprintf("segment=%s count=%d", seg, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: pad, Name: "Road distance (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: maxLane + 1, Name: "Lane", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxSpeed),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#31688e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("tracks", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
