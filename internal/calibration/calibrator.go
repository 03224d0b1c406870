package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CalibratorConfig holds the geometric priors used when fitting a model.
type CalibratorConfig struct {
	LaneWidth      float64 // metres, regular travel lane
	EmergencyWidth float64 // metres, shoulder lane
	CellLength     float64 // metres, longitudinal cell size
	MinCellShare   float64 // fraction of 1/cellCount below which a cell is invalid; 0 uses default
}

// DefaultCalibratorConfig returns the standard highway geometry priors.
func DefaultCalibratorConfig() CalibratorConfig {
	return CalibratorConfig{
		LaneWidth:      3.75,
		EmergencyWidth: 3.5,
		CellLength:     50.0,
		MinCellShare:   0.2,
	}
}

// Calibrator accumulates raw observations and fits a segment Model.
//
// The fit assumes the road runs roughly along the y axis of the radar frame:
// lane centerlines are quadratics x = a·y² + b·y + c sharing a common
// curvature, travel direction per lane is taken from the sign balance of
// observed longitudinal velocities, and the outermost regular lanes bracket
// the emergency lanes which rarely carry traffic of their own.
type Calibrator struct {
	cfg CalibratorConfig

	xyByLane map[int][][2]float64
	vyCount  map[int]int
	frames   int
}

// NewCalibrator creates a Calibrator with the given geometry priors.
func NewCalibrator(cfg CalibratorConfig) *Calibrator {
	if cfg.CellLength <= 0 {
		cfg.CellLength = 50.0
	}
	if cfg.MinCellShare <= 0 {
		cfg.MinCellShare = 0.2
	}
	return &Calibrator{
		cfg:      cfg,
		xyByLane: make(map[int][][2]float64),
		vyCount:  make(map[int]int),
	}
}

// ObserveFrame marks one sensor frame as consumed. Used only for bookkeeping.
func (c *Calibrator) ObserveFrame() { c.frames++ }

// Observe records a single target reading against its lane hint.
func (c *Calibrator) Observe(laneHint int, x, y, vy float64) {
	c.xyByLane[laneHint] = append(c.xyByLane[laneHint], [2]float64{x, y})
	switch {
	case vy > 0:
		c.vyCount[laneHint]++
	case vy < 0:
		c.vyCount[laneHint]--
	}
}

// Observations returns the number of stored readings across all lanes.
func (c *Calibrator) Observations() int {
	n := 0
	for _, pts := range c.xyByLane {
		n += len(pts)
	}
	return n
}

// Calibrate fits a Model from the accumulated observations.
func (c *Calibrator) Calibrate(segmentID string) (*Model, error) {
	if len(c.xyByLane) < 2 {
		return nil, fmt.Errorf("calibrate: need observations on at least 2 lanes, got %d", len(c.xyByLane))
	}

	// Lane numbering runs 1..max; an odd max means the far shoulder produced
	// no traffic at all, so pad it. Emergency lanes are the two outermost.
	maxID := 0
	for id := range c.xyByLane {
		if id > maxID {
			maxID = id
		}
	}
	if maxID%2 == 1 {
		maxID++
	}
	if maxID < 4 {
		return nil, fmt.Errorf("calibrate: need at least 4 lanes (2 regular + 2 shoulder), got %d", maxID)
	}
	emgcLow, emgcHigh := 1, maxID

	// Travel direction per lane from the velocity sign balance; emergency
	// lanes carry too little traffic to be representative, so they copy
	// their inboard neighbour.
	directions := make(map[int]int, maxID)
	for id := 1; id <= maxID; id++ {
		if id == emgcLow || id == emgcHigh {
			continue
		}
		if c.vyCount[id] < 0 {
			directions[id] = -1
		} else {
			directions[id] = 1
		}
	}
	directions[emgcLow] = directions[emgcLow+1]
	directions[emgcHigh] = directions[emgcHigh-1]

	ymin, ymax := c.globalYRange()
	if ymax-ymin < c.cfg.CellLength {
		return nil, fmt.Errorf("calibrate: observed span %.1fm shorter than one cell", ymax-ymin)
	}

	// The more dispersed of the two boundary regular lanes is the outboard
	// (longer-radius) lane; its full quadratic anchors every other fit.
	inner, outer := emgcLow+1, emgcHigh-1
	if dispersion(c.xyByLane[inner]) > dispersion(c.xyByLane[outer]) {
		inner, outer = outer, inner
	}

	coefs := make(map[int][3]float64, maxID)
	outerCoef, err := polyFit(c.xyByLane[outer])
	if err != nil {
		return nil, fmt.Errorf("calibrate: fit lane %d: %w", outer, err)
	}
	coefs[outer] = outerCoef

	for id := 2; id < maxID; id++ {
		if id == outer {
			continue
		}
		pts := c.xyByLane[id]
		if len(pts) < 3 {
			return nil, fmt.Errorf("calibrate: lane %d has only %d observations", id, len(pts))
		}
		// Share the outboard curvature; fit only slope and intercept.
		coef, err := polyFitFrozen(pts, outerCoef[0])
		if err != nil {
			return nil, fmt.Errorf("calibrate: fit lane %d: %w", id, err)
		}
		coefs[id] = coef
	}

	// Emergency lanes sit half a lane plus half a shoulder outboard of the
	// boundary regular lanes, measured along the centerline normal.
	d := (c.cfg.LaneWidth + c.cfg.EmergencyWidth) / 2
	dY := d * math.Sqrt(1+outerCoef[1]*outerCoef[1])
	var lowCoef, highCoef [3]float64
	// Outboard shift on whichever side each boundary lane faces.
	if coefs[emgcHigh-1][2] > coefs[emgcLow+1][2] {
		highCoef = [3]float64{outerCoef[0], coefs[emgcHigh-1][1], coefs[emgcHigh-1][2] + dY}
		lowCoef = [3]float64{outerCoef[0], coefs[emgcLow+1][1], coefs[emgcLow+1][2] - dY}
	} else {
		highCoef = [3]float64{outerCoef[0], coefs[emgcHigh-1][1], coefs[emgcHigh-1][2] - dY}
		lowCoef = [3]float64{outerCoef[0], coefs[emgcLow+1][1], coefs[emgcLow+1][2] + dY}
	}
	coefs[emgcLow] = lowCoef
	coefs[emgcHigh] = highCoef

	cells := c.partitionCells(maxID, emgcLow, emgcHigh, directions, ymin, ymax)

	lanes := make(map[int]Lane, maxID)
	for id := 1; id <= maxID; id++ {
		start, end := ymin, ymax
		if directions[id] < 0 {
			start, end = ymax, ymin
		}
		lanes[id] = Lane{
			ID:           id,
			Emergency:    id == emgcLow || id == emgcHigh,
			Direction:    directions[id],
			Start:        start,
			End:          end,
			Coefficients: coefs[id],
			Cells:        cells[id],
		}
	}

	m := &Model{
		SegmentID:  segmentID,
		CellLength: c.cfg.CellLength,
		Lanes:      lanes,
	}
	if err := m.init(); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Calibrator) globalYRange() (ymin, ymax float64) {
	ymin, ymax = math.MaxFloat64, -math.MaxFloat64
	for _, pts := range c.xyByLane {
		for _, p := range pts {
			if p[1] < ymin {
				ymin = p[1]
			}
			if p[1] > ymax {
				ymax = p[1]
			}
		}
	}
	return ymin, ymax
}

// partitionCells slices the observed span into cells and marks a cell valid
// when it carries at least MinCellShare of the lane's even-split traffic.
// Merge and gore areas show up as underweight cells and are excluded from
// spill detection. Emergency lanes are entirely invalid: presence there is an
// event, not traffic.
func (c *Calibrator) partitionCells(maxID, emgcLow, emgcHigh int, directions map[int]int, ymin, ymax float64) map[int][]bool {
	cellNum := int(math.Ceil((ymax - ymin) / c.cfg.CellLength))
	if cellNum < 1 {
		cellNum = 1
	}

	out := make(map[int][]bool, maxID)
	for id := 1; id <= maxID; id++ {
		if id == emgcLow || id == emgcHigh {
			out[id] = make([]bool, cellNum)
			continue
		}
		counts := make([]int, cellNum)
		total := 0
		for _, p := range c.xyByLane[id] {
			idx := int((p[1] - ymin) / c.cfg.CellLength)
			if idx >= cellNum {
				idx = cellNum - 1
			}
			counts[idx]++
			total++
		}
		valid := make([]bool, cellNum)
		if total > 0 {
			threshold := c.cfg.MinCellShare / float64(cellNum)
			for i, n := range counts {
				valid[i] = float64(n)/float64(total) > threshold
			}
		}
		// Cell order follows the travel direction; the split above runs from
		// ymin upward.
		if directions[id] < 0 {
			for i, j := 0, len(valid)-1; i < j; i, j = i+1, j-1 {
				valid[i], valid[j] = valid[j], valid[i]
			}
		}
		out[id] = valid
	}
	return out
}

// dispersion is the mean squared distance of points from their centroid.
// Outboard lanes sweep a longer arc and therefore disperse more.
func dispersion(pts [][2]float64) float64 {
	if len(pts) == 0 {
		return 0
	}
	var cx, cy float64
	for _, p := range pts {
		cx += p[0]
		cy += p[1]
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))
	var sum float64
	for _, p := range pts {
		dx, dy := p[0]-cx, p[1]-cy
		sum += dx*dx + dy*dy
	}
	return sum / float64(len(pts))
}

// polyFit least-squares fits x = a·y² + b·y + c.
func polyFit(pts [][2]float64) ([3]float64, error) {
	if len(pts) < 3 {
		return [3]float64{}, fmt.Errorf("polyFit: need >= 3 points, got %d", len(pts))
	}
	a := mat.NewDense(len(pts), 3, nil)
	b := mat.NewVecDense(len(pts), nil)
	for i, p := range pts {
		y := p[1]
		a.Set(i, 0, y*y)
		a.Set(i, 1, y)
		a.Set(i, 2, 1)
		b.SetVec(i, p[0])
	}
	var qr mat.QR
	qr.Factorize(a)
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, b); err != nil {
		return [3]float64{}, fmt.Errorf("polyFit: %w", err)
	}
	return [3]float64{sol.AtVec(0), sol.AtVec(1), sol.AtVec(2)}, nil
}

// polyFitFrozen fits b and c of x = a·y² + b·y + c with the curvature a fixed.
func polyFitFrozen(pts [][2]float64, curvature float64) ([3]float64, error) {
	if len(pts) < 2 {
		return [3]float64{}, fmt.Errorf("polyFitFrozen: need >= 2 points, got %d", len(pts))
	}
	a := mat.NewDense(len(pts), 2, nil)
	b := mat.NewVecDense(len(pts), nil)
	for i, p := range pts {
		y := p[1]
		a.Set(i, 0, y)
		a.Set(i, 1, 1)
		b.SetVec(i, p[0]-curvature*y*y)
	}
	var qr mat.QR
	qr.Factorize(a)
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, b); err != nil {
		return [3]float64{}, fmt.Errorf("polyFitFrozen: %w", err)
	}
	return [3]float64{curvature, sol.AtVec(0), sol.AtVec(1)}, nil
}
