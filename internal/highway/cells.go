package highway

import (
	"math"
	"time"

	"github.com/banshee-data/traffic.report/internal/calibration"
	"github.com/banshee-data/traffic.report/internal/config"
)

// boostReach is how many cells ahead of a swerving vehicle pick up the
// lane-change danger boost. A swerve is a reaction to something in front, so
// suspicion lands on the cells the vehicle is avoiding.
const boostReach = 2

// CellConfig carries the knobs for one segment's cell grid.
type CellConfig struct {
	FramesPerSecond float64
	// CacheFrames is both the per-cell observation retention and the cadence
	// of traffic-parameter recomputation, in frames.
	CacheFrames int
	// LateralSpeed is the lateral velocity magnitude above which a vehicle is
	// treated as swerving, m/s.
	LateralSpeed float64
	// ChangeRate is the danger added to a cell per corroborating swerve ahead
	// of it.
	ChangeRate float64
	// TimeTolerance scales how fast empty-cell danger accrues under standard
	// flow.
	TimeTolerance time.Duration
	// StandardFlow is the reference flow rate, veh/h.
	StandardFlow float64
	// DangerCeiling caps the time-accrued danger component.
	DangerCeiling float64
}

// CellConfigFromTuning pulls cell-grid knobs out of a tuning config.
func CellConfigFromTuning(cfg *config.TuningConfig) CellConfig {
	return CellConfig{
		FramesPerSecond: cfg.GetFramesPerSecond(),
		CacheFrames:     cfg.GetCellCacheFrames(),
		LateralSpeed:    cfg.GetCellLateralSpeed(),
		ChangeRate:      cfg.GetCellChangeRate(),
		TimeTolerance:   cfg.GetCellTimeTolerance(),
		StandardFlow:    cfg.GetCellStandardFlow(),
		DangerCeiling:   cfg.GetCellDangerTimeCeiling(),
	}
}

type cellReading struct {
	vx, vy float64
}

// Cell is one fixed stretch of one lane. It accumulates per-frame vehicle
// readings, derives flow/density/speed on a slow cadence, and carries a
// debris-danger score built from two components: danger that accrues while
// the cell stays empty under traffic (scaled by flow), and danger added when
// vehicles swerve just upstream of it.
type Cell struct {
	LaneID int
	Order  int
	Valid  bool
	Start  float64
	End    float64
	Length float64

	// Traffic parameters, recomputed every CacheFrames frames.
	FlowVehPerHour  float64
	DensityVehPerKm float64
	SpeedMps        float64
	MeanVehicles    float64

	// r1s is the per-frame danger growth under standard flow; r1 is the
	// current growth after scaling by observed flow.
	r1s float64
	r1  float64

	dangerTime   float64
	dangerChange float64
	danger       float64

	cache   [][]cellReading
	boosted bool
}

// Danger is the cell's current debris-danger score.
func (c *Cell) Danger() float64 { return c.danger }

// resetDanger clears both danger components, called when a vehicle occupies
// the cell (whatever was suspected is being driven over or was never there).
func (c *Cell) resetDanger() {
	c.dangerTime = 0
	c.dangerChange = 0
	c.danger = 0
}

// updateTraffic recomputes flow, density and speed from the retained cache.
func (c *Cell) updateTraffic() {
	baseT := len(c.cache)
	if baseT == 0 {
		return
	}
	var count int
	var speedSum float64
	for _, frame := range c.cache {
		count += len(frame)
		for _, r := range frame {
			speedSum += math.Abs(r.vy)
		}
	}
	c.MeanVehicles = float64(count) / float64(baseT)
	c.DensityVehPerKm = c.MeanVehicles / c.Length * 1000
	if count == 0 {
		c.SpeedMps = 0
	} else {
		c.SpeedMps = speedSum / float64(count)
	}
	c.FlowVehPerHour = c.DensityVehPerKm * c.SpeedMps * 3.6
}

// CellGrid maintains the cell-level debris-danger model for one segment. Not
// safe for concurrent use; the segment pipeline serializes all access.
type CellGrid struct {
	cfg   CellConfig
	lanes map[int][]*Cell

	framesSinceTraffic int
}

// NewCellGrid builds the grid from a calibration model's lane partitions.
// Emergency lanes carry no cells; invalid cells (insufficient calibration
// traffic) are kept for indexing but never accrue danger.
func NewCellGrid(cfg CellConfig, model *calibration.Model) *CellGrid {
	r1s := 1.0 / cfg.TimeTolerance.Seconds() / cfg.FramesPerSecond
	g := &CellGrid{cfg: cfg, lanes: make(map[int][]*Cell)}
	for _, laneID := range model.LaneIDs() {
		lane := model.Lane(laneID)
		if lane.Emergency {
			continue
		}
		cells := make([]*Cell, len(lane.Cells))
		for i, valid := range lane.Cells {
			cells[i] = &Cell{
				LaneID: laneID,
				Order:  i,
				Valid:  valid,
				Start:  float64(i) * model.CellLength,
				End:    float64(i+1) * model.CellLength,
				Length: model.CellLength,
				r1s:    r1s,
			}
		}
		g.lanes[laneID] = cells
	}
	return g
}

// Apply feeds one frame's live tracks through the grid: caches readings,
// recomputes traffic parameters on cadence, and advances every valid cell's
// danger score.
func (g *CellGrid) Apply(tracks []*Track, model *calibration.Model) {
	// Bucket this frame's observed tracks into cells.
	byCell := make(map[*Cell][]cellReading)
	for _, tr := range tracks {
		if tr.Misses > 0 || tr.Lane == 0 {
			continue
		}
		c := g.cellAt(tr.Lane, model.CellIndex(tr.Lane, tr.RoadDist))
		if c == nil {
			continue
		}
		byCell[c] = append(byCell[c], cellReading{vx: tr.VX, vy: tr.VY})
	}

	for _, cells := range g.lanes {
		for _, c := range cells {
			c.cache = append(c.cache, byCell[c])
			if len(c.cache) > g.cfg.CacheFrames {
				c.cache = c.cache[1:]
			}
			c.boosted = false
		}
	}

	g.framesSinceTraffic++
	if g.framesSinceTraffic >= g.cfg.CacheFrames {
		g.framesSinceTraffic = 0
		g.refreshTraffic()
	}

	g.updateDanger()
}

// refreshTraffic recomputes per-cell traffic parameters, then rescales each
// cell's danger growth rate by the lane-wide flow.
func (g *CellGrid) refreshTraffic() {
	for _, cells := range g.lanes {
		var flowSum float64
		var n int
		for _, c := range cells {
			c.updateTraffic()
			if c.Valid {
				flowSum += c.FlowVehPerHour
				n++
			}
		}
		if n == 0 {
			continue
		}
		laneFlow := flowSum / float64(n)
		for _, c := range cells {
			c.r1 = c.r1s * laneFlow / g.cfg.StandardFlow
		}
	}
}

// updateDanger advances every valid cell: occupied cells reset, empty cells
// accrue the flow-scaled growth, and a swerving vehicle boosts the cells just
// ahead of it.
func (g *CellGrid) updateDanger() {
	for _, cells := range g.lanes {
		for _, c := range cells {
			if !c.Valid || len(c.cache) == 0 {
				continue
			}
			latest := c.cache[len(c.cache)-1]
			if len(latest) != 0 {
				c.resetDanger()
				for _, r := range latest {
					if math.Abs(r.vx) > g.cfg.LateralSpeed {
						g.boostAhead(cells, c.Order)
						break
					}
				}
				continue
			}
			c.dangerTime += c.r1
			if c.dangerTime > g.cfg.DangerCeiling {
				c.dangerTime = g.cfg.DangerCeiling
			}
			c.danger = c.dangerTime + c.dangerChange
		}
	}
}

// boostAhead adds the lane-change danger component to the next cells along
// the travel direction, at most once per cell per frame.
func (g *CellGrid) boostAhead(cells []*Cell, order int) {
	for i := order + 1; i <= order+boostReach && i < len(cells); i++ {
		c := cells[i]
		if !c.Valid || c.boosted {
			continue
		}
		c.dangerChange += g.cfg.ChangeRate
		c.danger = c.dangerTime + c.dangerChange
		c.boosted = true
		tracef("cells: lane %d cell %d boosted to danger %.2f", c.LaneID, c.Order, c.danger)
	}
}

func (g *CellGrid) cellAt(lane, order int) *Cell {
	cells, ok := g.lanes[lane]
	if !ok || order < 0 || order >= len(cells) {
		return nil
	}
	return cells[order]
}

// DangerAt returns the danger score at a road position, or zero when the
// position falls outside the grid.
func (g *CellGrid) DangerAt(lane int, roadDist float64, model *calibration.Model) float64 {
	c := g.cellAt(lane, model.CellIndex(lane, roadDist))
	if c == nil || !c.Valid {
		return 0
	}
	return c.danger
}

// Cells returns one lane's cells for inspection.
func (g *CellGrid) Cells(lane int) []*Cell { return g.lanes[lane] }

// Lanes returns the lane ids carrying cells.
func (g *CellGrid) Lanes() []int {
	out := make([]int, 0, len(g.lanes))
	for id := range g.lanes {
		out = append(out, id)
	}
	return out
}
