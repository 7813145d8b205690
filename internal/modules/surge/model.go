// README: Surge worker phases, run reports and the per-cell computation rules.
package surge

import (
	"errors"
	"math"
	"time"
)

// ErrRunInProgress is returned when RunOnce is called while a run is active.
var ErrRunInProgress = errors.New("surge: run already in progress")

// emaAlpha weights the newest driver count in the supply baseline.
const emaAlpha = 0.1

type Phase string

const (
	PhaseWarmingUp Phase = "WARMING_UP"
	PhaseActive    Phase = "ACTIVE"
)

// RunReport summarises one recomputation pass.
type RunReport struct {
	Phase     Phase         `json:"phase"`
	Cells     int           `json:"cells"`
	Processed int           `json:"processed"`
	Degraded  int           `json:"degraded"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// Rules holds the knobs of the smoothed surge computation.
type Rules struct {
	MinDrivers         int64
	BaseMultiplier     float64
	MaxMultiplier      float64
	MaxJump            float64
	DropThreshold      float64
	DemandKicker       float64
	DemandKickerFactor float64
}

func nextBaseline(prev float64, seeded bool, drivers int64) float64 {
	if !seeded {
		prev = float64(drivers)
	}
	return emaAlpha*float64(drivers) + (1-emaAlpha)*prev
}

// Candidate derives the un-smoothed surge for a fresh cell.
func (r Rules) Candidate(drivers int64, baseline float64, demand int64) float64 {
	if drivers < r.MinDrivers {
		return r.BaseMultiplier
	}
	ratio := 1.0
	if baseline > 0 {
		ratio = float64(drivers) / baseline
	}
	if ratio > 1-r.DropThreshold {
		return r.BaseMultiplier
	}
	surge := r.BaseMultiplier + (1-ratio)*2.0
	if float64(demand) > r.DemandKickerFactor*float64(drivers) {
		surge += r.DemandKicker
	}
	return math.Min(surge, r.MaxMultiplier)
}

// Smooth limits the change from prev to at most MaxJump per run.
func (r Rules) Smooth(prev float64, hasPrev bool, candidate float64) float64 {
	if !hasPrev {
		return candidate
	}
	diff := candidate - prev
	if math.Abs(diff) > r.MaxJump {
		return prev + math.Copysign(r.MaxJump, diff)
	}
	return candidate
}
