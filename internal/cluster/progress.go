package cluster

import "github.com/thebtf/stepcluster/pkg/models"

type band struct {
	name  string
	start float64
	end   float64
}

// bands map each phase to its share of overall progress, in run order.
var bands = []band{
	{models.PhasePreprocess, 0, 10},
	{models.PhaseLoadModel, 10, 20},
	{models.PhaseEmbedding, 20, 70},
	{models.PhaseClustering, 70, 90},
	{models.PhaseLabels, 90, 95},
	{models.PhaseSaving, 95, 100},
}

// PhaseCount is the number of phases a run reports, saving included.
var PhaseCount = len(bands)

// Overall maps a phase and its own percentage to a 1-based phase index and
// the overall percentage.
func Overall(phase string, pct float64) (index int, overall float64) {
	pct = max(0, min(100, pct))
	for i, b := range bands {
		if b.name == phase {
			return i + 1, b.start + (b.end-b.start)*pct/100
		}
	}
	return 0, 0
}

// ProgressFunc receives progress reports. It is called synchronously from the run.
type ProgressFunc func(models.Progress)

// reporter never lets overall progress go backwards.
type reporter struct {
	fn   ProgressFunc
	last float64
}

func (r *reporter) report(phase string, pct float64, detail string) {
	index, overall := Overall(phase, pct)
	if overall < r.last {
		overall = r.last
	}
	r.last = overall
	if r.fn == nil {
		return
	}
	r.fn(models.Progress{
		Phase:         phase,
		PhaseIndex:    index,
		PhaseProgress: max(0, min(100, pct)),
		Overall:       overall,
		Detail:        detail,
	})
}
