package calc

import (
	"context"
	"fmt"
	"sort"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/orchestrator"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// Name of the calculation as recorded in run.json.
const Name = "classical"

// Summary is the reduced preclassical output.
type Summary struct {
	Sources     int     `json:"sources"`
	NumRuptures int     `json:"num_ruptures"`
	TotalRate   float64 `json:"total_rate"`
}

// Curve is the reduced postclassical output: one poe per intensity level.
type Curve struct {
	Levels []float64 `json:"levels"`
	Poes   []float64 `json:"poes"`
}

// Classical builds the three-phase calculation for job.
//
//	preclassical   one task per source       → SourceRates, reduced to Summary
//	classical      sources split in blocks   → exceedance rates, summed
//	postclassical  levels split in chunks    → poes, concatenated into Curve
func Classical(job *Job) (*orchestrator.Calculation, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &orchestrator.Calculation{
		Name: Name,
		Phases: []orchestrator.PhaseSpec{
			{Name: PhasePreclassical, Tasks: job.sourceTasks, Reduce: reduceSummary},
			{Name: PhaseClassical, Tasks: job.blockTasks, Reduce: reduceRates},
			{Name: PhasePostclassical, Tasks: job.levelTasks, Reduce: reduceCurve},
		},
	}, nil
}

func (j *Job) sourceTasks(ctx context.Context, _ *orchestrator.PhaseOutput) ([]types.Args, error) {
	tasks := make([]types.Args, 0, len(j.Sources))
	for _, src := range j.Sources {
		args, err := encode(src)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, args)
	}
	return tasks, nil
}

func (j *Job) blockTasks(ctx context.Context, prev *orchestrator.PhaseOutput) ([]types.Args, error) {
	var sources []SourceRates
	for _, p := range prev.Payloads() {
		var s SourceRates
		if err := decode(p, &s); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	blocks := SplitByWeight(sources, j.ConcurrentTasks)
	tasks := make([]types.Args, 0, len(blocks))
	for _, b := range blocks {
		args, err := encode(classicalArgs{Sources: b, Levels: j.Levels})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, args)
	}
	return tasks, nil
}

func (j *Job) levelTasks(ctx context.Context, prev *orchestrator.PhaseOutput) ([]types.Args, error) {
	if prev.Reduced == nil {
		return nil, fmt.Errorf("%s produced no rates", prev.Name)
	}
	var rates exceedance
	if err := decode(prev.Reduced, &rates); err != nil {
		return nil, err
	}
	if len(rates.Rates) != len(j.Levels) {
		return nil, fmt.Errorf("%d rates for %d levels", len(rates.Rates), len(j.Levels))
	}
	size := (len(j.Levels) + j.ConcurrentTasks - 1) / j.ConcurrentTasks
	var tasks []types.Args
	for off := 0; off < len(j.Levels); off += size {
		end := min(off+size, len(j.Levels))
		args, err := encode(postclassicalArgs{
			Offset:            off,
			Levels:            j.Levels[off:end],
			Rates:             rates.Rates[off:end],
			InvestigationTime: j.InvestigationTime,
		})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, args)
	}
	return tasks, nil
}

// SplitByWeight distributes sources over at most n blocks, heaviest first,
// each to the currently lightest block. Blocks keep source order stable.
func SplitByWeight(sources []SourceRates, n int) [][]SourceRates {
	if n > len(sources) {
		n = len(sources)
	}
	if n < 1 {
		return nil
	}
	order := make([]int, len(sources))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return sources[order[a]].Weight > sources[order[b]].Weight })

	weights := make([]float64, n)
	members := make([][]int, n)
	for _, idx := range order {
		lightest := 0
		for b := 1; b < n; b++ {
			if weights[b] < weights[lightest] {
				lightest = b
			}
		}
		weights[lightest] += sources[idx].Weight
		members[lightest] = append(members[lightest], idx)
	}

	blocks := make([][]SourceRates, n)
	for b, idxs := range members {
		sort.Ints(idxs)
		for _, idx := range idxs {
			blocks[b] = append(blocks[b], sources[idx])
		}
	}
	return blocks
}

// ============================================================================
// Reducers (called in index order)
// ============================================================================

func reduceSummary(acc types.Args, msg types.ResultMessage) (types.Args, error) {
	var sum Summary
	if acc != nil {
		if err := decode(acc, &sum); err != nil {
			return nil, err
		}
	}
	var s SourceRates
	if err := decode(msg.Payload, &s); err != nil {
		return nil, err
	}
	sum.Sources++
	sum.NumRuptures += s.NumRuptures
	for _, r := range s.Rates {
		sum.TotalRate += r
	}
	return encode(sum)
}

func reduceRates(acc types.Args, msg types.ResultMessage) (types.Args, error) {
	var total, part exceedance
	if acc != nil {
		if err := decode(acc, &total); err != nil {
			return nil, err
		}
	}
	if err := decode(msg.Payload, &part); err != nil {
		return nil, err
	}
	if total.Rates == nil {
		total.Rates = make([]float64, len(part.Rates))
	}
	if len(part.Rates) != len(total.Rates) {
		return nil, fmt.Errorf("%d rates, expected %d", len(part.Rates), len(total.Rates))
	}
	for i, r := range part.Rates {
		total.Rates[i] += r
	}
	return encode(total)
}

func reduceCurve(acc types.Args, msg types.ResultMessage) (types.Args, error) {
	var curve Curve
	if acc != nil {
		if err := decode(acc, &curve); err != nil {
			return nil, err
		}
	}
	var chunk curveChunk
	if err := decode(msg.Payload, &chunk); err != nil {
		return nil, err
	}
	if chunk.Offset != len(curve.Levels) {
		return nil, fmt.Errorf("chunk at offset %d, expected %d", chunk.Offset, len(curve.Levels))
	}
	curve.Levels = append(curve.Levels, chunk.Levels...)
	curve.Poes = append(curve.Poes, chunk.Poes...)
	return encode(curve)
}

// CurveOf extracts the hazard curve from the reduced postclassical output.
func CurveOf(reduced types.Args) (Curve, error) {
	var c Curve
	if reduced == nil {
		return c, fmt.Errorf("no %s output", PhasePostclassical)
	}
	err := decode(reduced, &c)
	return c, err
}

// SummaryOf extracts the reduced preclassical output.
func SummaryOf(reduced types.Args) (Summary, error) {
	var s Summary
	if reduced == nil {
		return s, fmt.Errorf("no %s output", PhasePreclassical)
	}
	err := decode(reduced, &s)
	return s, err
}
