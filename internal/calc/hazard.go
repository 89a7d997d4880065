package calc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/monitor"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/worker"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

const (
	PhasePreclassical  = "preclassical"
	PhaseClassical     = "classical"
	PhasePostclassical = "postclassical"
)

// 簡化的 ground motion model: ln(PGA[g]) = c0 + c1*M - c2*ln(R + c3)
const (
	gmmC0    = -3.512
	gmmC1    = 0.904
	gmmC2    = 1.328
	gmmC3    = 10.0
	gmmSigma = 0.6
)

// Register binds the three demo operations in reg.
func Register(reg *worker.Registry) error {
	for op, fn := range map[string]worker.TaskFunc{
		PhasePreclassical:  preclassicalTask,
		PhaseClassical:     classicalTask,
		PhasePostclassical: postclassicalTask,
	} {
		if err := reg.Register(op, fn); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Task payloads
// ============================================================================

// SourceRates is the preclassical output of one source.
type SourceRates struct {
	ID          string    `json:"id"`
	Mags        []float64 `json:"mags"`
	Rates       []float64 `json:"rates"`
	Distance    float64   `json:"distance_km"`
	NumRuptures int       `json:"num_ruptures"`
	Weight      float64   `json:"weight"`
}

type classicalArgs struct {
	Sources []SourceRates `json:"sources"`
	Levels  []float64     `json:"levels"`
}

type exceedance struct {
	Rates []float64 `json:"rates"`
}

type postclassicalArgs struct {
	Offset            int       `json:"offset"`
	Levels            []float64 `json:"levels"`
	Rates             []float64 `json:"rates"`
	InvestigationTime float64   `json:"investigation_time"`
}

type curveChunk struct {
	Offset int       `json:"offset"`
	Levels []float64 `json:"levels"`
	Poes   []float64 `json:"poes"`
}

// ============================================================================
// Operations
// ============================================================================

func preclassicalTask(ctx context.Context, mon *monitor.Monitor, args types.Args) (types.Args, error) {
	var src Source
	if err := decode(args, &src); err != nil {
		return nil, err
	}
	defer mon.Measure("building mfd")()
	mags, rates := TruncatedGR(src)
	if len(mags) == 0 {
		return nil, fmt.Errorf("source %s: empty magnitude range", src.ID)
	}
	return encode(SourceRates{
		ID:          src.ID,
		Mags:        mags,
		Rates:       rates,
		Distance:    src.Distance,
		NumRuptures: len(mags),
		Weight:      float64(len(mags)) * (1 + src.Distance/100),
	})
}

func classicalTask(ctx context.Context, mon *monitor.Monitor, args types.Args) (types.Args, error) {
	var in classicalArgs
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	done := mon.Measure("computing poes")
	defer done()
	out := make([]float64, len(in.Levels))
	for _, src := range in.Sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, m := range src.Mags {
			for l, level := range in.Levels {
				out[l] += src.Rates[i] * ExceedanceProbability(m, src.Distance, level)
			}
		}
	}
	return encode(exceedance{Rates: out})
}

func postclassicalTask(ctx context.Context, mon *monitor.Monitor, args types.Args) (types.Args, error) {
	var in postclassicalArgs
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if len(in.Rates) != len(in.Levels) {
		return nil, fmt.Errorf("%d rates for %d levels", len(in.Rates), len(in.Levels))
	}
	defer mon.Measure("combining curves")()
	poes := make([]float64, len(in.Rates))
	for i, r := range in.Rates {
		poes[i] = RateToPoe(r, in.InvestigationTime)
	}
	return encode(curveChunk{Offset: in.Offset, Levels: in.Levels, Poes: poes})
}

// ============================================================================
// Science
// ============================================================================

// TruncatedGR returns bin-centre magnitudes and annual occurrence rates of
// src's MFD between MinMag and MaxMag.
func TruncatedGR(src Source) (mags, rates []float64) {
	n := int(math.Round((src.MaxMag - src.MinMag) / src.BinWidth))
	cum := func(m float64) float64 { return math.Pow(10, src.A-src.B*m) }
	for i := 0; i < n; i++ {
		lo := src.MinMag + float64(i)*src.BinWidth
		hi := lo + src.BinWidth
		mags = append(mags, lo+src.BinWidth/2)
		rates = append(rates, cum(lo)-cum(hi))
	}
	return mags, rates
}

// ExceedanceProbability is P(PGA > level | M=mag, R=dist) under a lognormal model.
func ExceedanceProbability(mag, dist, level float64) float64 {
	mean := gmmC0 + gmmC1*mag - gmmC2*math.Log(dist+gmmC3)
	z := (math.Log(level) - mean) / gmmSigma
	return 0.5 * math.Erfc(z/math.Sqrt2)
}

// RateToPoe converts an annual exceedance rate into a probability over t years
// (Poisson).
func RateToPoe(rate, t float64) float64 {
	return 1 - math.Exp(-rate*t)
}

// decode/encode normalise values through JSON so that payloads look the same
// whether they came from memory or from a structpb argument file.
func decode(args types.Args, v interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

func encode(v interface{}) (types.Args, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out types.Args
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}
