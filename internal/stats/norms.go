package stats

import "math"

// Shard is the locally owned slice of one parameter together with its Adam
// optimizer state.
type Shard struct {
	Name     string    `json:"name"`
	ExpAvg   []float32 `json:"exp_avg"`
	ExpAvgSq []float32 `json:"exp_avg_sq"`
	Param    []float32 `json:"param"`
	Grad     []float32 `json:"grad,omitempty"`
}

// Norms are optimizer state norms over every shard fed to a NormAccumulator.
type Norms struct {
	VarianceL2     float64
	VarianceSqrtL2 float64
	MomentumL2     float64
	WeightL2       float64
	GradL2         float64

	VarianceL1     float64
	VarianceSqrtL1 float64
	MomentumL1     float64
	WeightL1       float64

	VarianceAbsMax     float64
	VarianceSqrtAbsMax float64
	MomentumAbsMax     float64
	WeightAbsMax       float64
}

// NormAccumulator aggregates optimizer state over shards. L2 norms are global:
// squares are summed across every shard and a single root is taken in
// Finalize. Only shards owned by the calling rank are seen; nothing is reduced
// across ranks.
type NormAccumulator struct {
	sq     Norms // squared L2 terms, rooted in Finalize
	l1     Norms
	absMax Norms
	shards int
}

// Add folds one shard into the running totals.
func (a *NormAccumulator) Add(s Shard) {
	a.shards++
	for _, v := range s.ExpAvgSq {
		x := float64(v)
		r := math.Sqrt(math.Max(x, 0))
		a.sq.VarianceL2 += x * x
		a.sq.VarianceSqrtL2 += r * r
		a.l1.VarianceL1 += math.Abs(x)
		a.l1.VarianceSqrtL1 += r
		a.absMax.VarianceSqrtAbsMax = math.Max(a.absMax.VarianceSqrtAbsMax, r)
	}
	a.absMax.VarianceAbsMax = math.Max(a.absMax.VarianceAbsMax, absExtreme(s.ExpAvgSq))

	for _, v := range s.ExpAvg {
		x := float64(v)
		a.sq.MomentumL2 += x * x
		a.l1.MomentumL1 += math.Abs(x)
	}
	a.absMax.MomentumAbsMax = math.Max(a.absMax.MomentumAbsMax, absExtreme(s.ExpAvg))

	for _, v := range s.Param {
		x := float64(v)
		a.sq.WeightL2 += x * x
		a.l1.WeightL1 += math.Abs(x)
	}
	a.absMax.WeightAbsMax = math.Max(a.absMax.WeightAbsMax, absExtreme(s.Param))

	for _, v := range s.Grad {
		x := float64(v)
		a.sq.GradL2 += x * x
	}
}

// Shards returns how many shards were added.
func (a *NormAccumulator) Shards() int {
	return a.shards
}

// Finalize returns the aggregated norms.
func (a *NormAccumulator) Finalize() Norms {
	return Norms{
		VarianceL2:     math.Sqrt(a.sq.VarianceL2),
		VarianceSqrtL2: math.Sqrt(a.sq.VarianceSqrtL2),
		MomentumL2:     math.Sqrt(a.sq.MomentumL2),
		WeightL2:       math.Sqrt(a.sq.WeightL2),
		GradL2:         math.Sqrt(a.sq.GradL2),

		VarianceL1:     a.l1.VarianceL1,
		VarianceSqrtL1: a.l1.VarianceSqrtL1,
		MomentumL1:     a.l1.MomentumL1,
		WeightL1:       a.l1.WeightL1,

		VarianceAbsMax:     a.absMax.VarianceAbsMax,
		VarianceSqrtAbsMax: a.absMax.VarianceSqrtAbsMax,
		MomentumAbsMax:     a.absMax.MomentumAbsMax,
		WeightAbsMax:       a.absMax.WeightAbsMax,
	}
}

// absExtreme is max(|max(xs)|, |min(xs)|), 0 for an empty slice.
func absExtreme(xs []float32) float64 {
	if len(xs) == 0 {
		return 0
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return math.Max(math.Abs(float64(hi)), math.Abs(float64(lo)))
}
