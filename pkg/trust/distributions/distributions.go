// Package distributions implements the Beta, Gaussian and Exponential
// helpers the trust models (spec §4.F) are built on, supplemented from
// original_source's wsn/common/trust/distributions.c /hmm.c: the spec names
// the statistical shapes but leaves the formulas to "standard"; we follow
// the original's closed-form choices (log-space-scaled forward algorithm,
// unbiased sample variance for the Gaussian) rather than re-deriving them.
package distributions

import "math"

// Beta is a Beta(alpha, beta) distribution over [0,1], used for binary
// interaction outcomes (ack/fail, good/bad).
type Beta struct {
	Alpha float64
	Beta  float64
}

// NewBeta returns the uninformative Beta(1,1) prior.
func NewBeta() Beta { return Beta{Alpha: 1, Beta: 1} }

// UpdateGood applies one positive observation.
func (b Beta) UpdateGood() Beta { return Beta{Alpha: b.Alpha + 1, Beta: b.Beta} }

// UpdateBad applies one negative observation.
func (b Beta) UpdateBad() Beta { return Beta{Alpha: b.Alpha, Beta: b.Beta + 1} }

// Mean is E[Beta] = alpha/(alpha+beta).
func (b Beta) Mean() float64 {
	if b.Alpha+b.Beta == 0 {
		return 0.5
	}
	return b.Alpha / (b.Alpha + b.Beta)
}

// CombineAdditive combines two Beta distributions by summing their
// pseudo-counts — the spec's "additive alpha/beta combine" used to fold a
// stereotype prior into a local distribution.
func (b Beta) CombineAdditive(other Beta) Beta {
	return Beta{Alpha: b.Alpha + other.Alpha, Beta: b.Beta + other.Beta}
}

// Gaussian is an online (Welford) running mean/variance estimator paired
// with a second, exponentially-weighted Gaussian (its own mean and
// variance) tracking the same samples' recent trend. Both are full
// distributions: the EWMA side is not just a smoothed scalar, since
// comparing two distributions (CDF of one at the other's mean) is what
// the throughput-probabilistic model's goodness scores need.
type Gaussian struct {
	Count uint32
	Mean  float64
	m2    float64 // sum of squared deviations, for Welford's algorithm

	EWMAMean     float64
	ewmaVariance float64
	ewmaInit     bool
}

// EWMAWeight is the spec's fixed smoothing weight for the EWMA throughput
// estimate.
const EWMAWeight = 0.6

// Observe folds one sample into both the unweighted running estimate and
// the EWMA Gaussian. The EWMA variance update is Finch's incremental
// exponential-moving-variance formula: it keeps the EWMA side a genuine
// Normal(EWMAMean, ewmaVariance) rather than a bare smoothed scalar.
func (g *Gaussian) Observe(x float64) {
	g.Count++
	delta := x - g.Mean
	g.Mean += delta / float64(g.Count)
	delta2 := x - g.Mean
	g.m2 += delta * delta2

	if !g.ewmaInit {
		g.EWMAMean = x
		g.ewmaVariance = 0
		g.ewmaInit = true
	} else {
		diff := x - g.EWMAMean
		incr := EWMAWeight * diff
		g.EWMAMean += incr
		g.ewmaVariance = (1 - EWMAWeight) * (g.ewmaVariance + diff*incr)
	}
}

// RestoreGaussian rebuilds a Gaussian from its exported moments, for wire
// decoding (m2 and ewmaVariance are otherwise unexported since callers
// should only ever accumulate them via Observe).
func RestoreGaussian(count uint32, mean, m2, ewmaMean, ewmaVariance float64) Gaussian {
	return Gaussian{Count: count, Mean: mean, m2: m2, EWMAMean: ewmaMean, ewmaVariance: ewmaVariance, ewmaInit: count > 0}
}

// M2 exposes the raw sum-of-squared-deviations accumulator for wire
// encoding.
func (g *Gaussian) M2() float64 { return g.m2 }

// EWMAVariance exposes the EWMA side's variance accumulator for wire
// encoding.
func (g *Gaussian) EWMAVariance() float64 { return g.ewmaVariance }

// Variance returns the sample variance, or 0 if fewer than 2 samples.
func (g *Gaussian) Variance() float64 {
	if g.Count < 2 {
		return 0
	}
	return g.m2 / float64(g.Count-1)
}

// StdDev returns the sample standard deviation.
func (g *Gaussian) StdDev() float64 { return math.Sqrt(g.Variance()) }

// EWMAStdDev returns the EWMA side's standard deviation.
func (g *Gaussian) EWMAStdDev() float64 { return math.Sqrt(g.ewmaVariance) }

// CDF returns Pr(X <= x) under a Normal(Mean, Variance) model of the
// samples seen so far.
func (g *Gaussian) CDF(x float64) float64 {
	return NormalCDF(x, g.Mean, g.StdDev())
}

// EWMACDF returns Pr(X <= x) under a Normal(EWMAMean, EWMAVariance) model —
// the recent-trend distribution, as opposed to CDF's full-history one.
func (g *Gaussian) EWMACDF(x float64) float64 {
	return NormalCDF(x, g.EWMAMean, g.EWMAStdDev())
}

// NormalCDF returns Pr(X <= x) for X ~ Normal(mean, stddev). A zero stddev
// is treated as a point mass at mean.
func NormalCDF(x, mean, stddev float64) float64 {
	if stddev == 0 {
		if x < mean {
			return 0
		}
		return 1
	}
	return 0.5 * (1 + math.Erf((x-mean)/(stddev*math.Sqrt2)))
}

// Exponential is an Exp(rate) distribution over inter-arrival times,
// used by the throughput-probabilistic model's bad->good reconsideration
// gate.
type Exponential struct {
	Rate float64 // events per second; must be > 0
}

// CDF returns Pr(T <= t) = 1 - e^(-rate*t) for t >= 0.
func (e Exponential) CDF(t float64) float64 {
	if t <= 0 || e.Rate <= 0 {
		return 0
	}
	return 1 - math.Exp(-e.Rate*t)
}
