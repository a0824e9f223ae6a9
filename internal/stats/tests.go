package stats

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/combin"
	"gonum.org/v1/gonum/stat/distuv"
)

// LogHypergeomSF returns log P(X >= k) for X ~ Hypergeometric(pool, successes, draws),
// i.e. the probability of drawing at least k group members in a cluster of size draws.
func LogHypergeomSF(k, pool, successes, draws int) float64 {
	if k <= 0 {
		return 0
	}
	hi := min(draws, successes)
	lo := max(k, draws-(pool-successes))
	if lo > hi {
		return math.Inf(-1)
	}

	logTotal := combin.LogGeneralizedBinomial(float64(pool), float64(draws))
	terms := make([]float64, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		terms = append(terms,
			combin.LogGeneralizedBinomial(float64(successes), float64(i))+
				combin.LogGeneralizedBinomial(float64(pool-successes), float64(draws-i))-
				logTotal)
	}
	return math.Min(0, logSumExp(terms))
}

// HypergeomSF is exp(LogHypergeomSF).
func HypergeomSF(k, pool, successes, draws int) float64 {
	return math.Exp(LogHypergeomSF(k, pool, successes, draws))
}

// NegLog10 converts a natural-log probability to -log10(p).
func NegLog10(logP float64) float64 {
	if math.IsInf(logP, -1) {
		return math.MaxFloat64
	}
	return -logP / math.Ln10
}

func logSumExp(x []float64) float64 {
	if len(x) == 0 {
		return math.Inf(-1)
	}
	hi := math.Inf(-1)
	for _, v := range x {
		hi = math.Max(hi, v)
	}
	if math.IsInf(hi, -1) {
		return hi
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(v - hi)
	}
	return hi + math.Log(sum)
}

// MannWhitneyU returns the U statistic of a and the two-sided p-value from the
// tie-corrected normal approximation with continuity correction.
func MannWhitneyU(a, b []float64) (u, p float64) {
	n1, n2 := len(a), len(b)
	if n1 == 0 || n2 == 0 {
		return math.NaN(), 1
	}
	pooled := make([]float64, 0, n1+n2)
	pooled = append(pooled, a...)
	pooled = append(pooled, b...)
	ranks, tieTerm := Ranks(pooled)

	var r1 float64
	for i := range n1 {
		r1 += ranks[i]
	}
	fn1, fn2 := float64(n1), float64(n2)
	n := fn1 + fn2
	u = r1 - fn1*(fn1+1)/2

	mu := fn1 * fn2 / 2
	variance := fn1 * fn2 / 12 * ((n + 1) - tieTerm/(n*(n-1)))
	if variance <= 0 {
		return u, 1
	}
	diff := math.Abs(u-mu) - 0.5
	if diff < 0 {
		diff = 0
	}
	z := diff / math.Sqrt(variance)
	return u, math.Min(1, 2*distuv.UnitNormal.Survival(z))
}

// WelchT returns Welch's t statistic for mean(a)-mean(b) and its two-sided p-value.
func WelchT(a, b []float64) (t, p float64) {
	n1, n2 := float64(len(a)), float64(len(b))
	if n1 < 2 || n2 < 2 {
		return math.NaN(), 1
	}
	m1, v1 := stat.MeanVariance(a, nil)
	m2, v2 := stat.MeanVariance(b, nil)
	s1, s2 := v1/n1, v2/n2
	se := math.Sqrt(s1 + s2)
	if se == 0 {
		if m1 == m2 {
			return 0, 1
		}
		return math.Copysign(math.Inf(1), m1-m2), 0
	}
	t = (m1 - m2) / se
	df := (s1 + s2) * (s1 + s2) / (s1*s1/(n1-1) + s2*s2/(n2-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return t, math.Min(1, 2*dist.Survival(math.Abs(t)))
}
