// Package stats contains the robust location/scale estimators and significance
// tests shared by the normalizer, the benchmark evaluator and the differential analyzer.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MADScale makes the median absolute deviation a consistent estimator of the
// standard deviation under normality.
const MADScale = 1.4826

// Median returns the median of x, averaging the two middle values for even lengths.
// It returns NaN for an empty slice and does not modify x.
func Median(x []float64) float64 {
	n := len(x)
	if n == 0 {
		return math.NaN()
	}
	sorted := make([]float64, n)
	copy(sorted, x)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return 0.5 * (sorted[n/2-1] + sorted[n/2])
}

// MAD returns the unscaled median absolute deviation around the median.
func MAD(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	med := Median(x)
	dev := make([]float64, len(x))
	copy(dev, x)
	floats.AddConst(-med, dev)
	for i, v := range dev {
		dev[i] = math.Abs(v)
	}
	return Median(dev)
}

// RobustScale returns MADScale*MAD(x), falling back to the sample standard
// deviation when the MAD is zero. Zero is returned only for constant input.
func RobustScale(x []float64) float64 {
	if s := MADScale * MAD(x); s > 0 {
		return s
	}
	if len(x) < 2 {
		return 0
	}
	return stat.StdDev(x, nil)
}

// Unique counts distinct values in x.
func Unique(x []float64) int {
	seen := make(map[float64]struct{}, len(x))
	for _, v := range x {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// Ranks returns 1-based average ranks of x (ties share the mean rank) and the
// tie correction term sum(t^3 - t) over tie groups.
func Ranks(x []float64) (ranks []float64, tieTerm float64) {
	n := len(x)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return x[order[a]] < x[order[b]] })

	ranks = make([]float64, n)
	for i := 0; i < n; {
		j := i + 1
		for j < n && x[order[j]] == x[order[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[order[k]] = avg
		}
		t := float64(j - i)
		tieTerm += t*t*t - t
		i = j
	}
	return ranks, tieTerm
}
