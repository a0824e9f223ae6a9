package reduce

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

// Metric names a row distance.
type Metric string

const (
	MetricEuclidean Metric = "euclidean"
	MetricCosine    Metric = "cosine"
)

// ParseMetric maps a configured metric name onto a Metric. Unknown names are a
// configuration error.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricEuclidean, MetricCosine:
		return m, nil
	default:
		return "", core.Configurationf("reduce.ParseMetric", "unknown metric %q", s)
	}
}

// CosineSimilarity is the cosine of the angle between two embedding rows. Rows of
// different length, or with no magnitude, have no direction to compare and score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// Distance between two rows under the metric. Cosine distance is 1 - similarity.
func (m Metric) Distance(a, b []float64) float64 {
	if m == MetricCosine {
		sim := CosineSimilarity(a, b)
		if math.IsNaN(sim) {
			sim = 0
		}
		return math.Max(0, 1-sim)
	}
	return floats.Distance(a, b, 2)
}

// PairwiseDistances returns the symmetric row distance matrix of x.
func PairwiseDistances(x mat.Matrix, metric Metric) *mat.SymDense {
	rows, _ := x.Dims()
	vecs := make([][]float64, rows)
	for i := range rows {
		vecs[i] = mat.Row(nil, i, x)
	}

	dist := mat.NewSymDense(rows, nil)
	for i := range rows {
		for j := i + 1; j < rows; j++ {
			dist.SetSym(i, j, metric.Distance(vecs[i], vecs[j]))
		}
	}
	return dist
}
