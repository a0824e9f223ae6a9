package features

import (
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/tensorplex-labs/phenocluster/internal/core"
	"github.com/tensorplex-labs/phenocluster/internal/stats"
)

// Drop reasons reported by SelectFeatures.
const (
	DropLowVariance    = "low_variance"
	DropLowCardinality = "low_cardinality"
	DropCorrelated     = "correlated"
)

// Mean absolute correlations closer than this are treated as tied.
const meanTieTolerance = 1e-12

// SelectOptions configures SelectFeatures.
type SelectOptions struct {
	CorrelationThreshold float64
	VarianceThreshold    float64
	MinUniqueValues      int
}

// DroppedFeature records why a feature was removed.
type DroppedFeature struct {
	Feature string
	Reason  string
	// Partner is the feature it was correlated with, for DropCorrelated.
	Partner     string
	Correlation float64
}

// SelectResult is the reduced matrix plus the drop log.
type SelectResult struct {
	Matrix  *core.FeatureMatrix
	Kept    []string
	Dropped []DroppedFeature
}

// SelectFeatures removes low-variance features, then low-cardinality features, then
// iteratively breaks up correlated pairs until no retained pair has |r| above the
// threshold. Of the most correlated pair the feature with the higher mean absolute
// correlation to the rest is removed; equal means remove the later column.
func SelectFeatures(m *core.FeatureMatrix, opts SelectOptions) (*SelectResult, error) {
	const op = "features.SelectFeatures"

	if opts.CorrelationThreshold <= 0 || opts.CorrelationThreshold > 1 {
		return nil, core.Configurationf(op, "correlation threshold %v outside (0, 1]", opts.CorrelationThreshold)
	}
	if opts.VarianceThreshold < 0 {
		return nil, core.Configurationf(op, "negative variance threshold %v", opts.VarianceThreshold)
	}

	rows, cols := m.Dims()
	if rows < 2 {
		return nil, core.Validationf(op, "need at least two rows, got %d", rows)
	}
	if cols == 0 {
		return nil, core.Validationf(op, "matrix has no features")
	}

	result := &SelectResult{}

	var kept []int
	for j := range cols {
		col := m.Column(j)
		if v := stat.Variance(col, nil); v < opts.VarianceThreshold || v == 0 {
			result.Dropped = append(result.Dropped, DroppedFeature{Feature: m.Features[j], Reason: DropLowVariance})
			continue
		}
		kept = append(kept, j)
	}

	candidates := kept[:0:0]
	for _, j := range kept {
		if stats.Unique(m.Column(j)) < opts.MinUniqueValues {
			result.Dropped = append(result.Dropped, DroppedFeature{Feature: m.Features[j], Reason: DropLowCardinality})
			continue
		}
		candidates = append(candidates, j)
	}

	if len(candidates) > 1 {
		candidates, result.Dropped = pruneCorrelated(m, candidates, opts.CorrelationThreshold, result.Dropped)
	}

	if len(candidates) == 0 {
		return nil, core.Validationf(op, "no features left after selection (%d dropped)", len(result.Dropped))
	}

	result.Matrix = m.SelectColumns(candidates)
	result.Kept = result.Matrix.Features

	log.Debug().Int("features_in", cols).Int("features_kept", len(candidates)).Int("features_dropped", len(result.Dropped)).
		Msg("feature selection complete")
	return result, nil
}

// pruneCorrelated works on the correlation matrix of the candidate columns. alive
// tracks candidates by position, so ties in position order are original column order.
func pruneCorrelated(m *core.FeatureMatrix, candidates []int, threshold float64, dropped []DroppedFeature) ([]int, []DroppedFeature) {
	sub := m.SelectColumns(candidates).Data
	p := len(candidates)

	var corr mat.SymDense
	stat.CorrelationMatrix(&corr, sub, nil)

	abs := func(a, b int) float64 {
		r := corr.At(a, b)
		if math.IsNaN(r) {
			return 0
		}
		return math.Abs(r)
	}

	alive := make([]bool, p)
	for i := range alive {
		alive[i] = true
	}
	nAlive := p

	for nAlive > 1 {
		a, b, best := -1, -1, threshold
		for i := range p {
			if !alive[i] {
				continue
			}
			for j := i + 1; j < p; j++ {
				if alive[j] && abs(i, j) > best {
					a, b, best = i, j, abs(i, j)
				}
			}
		}
		if a < 0 {
			break
		}

		meanA, meanB := meanAbsCorrelation(a, alive, abs), meanAbsCorrelation(b, alive, abs)
		victim, partner := b, a
		if meanA > meanB+meanTieTolerance {
			victim, partner = a, b
		}

		alive[victim] = false
		nAlive--
		dropped = append(dropped, DroppedFeature{
			Feature:     m.Features[candidates[victim]],
			Reason:      DropCorrelated,
			Partner:     m.Features[candidates[partner]],
			Correlation: corr.At(a, b),
		})
	}

	kept := make([]int, 0, nAlive)
	for i, ok := range alive {
		if ok {
			kept = append(kept, candidates[i])
		}
	}
	return kept, dropped
}

func meanAbsCorrelation(i int, alive []bool, abs func(a, b int) float64) float64 {
	var sum float64
	var n int
	for j, ok := range alive {
		if !ok || j == i {
			continue
		}
		sum += abs(i, j)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
