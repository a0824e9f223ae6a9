// Package reduce embeds a feature matrix into a low-dimensional space: PCA followed
// by an optional diffusion-potential manifold embedding.
package reduce

import (
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

const varianceTolerance = 1e-12

// PCAOptions picks the number of components: a fixed Components when positive,
// otherwise the smallest K reaching VarianceThreshold of cumulative explained variance.
type PCAOptions struct {
	VarianceThreshold float64
	Components        int
}

// PCA projects the rows of m onto their leading principal components. K is capped at
// min(features, rows-1).
func PCA(m *core.FeatureMatrix, opts PCAOptions) (*core.Embedding, error) {
	const op = "reduce.PCA"

	if opts.Components < 0 {
		return nil, core.Configurationf(op, "negative component count %d", opts.Components)
	}
	if opts.Components == 0 && (opts.VarianceThreshold <= 0 || opts.VarianceThreshold > 1) {
		return nil, core.Configurationf(op, "variance threshold %v outside (0, 1]", opts.VarianceThreshold)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	rows, cols := m.Dims()
	if rows < 2 || cols == 0 {
		return nil, core.Computationf(op, "cannot decompose a %d x %d matrix", rows, cols)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(m.Data, nil); !ok {
		return nil, core.Computationf(op, "principal component decomposition did not converge")
	}
	vars := pc.VarsTo(nil)

	total := floats.Sum(vars)
	if total <= 0 || math.IsNaN(total) {
		return nil, core.Computationf(op, "data has no variance")
	}
	cumulative := make([]float64, len(vars))
	floats.CumSum(cumulative, vars)
	floats.Scale(1/total, cumulative)

	limit := min(cols, rows-1, len(vars))

	k := opts.Components
	if k == 0 {
		for i, c := range cumulative {
			if c >= opts.VarianceThreshold-varianceTolerance {
				k = i + 1
				break
			}
		}
	}
	if k > limit {
		log.Warn().Int("requested", k).Int("limit", limit).Msg("capping principal components at min(features, rows-1)")
		k = limit
	}
	if k == 0 {
		return nil, core.Computationf(op, "no principal components retained")
	}

	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	centered := mat.DenseCopyOf(m.Data)
	for j := range cols {
		mean := stat.Mean(m.Column(j), nil)
		for i := range rows {
			centered.Set(i, j, centered.At(i, j)-mean)
		}
	}

	coords := mat.NewDense(rows, k, nil)
	coords.Mul(centered, vecs.Slice(0, cols, 0, k))

	log.Debug().Int("rows", rows).Int("features", cols).Int("components", k).
		Float64("explained_variance", cumulative[k-1]).Msg("pca complete")

	return &core.Embedding{
		IDs:               append([]string(nil), m.IDs...),
		Coords:            coords,
		Provenance:        core.ProvenancePCA,
		Components:        k,
		ExplainedVariance: append([]float64(nil), cumulative[:k]...),
	}, nil
}
