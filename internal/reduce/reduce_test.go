package reduce

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

func matrixFrom(t *testing.T, data *mat.Dense) *core.FeatureMatrix {
	t.Helper()
	rows, cols := data.Dims()
	ids := make([]string, rows)
	for i := range ids {
		ids[i] = fmt.Sprintf("gene%03d", i)
	}
	features := make([]string, cols)
	for j := range features {
		features[j] = fmt.Sprintf("f%d", j)
	}
	m, err := core.NewFeatureMatrix(ids, features, data, nil)
	require.NoError(t, err)
	return m
}

// rankTwo builds five features that are exact linear combinations of two
// independent latent factors with equal loading norms.
func rankTwo(t *testing.T, rows int) *core.FeatureMatrix {
	rng := rand.New(rand.NewPCG(11, 12))
	loadings := [][2]float64{{1, 0}, {0, 1}, {0.6, 0.8}, {0.8, -0.6}, {-0.6, 0.8}}
	data := mat.NewDense(rows, len(loadings), nil)
	for i := range rows {
		u, v := rng.NormFloat64(), rng.NormFloat64()
		for j, l := range loadings {
			data.Set(i, j, l[0]*u+l[1]*v)
		}
	}
	return matrixFrom(t, data)
}

func TestPCASelectsSmallestK(t *testing.T) {
	m := rankTwo(t, 120)
	emb, err := PCA(m, PCAOptions{VarianceThreshold: 0.95})
	require.NoError(t, err)

	assert.Equal(t, 2, emb.Components)
	assert.Equal(t, core.ProvenancePCA, emb.Provenance)
	rows, dims := emb.Dims()
	assert.Equal(t, 120, rows)
	assert.Equal(t, 2, dims)
	assert.InDelta(t, 1, emb.ExplainedVariance[1], 1e-9)
	assert.Equal(t, m.IDs, emb.IDs)
}

func TestPCAThresholdIsInclusive(t *testing.T) {
	m := rankTwo(t, 120)

	var pc stat.PC
	require.True(t, pc.PrincipalComponents(m.Data, nil))
	vars := pc.VarsTo(nil)
	first := vars[0] / floats.Sum(vars)

	emb, err := PCA(m, PCAOptions{VarianceThreshold: first})
	require.NoError(t, err)
	assert.Equal(t, 1, emb.Components)
}

func TestPCAScoresCarryComponentVariance(t *testing.T) {
	m := rankTwo(t, 80)
	emb, err := PCA(m, PCAOptions{Components: 2})
	require.NoError(t, err)

	var pc stat.PC
	require.True(t, pc.PrincipalComponents(m.Data, nil))
	vars := pc.VarsTo(nil)
	for j := range 2 {
		col := mat.Col(nil, j, emb.Coords)
		assert.InDelta(t, vars[j], stat.Variance(col, nil), 1e-9)
		assert.InDelta(t, 0, stat.Mean(col, nil), 1e-9)
	}
}

func TestPCACapsComponents(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	data := mat.NewDense(4, 10, nil)
	for i := range 4 {
		for j := range 10 {
			data.Set(i, j, rng.NormFloat64())
		}
	}
	emb, err := PCA(matrixFrom(t, data), PCAOptions{Components: 8})
	require.NoError(t, err)
	assert.Equal(t, 3, emb.Components)
}

func TestPCAErrors(t *testing.T) {
	constant := mat.NewDense(10, 3, nil)
	_, err := PCA(matrixFrom(t, constant), PCAOptions{VarianceThreshold: 0.9})
	assert.ErrorIs(t, err, core.ErrComputation)

	single := mat.NewDense(1, 3, []float64{1, 2, 3})
	_, err = PCA(matrixFrom(t, single), PCAOptions{VarianceThreshold: 0.9})
	assert.ErrorIs(t, err, core.ErrComputation)

	withNaN := mat.NewDense(3, 2, []float64{1, 2, math.NaN(), 4, 5, 6})
	_, err = PCA(matrixFrom(t, withNaN), PCAOptions{VarianceThreshold: 0.9})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = PCA(rankTwo(t, 20), PCAOptions{VarianceThreshold: 1.5})
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

// blobs places perClass points around each of three far apart centers.
func blobs(perClass int) (*core.Embedding, []int) {
	rng := rand.New(rand.NewPCG(21, 22))
	centers := [][]float64{{0, 0, 0, 0}, {30, 0, 0, 0}, {0, 30, 0, 0}}
	n := perClass * len(centers)
	coords := mat.NewDense(n, 4, nil)
	ids := make([]string, n)
	class := make([]int, n)
	for c, center := range centers {
		for k := range perClass {
			i := c*perClass + k
			ids[i] = fmt.Sprintf("g%d_%d", c, k)
			class[i] = c
			for j, v := range center {
				coords.Set(i, j, v+rng.NormFloat64())
			}
		}
	}
	return &core.Embedding{IDs: ids, Coords: coords, Provenance: core.ProvenancePCA, Components: 4}, class
}

func defaultManifold() ManifoldOptions {
	return ManifoldOptions{
		Metric:           MetricEuclidean,
		Neighbors:        5,
		DecayAlpha:       40,
		MaxDiffusionTime: 50,
		Dims:             2,
		MDSIterations:    100,
	}
}

func TestDiffusionEmbedSeparatesBlobs(t *testing.T) {
	pca, class := blobs(20)
	emb, err := DiffusionEmbed(pca, defaultManifold())
	require.NoError(t, err)

	rows, dims := emb.Dims()
	require.Equal(t, 60, rows)
	require.Equal(t, 2, dims)
	assert.Equal(t, core.ProvenanceManifold, emb.Provenance)
	assert.GreaterOrEqual(t, emb.DiffusionTime, 1)
	assert.LessOrEqual(t, emb.DiffusionTime, 50)

	var within, between float64
	var nWithin, nBetween int
	for i := range rows {
		for j := i + 1; j < rows; j++ {
			d := floats.Distance(emb.Coords.RawRowView(i), emb.Coords.RawRowView(j), 2)
			if class[i] == class[j] {
				within += d
				nWithin++
			} else {
				between += d
				nBetween++
			}
		}
	}
	assert.Less(t, within/float64(nWithin), between/float64(nBetween))
}

func TestDiffusionEmbedIsDeterministic(t *testing.T) {
	pca, _ := blobs(15)
	opts := defaultManifold()
	opts.DiffusionTime = 10

	first, err := DiffusionEmbed(pca, opts)
	require.NoError(t, err)
	second, err := DiffusionEmbed(pca, opts)
	require.NoError(t, err)

	assert.Equal(t, 10, first.DiffusionTime)
	assert.True(t, mat.Equal(first.Coords, second.Coords))
}

func TestDiffusionEmbedCosine(t *testing.T) {
	pca, _ := blobs(15)
	opts := defaultManifold()
	opts.Metric = MetricCosine
	emb, err := DiffusionEmbed(pca, opts)
	require.NoError(t, err)
	assert.True(t, allFinite(emb.Coords))
}

func TestDiffusionEmbedErrors(t *testing.T) {
	pca, _ := blobs(2)
	opts := defaultManifold()
	opts.Neighbors = 6
	_, err := DiffusionEmbed(pca, opts)
	assert.ErrorIs(t, err, core.ErrComputation)

	opts = defaultManifold()
	opts.Dims = 0
	_, err = DiffusionEmbed(pca, opts)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1, CosineSimilarity([]float64{1, 2}, []float64{2, 4}), 1e-12)
	assert.InDelta(t, 0, CosineSimilarity([]float64{1, 0}, []float64{0, 3}), 1e-12)
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1}, []float64{1, 1}))

	assert.InDelta(t, 2, MetricCosine.Distance([]float64{1, 0}, []float64{-1, 0}), 1e-12)
	assert.InDelta(t, 5, MetricEuclidean.Distance([]float64{0, 0}, []float64{3, 4}), 1e-12)

	_, err := ParseMetric("manhattan")
	assert.ErrorIs(t, err, core.ErrConfiguration)
}
