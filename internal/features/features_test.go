package features

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

func newMatrix(t *testing.T, rows int, features []string, fill func(i, j int) float64, meta map[string][]string) *core.FeatureMatrix {
	t.Helper()
	ids := make([]string, rows)
	data := mat.NewDense(rows, len(features), nil)
	for i := range rows {
		ids[i] = fmt.Sprintf("gene%03d", i)
		for j := range features {
			data.Set(i, j, fill(i, j))
		}
	}
	m, err := core.NewFeatureMatrix(ids, features, data, meta)
	require.NoError(t, err)
	return m
}

func correlatedMatrix(t *testing.T) *core.FeatureMatrix {
	rng := rand.New(rand.NewPCG(1, 2))
	const rows = 200
	base := make([]float64, rows)
	other := make([]float64, rows)
	for i := range rows {
		base[i] = rng.NormFloat64()
		other[i] = rng.NormFloat64()
	}
	features := []string{"a", "a_copy", "a_noisy", "b", "const", "binary", "c"}
	return newMatrix(t, rows, features, func(i, j int) float64 {
		switch features[j] {
		case "a":
			return base[i]
		case "a_copy":
			return 2*base[i] + 1
		case "a_noisy":
			return base[i] + 0.05*other[i]
		case "b":
			return other[i]
		case "const":
			return 3
		case "binary":
			return float64(i % 2)
		default:
			return rng.NormFloat64()
		}
	}, nil)
}

func TestSelectFeaturesDropsByReason(t *testing.T) {
	m := correlatedMatrix(t)
	res, err := SelectFeatures(m, SelectOptions{CorrelationThreshold: 0.9, VarianceThreshold: 1e-6, MinUniqueValues: 5})
	require.NoError(t, err)

	reasons := map[string]string{}
	for _, d := range res.Dropped {
		reasons[d.Feature] = d.Reason
	}
	assert.Equal(t, DropLowVariance, reasons["const"])
	assert.Equal(t, DropLowCardinality, reasons["binary"])

	// exactly one representative of the a-family survives
	family := 0
	for _, f := range res.Kept {
		if f == "a" || f == "a_copy" || f == "a_noisy" {
			family++
		}
	}
	assert.Equal(t, 1, family)
	assert.Contains(t, res.Kept, "b")
	assert.Contains(t, res.Kept, "c")
}

func TestSelectFeaturesRetainedPairsBelowThreshold(t *testing.T) {
	m := correlatedMatrix(t)
	const threshold = 0.9
	res, err := SelectFeatures(m, SelectOptions{CorrelationThreshold: threshold, VarianceThreshold: 0, MinUniqueValues: 2})
	require.NoError(t, err)

	_, cols := res.Matrix.Dims()
	for a := range cols {
		for b := a + 1; b < cols; b++ {
			r := stat.Correlation(res.Matrix.Column(a), res.Matrix.Column(b), nil)
			assert.LessOrEqual(t, math.Abs(r), threshold, "%s vs %s", res.Kept[a], res.Kept[b])
		}
	}
}

func TestSelectFeaturesIsIdempotent(t *testing.T) {
	opts := SelectOptions{CorrelationThreshold: 0.8, VarianceThreshold: 1e-6, MinUniqueValues: 5}
	first, err := SelectFeatures(correlatedMatrix(t), opts)
	require.NoError(t, err)

	second, err := SelectFeatures(first.Matrix, opts)
	require.NoError(t, err)

	assert.Equal(t, first.Kept, second.Kept)
	assert.Empty(t, second.Dropped)
}

func TestSelectFeaturesTieBreakKeepsEarlierColumn(t *testing.T) {
	// x and y are perfectly correlated and symmetric with respect to z, so their
	// mean absolute correlations tie and the later column must go.
	rng := rand.New(rand.NewPCG(3, 4))
	x := make([]float64, 50)
	z := make([]float64, 50)
	for i := range x {
		x[i] = rng.NormFloat64()
		z[i] = rng.NormFloat64()
	}
	m := newMatrix(t, 50, []string{"x", "y", "z"}, func(i, j int) float64 {
		switch j {
		case 0, 1:
			return x[i]
		default:
			return z[i]
		}
	}, nil)

	res, err := SelectFeatures(m, SelectOptions{CorrelationThreshold: 0.95, MinUniqueValues: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "z"}, res.Kept)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "y", res.Dropped[0].Feature)
	assert.Equal(t, "x", res.Dropped[0].Partner)
}

func TestSelectFeaturesFailures(t *testing.T) {
	constant := newMatrix(t, 10, []string{"a", "b"}, func(i, j int) float64 { return 1 }, nil)
	_, err := SelectFeatures(constant, SelectOptions{CorrelationThreshold: 0.9, MinUniqueValues: 2})
	assert.ErrorIs(t, err, core.ErrValidation)

	single := newMatrix(t, 1, []string{"a"}, func(i, j int) float64 { return float64(i) }, nil)
	_, err = SelectFeatures(single, SelectOptions{CorrelationThreshold: 0.9, MinUniqueValues: 2})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = SelectFeatures(constant, SelectOptions{CorrelationThreshold: 0, MinUniqueValues: 2})
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

// symmetricBatch builds control values mirrored around center so that their
// mean equals their median exactly.
func symmetricBatch(center, spread float64, n int) []float64 {
	out := make([]float64, 0, 2*n)
	for k := 1; k <= n; k++ {
		d := spread * float64(k) / float64(n)
		out = append(out, center-d, center+d)
	}
	return out
}

func TestNormalizeToControlsCentersControlsPerBatch(t *testing.T) {
	batchCenters := map[string][]float64{
		"plate1": {10, -4},
		"plate2": {50, 3},
	}
	var ids, plates []string
	var values [][]float64
	for _, plate := range []string{"plate1", "plate2"} {
		c0 := symmetricBatch(batchCenters[plate][0], 2, 10)
		c1 := symmetricBatch(batchCenters[plate][1], 5, 10)
		for k := range c0 {
			ids = append(ids, fmt.Sprintf("nontargeting_%s_%02d", plate, k))
			plates = append(plates, plate)
			values = append(values, []float64{c0[k], c1[k]})
		}
		for k := range 15 {
			ids = append(ids, fmt.Sprintf("GENE%d_%s", k, plate))
			plates = append(plates, plate)
			values = append(values, []float64{batchCenters[plate][0] + float64(k), batchCenters[plate][1] - float64(k)})
		}
	}
	data := mat.NewDense(len(ids), 2, nil)
	for i, row := range values {
		data.SetRow(i, row)
	}
	m, err := core.NewFeatureMatrix(ids, []string{"f0", "f1"}, data, map[string][]string{"plate": plates})
	require.NoError(t, err)

	rule := core.ControlRule{Prefix: "nontargeting"}
	res, err := NormalizeToControls(m, NormalizeOptions{Controls: rule, BatchColumns: []string{"plate"}, MinControls: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	require.Len(t, res.Batches, 2)

	controls := rule.Match(res.Matrix)
	for _, plate := range []string{"plate1", "plate2"} {
		for j := range 2 {
			var col []float64
			for _, i := range controls {
				if res.Matrix.Meta["plate"][i] == plate {
					col = append(col, res.Matrix.Data.At(i, j))
				}
			}
			assert.InDelta(t, 0, stat.Mean(col, nil), 1e-9, "plate %s feature %d", plate, j)
		}
	}

	// non-control rows are rescaled with their own batch statistics, so the
	// first gene of both plates lands at the same normalized value
	idx := res.Matrix.RowIndex()
	assert.InDelta(t,
		res.Matrix.Data.At(idx["GENE3_plate1"], 0),
		res.Matrix.Data.At(idx["GENE3_plate2"], 0), 1e-9)
}

func TestNormalizeToControlsFallsBackToPooled(t *testing.T) {
	meta := map[string][]string{"plate": make([]string, 30)}
	for i := range 30 {
		meta["plate"][i] = "big"
		if i >= 27 {
			meta["plate"][i] = "small"
		}
	}
	m := newMatrix(t, 30, []string{"f"}, func(i, j int) float64 { return float64(i%7) + 0.5*float64(i) }, meta)
	// rows 0..19 and 27..28 are controls: the small plate has only 2
	rule := core.ControlRule{Column: "role", Values: []string{"ctrl"}}
	m.Meta["role"] = make([]string, 30)
	for i := range 30 {
		m.Meta["role"][i] = "gene"
		if i < 20 || i == 27 || i == 28 {
			m.Meta["role"][i] = "ctrl"
		}
	}

	res, err := NormalizeToControls(m, NormalizeOptions{Controls: rule, BatchColumns: []string{"plate"}, MinControls: 5})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "small")

	for _, b := range res.Batches {
		assert.Equal(t, b.Batch == "small", b.Pooled, b.Batch)
	}
}

func TestNormalizeToControlsErrors(t *testing.T) {
	m := newMatrix(t, 10, []string{"f"}, func(i, j int) float64 { return float64(i) }, nil)

	_, err := NormalizeToControls(m, NormalizeOptions{Controls: core.ControlRule{Prefix: "nontargeting"}, MinControls: 2})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = NormalizeToControls(m, NormalizeOptions{Controls: core.ControlRule{Prefix: "gene"}, BatchColumns: []string{"plate"}, MinControls: 2})
	assert.ErrorIs(t, err, core.ErrValidation)
}
