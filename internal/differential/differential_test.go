package differential

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

// fixture: 40 controls and 20 cluster members over three features. The cluster is
// shifted strongly on "up", mildly on "down" and not at all on "flat".
func fixture(t *testing.T) (*core.FeatureMatrix, *core.ClusterAssignment) {
	t.Helper()
	return shiftedFixture(t, []float64{0, -2, 6})
}

// shiftedFixture offsets the cluster members from the controls by shift, per feature.
func shiftedFixture(t *testing.T, shift []float64) (*core.FeatureMatrix, *core.ClusterAssignment) {
	t.Helper()
	rng := rand.New(rand.NewPCG(8, 9))
	features := []string{"flat", "down", "up"}

	var ids []string
	var rows [][]float64
	for k := range 40 {
		ids = append(ids, fmt.Sprintf("nontargeting_%02d", k))
		rows = append(rows, []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()})
	}
	a := &core.ClusterAssignment{Resolution: 1}
	for k := range 20 {
		id := fmt.Sprintf("GENE%02d", k)
		ids = append(ids, id)
		row := make([]float64, 3)
		for j := range row {
			row[j] = shift[j] + 0.5*rng.NormFloat64()
		}
		rows = append(rows, row)
		a.IDs = append(a.IDs, id)
		a.Labels = append(a.Labels, 0)
	}
	a.IDs = append(a.IDs, "OTHER")
	a.Labels = append(a.Labels, 1)

	data := mat.NewDense(len(rows), 3, nil)
	for i, r := range rows {
		data.SetRow(i, r)
	}
	m, err := core.NewFeatureMatrix(ids, features, data, nil)
	require.NoError(t, err)
	return m, a
}

func TestAnalyzeRanksByRobustZ(t *testing.T) {
	m, a := fixture(t)
	for _, mode := range []Mode{ModeNonparametric, ModeParametric} {
		t.Run(string(mode), func(t *testing.T) {
			res, err := Analyze(m, a, 0, Options{Controls: core.ControlRule{Prefix: "nontargeting"}, Mode: mode})
			require.NoError(t, err)
			require.Len(t, res.Features, 3)

			assert.Equal(t, []string{"up", "down", "flat"}, []string{res.Features[0].Feature, res.Features[1].Feature, res.Features[2].Feature})
			up := res.Features[0]
			assert.Greater(t, up.RobustZ, 3.0)
			assert.Less(t, up.PValue, 1e-6)
			assert.Equal(t, 20, up.ClusterSize)
			assert.Equal(t, 40, up.ControlSize)
			assert.Less(t, res.Features[1].RobustZ, 0.0)

			for k := 1; k < len(res.Features); k++ {
				assert.GreaterOrEqual(t, math.Abs(res.Features[k-1].RobustZ), math.Abs(res.Features[k].RobustZ))
			}
		})
	}
}

func TestAnalyzeSingleShiftedFeature(t *testing.T) {
	for _, offset := range []float64{-4, 4} {
		t.Run(fmt.Sprintf("offset %v", offset), func(t *testing.T) {
			m, a := shiftedFixture(t, []float64{0, offset, 0})
			res, err := Analyze(m, a, 0, Options{Controls: core.ControlRule{Prefix: "nontargeting"}})
			require.NoError(t, err)
			require.Len(t, res.Features, 3)

			top := res.Features[0]
			assert.Equal(t, "down", top.Feature)
			assert.Equal(t, math.Signbit(offset), math.Signbit(top.RobustZ))
			assert.Greater(t, math.Abs(top.RobustZ), 2.0)
			for _, f := range res.Features[1:] {
				assert.Less(t, math.Abs(f.RobustZ), math.Abs(top.RobustZ))
			}
		})
	}
}

func TestAnalyzeTopNAndTies(t *testing.T) {
	// identical columns tie on |z| and keep column order
	ids := []string{"ctl_a", "ctl_b", "ctl_c", "g1", "g2"}
	data := mat.NewDense(5, 3, []float64{
		0, 0, 0,
		1, 1, 1,
		-1, -1, -1,
		5, 5, 5,
		6, 6, 6,
	})
	m, err := core.NewFeatureMatrix(ids, []string{"c0", "c1", "c2"}, data, nil)
	require.NoError(t, err)
	a := &core.ClusterAssignment{IDs: []string{"g1", "g2"}, Labels: []int{0, 0}}

	res, err := Analyze(m, a, 0, Options{Controls: core.ControlRule{Prefix: "ctl"}, TopN: 2})
	require.NoError(t, err)
	require.Len(t, res.Features, 2)
	assert.Equal(t, "c0", res.Features[0].Feature)
	assert.Equal(t, "c1", res.Features[1].Feature)
	// median 5.5 against control median 0 and scale 1.4826
	assert.InDelta(t, 5.5/1.4826, res.Features[0].RobustZ, 1e-9)
}

func TestAnalyzeErrors(t *testing.T) {
	m, a := fixture(t)
	rule := core.ControlRule{Prefix: "nontargeting"}

	_, err := Analyze(m, a, 7, Options{Controls: rule})
	assert.ErrorIs(t, err, core.ErrValidation)

	// cluster 1 holds an id that is not in the matrix
	_, err = Analyze(m, a, 1, Options{Controls: rule})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = Analyze(m, a, 0, Options{Controls: core.ControlRule{Prefix: "GENE00"}})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = Analyze(m, a, 0, Options{Controls: rule, Mode: "bayesian"})
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestAnalyzeAll(t *testing.T) {
	m, a := fixture(t)
	a.Labels[len(a.Labels)-1] = core.OutlierLabel

	results, err := AnalyzeAll(m, a, Options{Controls: core.ControlRule{Prefix: "nontargeting"}, TopN: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].ClusterID)
	assert.Equal(t, "up", results[0].Features[0].Feature)
}
