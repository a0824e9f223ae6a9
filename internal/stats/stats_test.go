package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMedianAndMAD(t *testing.T) {
	tests := []struct {
		name   string
		x      []float64
		median float64
		mad    float64
	}{
		{"odd", []float64{3, 1, 2}, 2, 1},
		{"even", []float64{4, 1, 3, 2}, 2.5, 1},
		{"constant", []float64{5, 5, 5}, 5, 0},
		{"outlier", []float64{1, 2, 3, 4, 100}, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.median, Median(tt.x), 1e-12)
			assert.InDelta(t, tt.mad, MAD(tt.x), 1e-12)
		})
	}

	assert.True(t, math.IsNaN(Median(nil)))
}

func TestMedianDoesNotModifyInput(t *testing.T) {
	x := []float64{3, 1, 2}
	Median(x)
	assert.Equal(t, []float64{3, 1, 2}, x)
}

func TestRobustScaleFallsBackToStdDev(t *testing.T) {
	// More than half the values are identical, so the MAD is zero.
	x := []float64{0, 0, 0, 0, 10}
	assert.Greater(t, RobustScale(x), 0.0)
	assert.Equal(t, 0.0, RobustScale([]float64{1, 1, 1}))
}

func TestRanksWithTies(t *testing.T) {
	ranks, tieTerm := Ranks([]float64{10, 20, 20, 30})
	assert.Equal(t, []float64{1, 2.5, 2.5, 4}, ranks)
	assert.InDelta(t, 6.0, tieTerm, 1e-12) // 2^3 - 2
}

func TestHypergeomSF(t *testing.T) {
	// Drawing all 10 members of a 10-gene group in a 10-gene cluster out of 100 genes.
	p := HypergeomSF(10, 100, 10, 10)
	assert.Less(t, p, 1e-12)

	// At least zero overlap is certain.
	assert.InDelta(t, 1.0, HypergeomSF(0, 100, 10, 10), 1e-12)

	// P(X >= 1) = 1 - P(X = 0) for a small case computed by hand:
	// pool 5, successes 2, draws 2 -> P(X=0) = C(3,2)/C(5,2) = 3/10.
	assert.InDelta(t, 0.7, HypergeomSF(1, 5, 2, 2), 1e-9)

	// Impossible overlap.
	assert.Equal(t, 0.0, HypergeomSF(3, 5, 2, 2))
}

func TestNegLog10(t *testing.T) {
	assert.InDelta(t, 2.0, NegLog10(math.Log(0.01)), 1e-12)
	assert.Equal(t, math.MaxFloat64, NegLog10(math.Inf(-1)))
}

func TestMannWhitneyU(t *testing.T) {
	a := []float64{10, 11, 12, 13, 14, 15, 16, 17}
	b := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	u, p := MannWhitneyU(a, b)
	assert.InDelta(t, 64.0, u, 1e-12)
	assert.Less(t, p, 0.01)

	_, p = MannWhitneyU([]float64{1, 2, 3}, []float64{1, 2, 3})
	assert.InDelta(t, 1.0, p, 1e-9)

	_, p = MannWhitneyU(nil, b)
	assert.Equal(t, 1.0, p)
}

func TestWelchT(t *testing.T) {
	a := []float64{5.1, 4.9, 5.2, 5.0, 4.8, 5.3}
	b := []float64{1.0, 1.2, 0.9, 1.1, 0.8, 1.0}
	tStat, p := WelchT(a, b)
	require.False(t, math.IsNaN(tStat))
	assert.Greater(t, tStat, 0.0)
	assert.Less(t, p, 1e-6)

	tStat, p = WelchT(b, a)
	assert.Less(t, tStat, 0.0)
	assert.Less(t, p, 1e-6)

	_, p = WelchT([]float64{1}, b)
	assert.Equal(t, 1.0, p)
}
