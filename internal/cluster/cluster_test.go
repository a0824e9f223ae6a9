package cluster

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

type blob struct {
	x, y float64
	n    int
}

func embedBlobs(seed uint64, blobs []blob) (*core.Embedding, []int) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	total := 0
	for _, b := range blobs {
		total += b.n
	}
	coords := mat.NewDense(total, 2, nil)
	ids := make([]string, 0, total)
	truth := make([]int, 0, total)
	i := 0
	for c, b := range blobs {
		for k := range b.n {
			coords.Set(i, 0, b.x+rng.NormFloat64())
			coords.Set(i, 1, b.y+rng.NormFloat64())
			ids = append(ids, fmt.Sprintf("b%d_%02d", c, k))
			truth = append(truth, c)
			i++
		}
	}
	return &core.Embedding{IDs: ids, Coords: coords, Provenance: core.ProvenanceManifold}, truth
}

func fiveBlobs() []blob {
	return []blob{{0, 0, 30}, {50, 0, 30}, {0, 50, 30}, {50, 50, 30}, {25, 100, 30}}
}

func TestPartitionRecoversSeparatedBlobs(t *testing.T) {
	emb, truth := embedBlobs(1, fiveBlobs())
	got, err := Cluster(context.Background(), emb, 10, Options{Resolution: 0.1, MinClusterSize: 3, Seed: 42})
	require.NoError(t, err)

	require.Len(t, got.Labels, len(truth))
	assert.Equal(t, 5, got.NumClusters())
	assert.Zero(t, got.NumOutliers())

	// one-to-one correspondence between blobs and labels
	blobLabel := map[int]int{}
	for i, c := range truth {
		if l, ok := blobLabel[c]; ok {
			assert.Equal(t, l, got.Labels[i], "row %d", i)
			continue
		}
		blobLabel[c] = got.Labels[i]
	}
	seen := map[int]bool{}
	for _, l := range blobLabel {
		assert.False(t, seen[l])
		seen[l] = true
	}
	assert.Greater(t, got.Modularity, 0.0)
}

func TestPartitionIsDeterministic(t *testing.T) {
	emb, _ := embedBlobs(3, []blob{{0, 0, 120}})
	g, err := NewKNNGraph(emb, 15)
	require.NoError(t, err)

	opts := Options{Resolution: 1, MinClusterSize: 3, Policy: PolicyMerge, Seed: 7}
	first, err := g.Partition(context.Background(), opts)
	require.NoError(t, err)
	second, err := g.Partition(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, first.Labels, second.Labels)
	assert.Equal(t, first.Modularity, second.Modularity)
}

func TestPartitionResolutionControlsGranularity(t *testing.T) {
	emb, _ := embedBlobs(5, []blob{{0, 0, 150}})
	g, err := NewKNNGraph(emb, 15)
	require.NoError(t, err)

	coarse, err := g.Partition(context.Background(), Options{Resolution: 0.1, Policy: PolicyKeep, Seed: 1})
	require.NoError(t, err)
	fine, err := g.Partition(context.Background(), Options{Resolution: 5, Policy: PolicyKeep, Seed: 1})
	require.NoError(t, err)

	assert.Greater(t, fine.NumClusters(), coarse.NumClusters())
}

func TestPartitionLabelsOrderedBySize(t *testing.T) {
	emb, _ := embedBlobs(9, []blob{{0, 0, 10}, {40, 0, 40}, {0, 40, 25}})
	got, err := Cluster(context.Background(), emb, 5, Options{Resolution: 0.1, Seed: 3})
	require.NoError(t, err)

	sizes := map[int]int{}
	for _, l := range got.Labels {
		sizes[l]++
	}
	require.Len(t, sizes, 3)
	assert.Equal(t, 40, sizes[0])
	assert.Equal(t, 25, sizes[1])
	assert.Equal(t, 10, sizes[2])
}

func smallBlobFixture() (*core.Embedding, []int) {
	emb, truth := embedBlobs(11, []blob{{0, 0, 30}, {40, 0, 30}, {0, 40, 30}})
	n, _ := emb.Dims()
	coords := mat.NewDense(n+2, 2, nil)
	coords.Slice(0, n, 0, 2).(*mat.Dense).Copy(emb.Coords)
	coords.SetRow(n, []float64{70, 0})
	coords.SetRow(n+1, []float64{70.5, 0})
	emb.Coords = coords
	emb.IDs = append(emb.IDs, "tiny_a", "tiny_b")
	truth = append(truth, 3, 3)
	return emb, truth
}

func TestSmallClusterPolicies(t *testing.T) {
	emb, truth := smallBlobFixture()
	g, err := NewKNNGraph(emb, 5)
	require.NoError(t, err)
	n := len(truth)

	t.Run("outlier", func(t *testing.T) {
		got, err := g.Partition(context.Background(), Options{Resolution: 0.1, MinClusterSize: 5, Policy: PolicyOutlier, Seed: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, got.NumClusters())
		assert.Equal(t, 2, got.NumOutliers())
		assert.Equal(t, core.OutlierLabel, got.Labels[n-1])
		assert.Equal(t, core.OutlierLabel, got.Labels[n-2])
	})

	t.Run("merge", func(t *testing.T) {
		got, err := g.Partition(context.Background(), Options{Resolution: 0.1, MinClusterSize: 5, Policy: PolicyMerge, Seed: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, got.NumClusters())
		assert.Zero(t, got.NumOutliers())
		// the tiny pair sits next to the blob centered at (40, 0), rows 30..59
		assert.Equal(t, got.Labels[30], got.Labels[n-1])
		assert.Equal(t, got.Labels[30], got.Labels[n-2])
	})

	t.Run("keep", func(t *testing.T) {
		got, err := g.Partition(context.Background(), Options{Resolution: 0.1, MinClusterSize: 5, Policy: PolicyKeep, Seed: 1})
		require.NoError(t, err)
		assert.Equal(t, 4, got.NumClusters())
		assert.Equal(t, 3, got.Labels[n-1])
		assert.Equal(t, 3, got.Labels[n-2])
	})
}

func TestGraphErrors(t *testing.T) {
	single := &core.Embedding{IDs: []string{"a"}, Coords: mat.NewDense(1, 2, []float64{0, 0})}
	_, err := NewKNNGraph(single, 3)
	assert.ErrorIs(t, err, core.ErrComputation)

	// the squared distance overflows, so no edge survives
	degenerate := &core.Embedding{IDs: []string{"a", "b"}, Coords: mat.NewDense(2, 1, []float64{0, 1e200})}
	_, err = NewKNNGraph(degenerate, 1)
	assert.ErrorIs(t, err, core.ErrComputation)

	emb, _ := embedBlobs(1, []blob{{0, 0, 20}})
	g, err := NewKNNGraph(emb, 5)
	require.NoError(t, err)
	_, err = g.Partition(context.Background(), Options{Resolution: 0})
	assert.ErrorIs(t, err, core.ErrConfiguration)
	_, err = g.Partition(context.Background(), Options{Resolution: 1, Policy: "drop"})
	assert.ErrorIs(t, err, core.ErrConfiguration)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Partition(ctx, Options{Resolution: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGraphIsSymmetricAndOrdered(t *testing.T) {
	emb, _ := embedBlobs(2, []blob{{0, 0, 40}})
	g, err := NewKNNGraph(emb, 6)
	require.NoError(t, err)

	nodes := g.Nodes()
	for nodes.Next() {
		u := nodes.Node().ID()
		prev := int64(-1)
		to := g.From(u)
		for to.Next() {
			v := to.Node().ID()
			assert.Greater(t, v, prev)
			prev = v
			wuv, ok := g.Weight(u, v)
			require.True(t, ok)
			wvu, _ := g.Weight(v, u)
			assert.Equal(t, wuv, wvu)
			assert.True(t, g.HasEdgeBetween(v, u))
		}
	}
	assert.Nil(t, g.Edge(0, 0))
	assert.Nil(t, g.Node(1000))
}
