// Package simulate generates synthetic perturbation screens with a planted cluster
// structure, batch effects and matching benchmark tables.
package simulate

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

const (
	BatchColumn     = "plate"
	CellCountColumn = "cell_count"
	ControlPrefix   = "nontargeting"
)

// Options describes the screen. Separation is the distance of every cluster center
// from the origin in units of Noise. Controls are dealt round-robin over Batches; the
// per-batch median and MAD need about a hundred controls per batch to leave no plate
// offset the manifold embedding can resolve.
type Options struct {
	Genes             int
	Clusters          int
	Controls          int
	Features          int
	RedundantFeatures int
	Batches           int
	Separation        float64
	Noise             float64
	BatchShift        float64
	PairsPerCluster   int
	Seed              uint64
}

func DefaultOptions() Options {
	return Options{
		Genes:             500,
		Clusters:          5,
		Controls:          300,
		Features:          16,
		RedundantFeatures: 2,
		Batches:           3,
		Separation:        10,
		Noise:             1,
		BatchShift:        3,
		PairsPerCluster:   40,
		Seed:              1,
	}
}

// Screen is a generated dataset and its ground truth.
type Screen struct {
	Matrix *core.FeatureMatrix
	// Truth maps every gene to its planted cluster; controls are absent.
	Truth  map[string]int
	Pairs  *core.PairBenchmark
	Groups *core.GroupBenchmark
}

// Generate draws a screen. Genes are split evenly across clusters; each cluster center
// is a random direction scaled to Separation*Noise. Every batch adds its own offset to
// all of its rows, controls included.
func Generate(opts Options) (*Screen, error) {
	const op = "simulate.Generate"

	if opts.Genes < opts.Clusters || opts.Clusters < 1 || opts.Features < 1 || opts.Controls < 2 || opts.Batches < 1 {
		return nil, core.Configurationf(op, "invalid options %+v", opts)
	}
	if opts.Noise <= 0 {
		return nil, core.Configurationf(op, "noise must be positive, got %v", opts.Noise)
	}

	src := rand.NewPCG(opts.Seed, opts.Seed^0xda3e39cb94b95bdb)
	rng := rand.New(src)
	noise := distuv.Normal{Mu: 0, Sigma: opts.Noise, Src: src}
	unit := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	centers := make([][]float64, opts.Clusters)
	for c := range centers {
		dir := make([]float64, opts.Features)
		for j := range dir {
			dir[j] = unit.Rand()
		}
		floats.Scale(opts.Separation*opts.Noise/floats.Norm(dir, 2), dir)
		centers[c] = dir
	}
	shifts := make([][]float64, opts.Batches)
	for b := range shifts {
		shifts[b] = make([]float64, opts.Features)
		for j := range shifts[b] {
			shifts[b][j] = opts.BatchShift * opts.Noise * unit.Rand()
		}
	}

	rows := opts.Controls + opts.Genes
	cols := opts.Features + opts.RedundantFeatures
	data := mat.NewDense(rows, cols, nil)
	ids := make([]string, rows)
	plates := make([]string, rows)
	cells := make([]string, rows)
	truth := make(map[string]int, opts.Genes)
	members := make([][]string, opts.Clusters)

	for i := range rows {
		batch := i % opts.Batches
		plates[i] = "plate" + strconv.Itoa(batch+1)
		cells[i] = strconv.Itoa(200 + rng.IntN(300))

		var center []float64
		if i < opts.Controls {
			ids[i] = fmt.Sprintf("%s_%03d", ControlPrefix, i)
		} else {
			g := i - opts.Controls
			c := g * opts.Clusters / opts.Genes
			ids[i] = fmt.Sprintf("GENE%04d", g)
			truth[ids[i]] = c
			members[c] = append(members[c], ids[i])
			center = centers[c]
		}

		row := data.RawRowView(i)
		for j := range opts.Features {
			v := shifts[batch][j] + noise.Rand()
			if center != nil {
				v += center[j]
			}
			row[j] = v
		}
		// redundant features are rescaled copies of the leading features
		for r := range opts.RedundantFeatures {
			row[opts.Features+r] = 2*row[r%opts.Features] + 0.01*opts.Noise*unit.Rand()
		}
	}

	features := make([]string, cols)
	for j := range opts.Features {
		features[j] = fmt.Sprintf("feature_%02d", j)
	}
	for r := range opts.RedundantFeatures {
		features[opts.Features+r] = fmt.Sprintf("feature_%02d_copy", r%opts.Features)
	}

	m, err := core.NewFeatureMatrix(ids, features, data, map[string][]string{
		BatchColumn:     plates,
		CellCountColumn: cells,
	})
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]string, opts.Clusters)
	var pairs []core.GenePair
	for c, genes := range members {
		groups[fmt.Sprintf("complex_%02d", c)] = genes
		for range opts.PairsPerCluster {
			a, b := genes[rng.IntN(len(genes))], genes[rng.IntN(len(genes))]
			pairs = append(pairs, core.NewGenePair(a, b))
		}
	}

	return &Screen{
		Matrix: m,
		Truth:  truth,
		Pairs:  core.NewPairBenchmark(pairs),
		Groups: core.NewGroupBenchmark(groups),
	}, nil
}

// ControlRule matches the generated control rows.
func (s *Screen) ControlRule() core.ControlRule {
	return core.ControlRule{Prefix: ControlPrefix}
}

// MeanSilhouette is a quick separation check of Truth on the raw gene rows: the mean over
// genes of (b - a) / max(a, b).
func (s *Screen) MeanSilhouette() float64 {
	idx := s.Matrix.RowIndex()
	byCluster := make(map[int][]int)
	for id, c := range s.Truth {
		byCluster[c] = append(byCluster[c], idx[id])
	}

	var sum float64
	var n int
	for id, c := range s.Truth {
		i := idx[id]
		a := meanDistance(s.Matrix.Data, i, byCluster[c])
		b := math.Inf(1)
		for other, rows := range byCluster {
			if other != c {
				b = math.Min(b, meanDistance(s.Matrix.Data, i, rows))
			}
		}
		if d := math.Max(a, b); d > 0 {
			sum += (b - a) / d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func meanDistance(data *mat.Dense, i int, rows []int) float64 {
	var sum float64
	var n int
	for _, j := range rows {
		if j == i {
			continue
		}
		sum += floats.Distance(data.RawRowView(i), data.RawRowView(j), 2)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
