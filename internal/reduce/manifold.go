package reduce

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/mds"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

const (
	potentialEpsilon = 1e-7
	stressTolerance  = 1e-6
	minBandwidth     = 1e-12
)

// ManifoldOptions configures DiffusionEmbed. DiffusionTime zero selects t
// automatically from the von Neumann entropy of the diffusion operator.
type ManifoldOptions struct {
	Metric           Metric
	Neighbors        int
	DecayAlpha       float64
	DiffusionTime    int
	MaxDiffusionTime int
	Dims             int
	MDSIterations    int
}

// DiffusionEmbed maps PCA scores onto a diffusion-potential manifold: an
// alpha-decay k-NN kernel, its row-normalized diffusion operator raised to t,
// the log potential, and metric MDS of the potential distances.
func DiffusionEmbed(pca *core.Embedding, opts ManifoldOptions) (*core.Embedding, error) {
	const op = "reduce.DiffusionEmbed"

	if opts.Neighbors < 1 || opts.Dims < 1 || opts.DecayAlpha <= 0 {
		return nil, core.Configurationf(op, "invalid options %+v", opts)
	}
	if opts.DiffusionTime == 0 && opts.MaxDiffusionTime < 2 {
		return nil, core.Configurationf(op, "automatic diffusion time needs max diffusion time >= 2, got %d", opts.MaxDiffusionTime)
	}
	if opts.Metric == "" {
		opts.Metric = MetricEuclidean
	}

	n, _ := pca.Dims()
	if n <= opts.Neighbors {
		return nil, core.Computationf(op, "%d rows is not more than %d neighbors", n, opts.Neighbors)
	}
	if n <= opts.Dims {
		return nil, core.Computationf(op, "%d rows cannot embed into %d dimensions", n, opts.Dims)
	}

	dist := PairwiseDistances(pca.Coords, opts.Metric)
	kernel := decayKernel(dist, opts.Neighbors, opts.DecayAlpha)

	diffusion, err := newDiffusionOperator(kernel)
	if err != nil {
		return nil, core.Computationf(op, "%w", err)
	}

	t := opts.DiffusionTime
	if t == 0 {
		t = diffusion.entropyKnee(opts.MaxDiffusionTime)
	}

	potential := diffusion.logPotential(t)
	potDist := PairwiseDistances(potential, MetricEuclidean)

	var coords mat.Dense
	k, _ := mds.TorgersonScaling(&coords, nil, potDist)
	if k < opts.Dims {
		return nil, core.Computationf(op, "mds found %d positive eigenvalues, need %d", k, opts.Dims)
	}
	start := mat.DenseCopyOf(coords.Slice(0, n, 0, opts.Dims))

	embedded, residual := smacof(potDist, start, opts.MDSIterations)
	if !allFinite(embedded) {
		return nil, core.Computationf(op, "embedding has non-finite coordinates")
	}

	log.Debug().Int("rows", n).Int("t", t).Int("dims", opts.Dims).Float64("stress", residual).
		Msg("diffusion embedding complete")

	return &core.Embedding{
		IDs:               append([]string(nil), pca.IDs...),
		Coords:            embedded,
		Provenance:        core.ProvenanceManifold,
		Components:        pca.Components,
		ExplainedVariance: append([]float64(nil), pca.ExplainedVariance...),
		DiffusionTime:     t,
	}, nil
}

// decayKernel builds exp(-(d/eps_i)^alpha) with eps_i the distance from row i to its
// k-th nearest neighbor, symmetrized as the mean of the two directions.
func decayKernel(dist *mat.SymDense, k int, alpha float64) *mat.SymDense {
	n := dist.SymmetricDim()

	bandwidth := make([]float64, n)
	row := make([]float64, n-1)
	for i := range n {
		row = row[:0]
		for j := range n {
			if j != i {
				row = append(row, dist.At(i, j))
			}
		}
		sort.Float64s(row)
		bandwidth[i] = math.Max(row[k-1], minBandwidth)
	}

	kernel := mat.NewSymDense(n, nil)
	for i := range n {
		kernel.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			d := dist.At(i, j)
			a := math.Exp(-math.Pow(d/bandwidth[i], alpha))
			b := math.Exp(-math.Pow(d/bandwidth[j], alpha))
			kernel.SetSym(i, j, (a+b)/2)
		}
	}
	return kernel
}

// diffusionOperator holds the eigendecomposition of D^-1/2 K D^-1/2, which shares its
// spectrum with the Markov operator P = D^-1 K.
type diffusionOperator struct {
	degree  []float64
	values  []float64
	vectors *mat.Dense
}

func newDiffusionOperator(kernel *mat.SymDense) (*diffusionOperator, error) {
	n := kernel.SymmetricDim()

	degree := make([]float64, n)
	for i := range n {
		for j := range n {
			degree[i] += kernel.At(i, j)
		}
	}

	affinity := mat.NewSymDense(n, nil)
	for i := range n {
		for j := i; j < n; j++ {
			affinity.SetSym(i, j, kernel.At(i, j)/math.Sqrt(degree[i]*degree[j]))
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(affinity, true); !ok {
		return nil, errEigen
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	return &diffusionOperator{
		degree:  degree,
		values:  eig.Values(nil),
		vectors: &vectors,
	}, nil
}

// power returns P^t = D^-1/2 U L^t U' D^1/2.
func (d *diffusionOperator) power(t int) *mat.Dense {
	n := len(d.degree)

	scaled := mat.DenseCopyOf(d.vectors)
	for j, v := range d.values {
		lt := math.Pow(v, float64(t))
		for i := range n {
			scaled.Set(i, j, scaled.At(i, j)*lt)
		}
	}

	var pt mat.Dense
	pt.Mul(scaled, d.vectors.T())
	for i := range n {
		for j := range n {
			pt.Set(i, j, pt.At(i, j)*math.Sqrt(d.degree[j]/d.degree[i]))
		}
	}
	return &pt
}

func (d *diffusionOperator) logPotential(t int) *mat.Dense {
	pt := d.power(t)
	pt.Apply(func(_, _ int, v float64) float64 {
		return -math.Log(math.Max(v, 0) + potentialEpsilon)
	}, pt)
	return pt
}

// entropyKnee picks t in [1, maxT] at the knee of the von Neumann entropy curve:
// the point farthest from the chord between its two ends. Ties go to the smaller t.
func (d *diffusionOperator) entropyKnee(maxT int) int {
	entropy := make([]float64, maxT)
	eta := make([]float64, len(d.values))
	for t := 1; t <= maxT; t++ {
		for i, v := range d.values {
			eta[i] = math.Pow(math.Abs(v), float64(t))
		}
		sum := floats.Sum(eta)
		var h float64
		for _, e := range eta {
			if p := e / sum; p > 0 {
				h -= p * math.Log(p)
			}
		}
		entropy[t-1] = h
	}

	x0, y0 := 1.0, entropy[0]
	x1, y1 := float64(maxT), entropy[maxT-1]
	norm := math.Hypot(x1-x0, y1-y0)

	best, bestDist := 1, -1.0
	for t := 1; t <= maxT; t++ {
		dist := math.Abs((y1-y0)*float64(t)-(x1-x0)*entropy[t-1]+x1*y0-y1*x0) / norm
		if dist > bestDist+1e-12 {
			best, bestDist = t, dist
		}
	}
	return best
}

// smacof refines x by Guttman transforms until the relative stress change falls below
// stressTolerance or iterations are exhausted.
func smacof(target *mat.SymDense, x *mat.Dense, iterations int) (*mat.Dense, float64) {
	n, _ := x.Dims()
	prev := stress(target, x)

	b := mat.NewDense(n, n, nil)
	next := &mat.Dense{}
	for range iterations {
		b.Zero()
		for i := range n {
			var diag float64
			for j := range n {
				if i == j {
					continue
				}
				d := floats.Distance(x.RawRowView(i), x.RawRowView(j), 2)
				if d > 0 {
					v := -target.At(i, j) / d
					b.Set(i, j, v)
					diag -= v
				}
			}
			b.Set(i, i, diag)
		}
		next.Mul(b, x)
		next.Scale(1/float64(n), next)

		cur := stress(target, next)
		x.Copy(next)
		if prev == 0 || math.Abs(prev-cur)/prev < stressTolerance {
			prev = cur
			break
		}
		prev = cur
	}
	return x, prev
}

func stress(target *mat.SymDense, x *mat.Dense) float64 {
	n, _ := x.Dims()
	var s float64
	for i := range n {
		for j := i + 1; j < n; j++ {
			r := target.At(i, j) - floats.Distance(x.RawRowView(i), x.RawRowView(j), 2)
			s += r * r
		}
	}
	return s
}

func allFinite(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := range r {
		for j := range c {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

type reduceError string

func (e reduceError) Error() string { return string(e) }

const errEigen = reduceError("eigendecomposition of the diffusion operator failed")
