package cluster

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

// SmallClusterPolicy decides what happens to clusters below the minimum size.
type SmallClusterPolicy string

const (
	// PolicyMerge folds a small cluster into the large cluster it shares the most
	// edge weight with, or the one with the nearest centroid when it shares none.
	PolicyMerge SmallClusterPolicy = "merge"
	// PolicyOutlier labels members of small clusters core.OutlierLabel.
	PolicyOutlier SmallClusterPolicy = "outlier"
	// PolicyKeep leaves small clusters as they are.
	PolicyKeep SmallClusterPolicy = "keep"
)

// Options configures one partition of a graph.
type Options struct {
	Resolution     float64
	MinClusterSize int
	Policy         SmallClusterPolicy
	Seed           uint64
}

// Cluster builds the k-NN graph of emb and partitions it. Callers clustering one
// embedding at several resolutions should build the graph once with NewKNNGraph.
func Cluster(ctx context.Context, emb *core.Embedding, neighbors int, opts Options) (*core.ClusterAssignment, error) {
	g, err := NewKNNGraph(emb, neighbors)
	if err != nil {
		return nil, err
	}
	return g.Partition(ctx, opts)
}

// Partition runs Louvain modularity optimization at the given resolution with a PCG
// source seeded from opts.Seed, splits each community into its connected components,
// applies the small cluster policy and renumbers labels by size then first member.
// The same graph, options and seed always produce the same labels.
func (g *KNNGraph) Partition(ctx context.Context, opts Options) (*core.ClusterAssignment, error) {
	const op = "cluster.Partition"

	if opts.Resolution <= 0 || math.IsNaN(opts.Resolution) {
		return nil, core.Configurationf(op, "resolution must be positive, got %v", opts.Resolution)
	}
	if opts.MinClusterSize < 1 {
		opts.MinClusterSize = 1
	}
	switch opts.Policy {
	case PolicyMerge, PolicyOutlier, PolicyKeep:
	case "":
		opts.Policy = PolicyMerge
	default:
		return nil, core.Configurationf(op, "unknown small cluster policy %q", opts.Policy)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src := rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)
	reduced := community.Modularize(g, opts.Resolution, src)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var communities [][]int
	for _, c := range reduced.Communities() {
		members := make([]int, len(c))
		for i, n := range c {
			members[i] = int(n.ID())
		}
		sort.Ints(members)
		communities = append(communities, g.connectedComponents(members)...)
	}

	labels := make([]int, g.Len())
	for label, members := range communities {
		for _, i := range members {
			labels[i] = label
		}
	}

	small := 0
	for _, members := range communities {
		if len(members) < opts.MinClusterSize {
			small++
		}
	}
	if small > 0 {
		switch opts.Policy {
		case PolicyMerge:
			labels = g.mergeSmall(labels, len(communities), opts.MinClusterSize)
		case PolicyOutlier:
			for _, members := range communities {
				if len(members) < opts.MinClusterSize {
					for _, i := range members {
						labels[i] = core.OutlierLabel
					}
				}
			}
		}
	}
	labels = renumber(labels)

	assignment := &core.ClusterAssignment{
		IDs:        append([]string(nil), g.ids...),
		Labels:     labels,
		Coords:     g.coords,
		Resolution: opts.Resolution,
		Seed:       opts.Seed,
		Modularity: g.modularity(labels, opts.Resolution),
	}

	log.Debug().Float64("resolution", opts.Resolution).Uint64("seed", opts.Seed).
		Int("communities", len(communities)).Int("small", small).Str("policy", string(opts.Policy)).
		Int("clusters", assignment.NumClusters()).Int("outliers", assignment.NumOutliers()).
		Float64("modularity", assignment.Modularity).Msg("partitioned graph")
	return assignment, nil
}

// connectedComponents splits a community into the pieces reachable through edges
// inside it, each sorted, ordered by first member.
func (g *KNNGraph) connectedComponents(members []int) [][]int {
	in := make(map[int64]bool, len(members))
	for _, i := range members {
		in[int64(i)] = true
	}

	seen := make(map[int64]bool, len(members))
	var components [][]int
	for _, start := range members {
		if seen[int64(start)] {
			continue
		}
		component := []int{start}
		seen[int64(start)] = true
		queue := []int64{int64(start)}
		for len(queue) > 0 {
			u := queue[0]
			queue = queue[1:]
			adj, _ := g.neighborWeights(int(u))
			for _, v := range adj {
				if in[v] && !seen[v] {
					seen[v] = true
					component = append(component, int(v))
					queue = append(queue, v)
				}
			}
		}
		sort.Ints(component)
		components = append(components, component)
	}
	return components
}

// mergeSmall reassigns members of every cluster below minSize to a cluster of at least
// minSize. When no such cluster exists the labels are returned unchanged.
func (g *KNNGraph) mergeSmall(labels []int, numLabels, minSize int) []int {
	size := make([]int, numLabels)
	for _, l := range labels {
		size[l]++
	}

	var targets []int
	for l, s := range size {
		if s >= minSize {
			targets = append(targets, l)
		}
	}
	if len(targets) == 0 {
		log.Warn().Int("clusters", numLabels).Int("min_size", minSize).Msg("every cluster is below the minimum size; keeping them")
		return labels
	}

	centroids := g.centroids(labels, numLabels)
	out := append([]int(nil), labels...)

	for l, s := range size {
		if s >= minSize {
			continue
		}
		link := make(map[int]float64)
		for i, li := range labels {
			if li != l {
				continue
			}
			adj, w := g.neighborWeights(i)
			for _, j := range adj {
				if lj := labels[j]; size[lj] >= minSize {
					link[lj] += w[j]
				}
			}
		}

		best, bestW := -1, 0.0
		for _, t := range targets {
			if link[t] > bestW {
				best, bestW = t, link[t]
			}
		}
		if best < 0 {
			bestD := math.Inf(1)
			for _, t := range targets {
				if d := floats.Distance(centroids[l], centroids[t], 2); d < bestD {
					best, bestD = t, d
				}
			}
		}

		for i, li := range labels {
			if li == l {
				out[i] = best
			}
		}
	}
	return out
}

func (g *KNNGraph) centroids(labels []int, numLabels int) [][]float64 {
	_, dims := g.coords.Dims()
	sums := make([][]float64, numLabels)
	counts := make([]float64, numLabels)
	for l := range sums {
		sums[l] = make([]float64, dims)
	}
	for i, l := range labels {
		floats.Add(sums[l], g.coords.RawRowView(i))
		counts[l]++
	}
	for l := range sums {
		if counts[l] > 0 {
			floats.Scale(1/counts[l], sums[l])
		}
	}
	return sums
}

// renumber maps labels to 0..k-1 by descending size, ties by first member. Outliers keep
// their label.
func renumber(labels []int) []int {
	size := make(map[int]int)
	first := make(map[int]int)
	for i, l := range labels {
		if l == core.OutlierLabel {
			continue
		}
		if _, ok := size[l]; !ok {
			first[l] = i
		}
		size[l]++
	}

	old := make([]int, 0, len(size))
	for l := range size {
		old = append(old, l)
	}
	sort.Slice(old, func(a, b int) bool {
		if size[old[a]] != size[old[b]] {
			return size[old[a]] > size[old[b]]
		}
		return first[old[a]] < first[old[b]]
	})

	mapping := make(map[int]int, len(old))
	for next, l := range old {
		mapping[l] = next
	}

	out := make([]int, len(labels))
	for i, l := range labels {
		if l == core.OutlierLabel {
			out[i] = core.OutlierLabel
			continue
		}
		out[i] = mapping[l]
	}
	return out
}

// modularity scores the final labels, treating each outlier as a singleton community.
func (g *KNNGraph) modularity(labels []int, resolution float64) float64 {
	groups := make(map[int][]graph.Node)
	var communities [][]graph.Node
	for i, l := range labels {
		if l == core.OutlierLabel {
			communities = append(communities, []graph.Node{simple.Node(i)})
			continue
		}
		groups[l] = append(groups[l], simple.Node(i))
	}
	keys := make([]int, 0, len(groups))
	for l := range groups {
		keys = append(keys, l)
	}
	sort.Ints(keys)
	for _, l := range keys {
		communities = append(communities, groups[l])
	}
	return community.Q(g, communities, resolution)
}

// Coords returns the embedding coordinates the graph was built from.
func (g *KNNGraph) Coords() mat.Matrix { return g.coords }
