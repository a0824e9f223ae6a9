// Package cluster partitions an embedding into phenotype clusters by modularity
// optimization over a k-nearest-neighbor similarity graph.
package cluster

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/iterator"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

const minSigma = 1e-12

// KNNGraph is an undirected weighted k-NN graph over embedding rows. Node i is row i.
// Neighbor lists are kept sorted so every traversal visits nodes in id order.
// It is read-only after construction and safe for concurrent use.
type KNNGraph struct {
	ids      []string
	coords   *mat.Dense
	nodes    []graph.Node
	adj      [][]int64
	weights  []map[int64]float64
	totalW   float64
	numEdges int
}

var _ graph.WeightedUndirected = (*KNNGraph)(nil)

// NewKNNGraph connects every row to its k nearest neighbors (union of both directions)
// with self-tuning Gaussian weights exp(-d^2 / (sigma_i * sigma_j)), sigma_i being the
// distance from row i to its k-th neighbor. k is capped at rows-1.
func NewKNNGraph(emb *core.Embedding, k int) (*KNNGraph, error) {
	const op = "cluster.NewKNNGraph"

	if k < 1 {
		return nil, core.Configurationf(op, "neighbors must be positive, got %d", k)
	}
	n, _ := emb.Dims()
	if n < 2 {
		return nil, core.Computationf(op, "need at least two rows to build a graph, got %d", n)
	}
	if k > n-1 {
		log.Debug().Int("requested", k).Int("rows", n).Msg("capping graph neighbors at rows-1")
		k = n - 1
	}

	rows := make([][]float64, n)
	for i := range n {
		rows[i] = emb.Coords.RawRowView(i)
	}

	neighbors := make([][]int, n)
	sigma := make([]float64, n)
	order := make([]int, n)
	dist := make([]float64, n)
	for i := range n {
		for j := range n {
			order[j] = j
			dist[j] = floats.Distance(rows[i], rows[j], 2)
		}
		sort.SliceStable(order, func(a, b int) bool { return dist[order[a]] < dist[order[b]] })

		nn := make([]int, 0, k)
		for _, j := range order {
			if j == i {
				continue
			}
			nn = append(nn, j)
			if len(nn) == k {
				break
			}
		}
		neighbors[i] = nn
		sigma[i] = math.Max(dist[nn[k-1]], minSigma)
	}

	g := &KNNGraph{
		ids:     emb.IDs,
		coords:  emb.Coords,
		nodes:   make([]graph.Node, n),
		adj:     make([][]int64, n),
		weights: make([]map[int64]float64, n),
	}
	for i := range n {
		g.nodes[i] = simple.Node(i)
		g.weights[i] = make(map[int64]float64)
	}

	for i, nn := range neighbors {
		for _, j := range nn {
			if _, ok := g.weights[i][int64(j)]; ok {
				continue
			}
			d := floats.Distance(rows[i], rows[j], 2)
			w := math.Exp(-d * d / (sigma[i] * sigma[j]))
			if w <= 0 || math.IsNaN(w) {
				continue
			}
			g.weights[i][int64(j)] = w
			g.weights[j][int64(i)] = w
			g.totalW += w
			g.numEdges++
		}
	}
	for i := range n {
		adj := make([]int64, 0, len(g.weights[i]))
		for j := range g.weights[i] {
			adj = append(adj, j)
		}
		sort.Slice(adj, func(a, b int) bool { return adj[a] < adj[b] })
		g.adj[i] = adj
	}

	if g.totalW == 0 {
		return nil, core.Computationf(op, "graph over %d rows has zero total edge weight", n)
	}

	log.Debug().Int("nodes", n).Int("edges", g.numEdges).Int("k", k).Float64("total_weight", g.totalW).
		Msg("built knn graph")
	return g, nil
}

func (g *KNNGraph) Len() int { return len(g.nodes) }

func (g *KNNGraph) IDs() []string { return g.ids }

func (g *KNNGraph) TotalWeight() float64 { return g.totalW }

func (g *KNNGraph) valid(id int64) bool { return id >= 0 && id < int64(len(g.nodes)) }

func (g *KNNGraph) Node(id int64) graph.Node {
	if !g.valid(id) {
		return nil
	}
	return g.nodes[id]
}

func (g *KNNGraph) Nodes() graph.Nodes {
	return iterator.NewOrderedNodes(g.nodes)
}

func (g *KNNGraph) From(id int64) graph.Nodes {
	if !g.valid(id) || len(g.adj[id]) == 0 {
		return graph.Empty
	}
	nodes := make([]graph.Node, len(g.adj[id]))
	for i, j := range g.adj[id] {
		nodes[i] = g.nodes[j]
	}
	return iterator.NewOrderedNodes(nodes)
}

func (g *KNNGraph) HasEdgeBetween(xid, yid int64) bool {
	if !g.valid(xid) || !g.valid(yid) {
		return false
	}
	_, ok := g.weights[xid][yid]
	return ok
}

func (g *KNNGraph) Edge(uid, vid int64) graph.Edge {
	return g.WeightedEdgeBetween(uid, vid)
}

func (g *KNNGraph) EdgeBetween(xid, yid int64) graph.Edge {
	return g.WeightedEdgeBetween(xid, yid)
}

func (g *KNNGraph) WeightedEdge(uid, vid int64) graph.WeightedEdge {
	return g.WeightedEdgeBetween(uid, vid)
}

func (g *KNNGraph) WeightedEdgeBetween(xid, yid int64) graph.WeightedEdge {
	if !g.HasEdgeBetween(xid, yid) {
		return nil
	}
	return simple.WeightedEdge{F: g.nodes[xid], T: g.nodes[yid], W: g.weights[xid][yid]}
}

// Weight returns zero for self loops and absent edges; ok is false only for absent edges.
func (g *KNNGraph) Weight(xid, yid int64) (w float64, ok bool) {
	if xid == yid && g.valid(xid) {
		return 0, true
	}
	if !g.HasEdgeBetween(xid, yid) {
		return 0, false
	}
	return g.weights[xid][yid], true
}

// neighborWeights returns the sorted neighbor ids of node i and their weights.
func (g *KNNGraph) neighborWeights(i int) ([]int64, map[int64]float64) {
	return g.adj[i], g.weights[i]
}
