// Package core holds the data model shared by every pipeline component.
package core

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

// OutlierLabel marks perturbations that belong to no cluster.
const OutlierLabel = -1

type Provenance string

const (
	ProvenancePCA      Provenance = "pca"
	ProvenanceManifold Provenance = "manifold"
)

type Variant string

const (
	VariantReal Variant = "real"
	VariantNull Variant = "null"
)

// Embedding is a low-dimensional coordinate per perturbation.
type Embedding struct {
	IDs               []string
	Coords            *mat.Dense
	Provenance        Provenance
	Components        int       // PCA components retained
	ExplainedVariance []float64 // cumulative explained variance ratio per PCA component
	DiffusionTime     int       // zero for PCA-only embeddings
}

func (e *Embedding) Dims() (rows, dims int) {
	if e == nil || e.Coords == nil {
		return 0, 0
	}
	return e.Coords.Dims()
}

// ClusterAssignment maps every embedded perturbation to one cluster label at one resolution.
type ClusterAssignment struct {
	IDs        []string
	Labels     []int
	Coords     *mat.Dense
	Resolution float64
	Seed       uint64
	Modularity float64
}

// Clusters returns the member ids of each non-outlier cluster, keyed by label.
func (a *ClusterAssignment) Clusters() map[int][]string {
	clusters := make(map[int][]string)
	for i, label := range a.Labels {
		if label == OutlierLabel {
			continue
		}
		clusters[label] = append(clusters[label], a.IDs[i])
	}
	return clusters
}

// ClusterIDs returns the sorted non-outlier labels.
func (a *ClusterAssignment) ClusterIDs() []int {
	seen := make(map[int]struct{})
	for _, label := range a.Labels {
		if label != OutlierLabel {
			seen[label] = struct{}{}
		}
	}
	ids := make([]int, 0, len(seen))
	for label := range seen {
		ids = append(ids, label)
	}
	sort.Ints(ids)
	return ids
}

func (a *ClusterAssignment) NumClusters() int {
	return len(a.ClusterIDs())
}

func (a *ClusterAssignment) NumOutliers() int {
	n := 0
	for _, label := range a.Labels {
		if label == OutlierLabel {
			n++
		}
	}
	return n
}

// LabelOf maps every assigned id to its label.
func (a *ClusterAssignment) LabelOf() map[string]int {
	labels := make(map[string]int, len(a.IDs))
	for i, id := range a.IDs {
		labels[id] = a.Labels[i]
	}
	return labels
}

// GenePair is an unordered gene pair stored with A < B.
type GenePair struct {
	A string
	B string
}

func NewGenePair(a, b string) GenePair {
	if b < a {
		a, b = b, a
	}
	return GenePair{A: a, B: b}
}

// PairBenchmark is a read-only set of functionally related gene pairs.
type PairBenchmark struct {
	Pairs []GenePair
}

// NewPairBenchmark deduplicates pairs and drops self pairs.
func NewPairBenchmark(pairs []GenePair) *PairBenchmark {
	seen := make(map[GenePair]struct{}, len(pairs))
	out := make([]GenePair, 0, len(pairs))
	for _, p := range pairs {
		p = NewGenePair(p.A, p.B)
		if p.A == p.B {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return &PairBenchmark{Pairs: out}
}

// GroupBenchmark maps group id to its member genes.
type GroupBenchmark struct {
	Groups map[string][]string
}

// NewGroupBenchmark deduplicates and sorts members of every group.
func NewGroupBenchmark(groups map[string][]string) *GroupBenchmark {
	out := make(map[string][]string, len(groups))
	for id, members := range groups {
		seen := make(map[string]struct{}, len(members))
		uniq := make([]string, 0, len(members))
		for _, g := range members {
			if _, dup := seen[g]; dup || g == "" {
				continue
			}
			seen[g] = struct{}{}
			uniq = append(uniq, g)
		}
		sort.Strings(uniq)
		out[id] = uniq
	}
	return &GroupBenchmark{Groups: out}
}

// GroupIDs returns group ids in sorted order.
func (g *GroupBenchmark) GroupIDs() []string {
	ids := make([]string, 0, len(g.Groups))
	for id := range g.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClusterMatch is the best benchmark group for one cluster.
type ClusterMatch struct {
	ClusterID  int     `json:"cluster_id"`
	Size       int     `json:"size"`
	GroupID    string  `json:"group_id"`
	Overlap    int     `json:"overlap"`
	Precision  float64 `json:"precision"`
	Recall     float64 `json:"recall"`
	PValue     float64 `json:"p_value"`
	NegLog10P  float64 `json:"neg_log10_p"`
	PairsFound int     `json:"pairs_found"`
}

// BenchmarkScore is the benchmark outcome of one clustering.
type BenchmarkScore struct {
	Resolution  float64 `json:"resolution"`
	Variant     Variant `json:"variant"`
	NumClusters int     `json:"num_clusters"`
	NumOutliers int     `json:"num_outliers"`
	Modularity  float64 `json:"modularity"`

	PairsTested int     `json:"pairs_tested"`
	PairsFound  int     `json:"pairs_found"`
	PairRecall  float64 `json:"pair_recall"`

	GenePool         int            `json:"gene_pool"`
	GroupsTested     int            `json:"groups_tested"`
	EnrichedClusters int            `json:"enriched_clusters"`
	EnrichedGroups   int            `json:"enriched_groups"`
	RecoveredGroups  int            `json:"recovered_groups"`
	MeanNegLog10P    float64        `json:"mean_neg_log10_p"`
	Matches          []ClusterMatch `json:"matches,omitempty"`
}

// SweepPoint pairs the real and null scores of one resolution.
type SweepPoint struct {
	Resolution    float64         `json:"resolution"`
	Real          *BenchmarkScore `json:"real,omitempty"`
	Null          *BenchmarkScore `json:"null,omitempty"`
	RecallGap     *float64        `json:"recall_gap,omitempty"`
	RecallRatio   *float64        `json:"recall_ratio,omitempty"`
	EnrichmentGap *float64        `json:"enrichment_gap,omitempty"`
}
