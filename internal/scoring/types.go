package scoring

import "github.com/tensorplex-labs/phenocluster/internal/core"

// Benchmarks bundles the reference annotations a clustering is scored against.
// Either may be nil, not both.
type Benchmarks struct {
	Pairs  *core.PairBenchmark
	Groups *core.GroupBenchmark
}

type PairRecallResult struct {
	Tested     int         // pairs with both genes in the dataset
	Found      int         // of those, pairs sharing a non-outlier cluster
	Recall     float64     // Found / Tested
	PerCluster map[int]int // co-clustered pairs per cluster label
}

type EnrichmentResult struct {
	GenePool         int // genes assigned to a cluster
	GroupsTested     int // groups with at least one member in the pool
	EnrichedClusters int
	EnrichedGroups   int
	RecoveredGroups  int
	MeanNegLog10P    float64
	Matches          []core.ClusterMatch // best group per cluster, by cluster label
}
