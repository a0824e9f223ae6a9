package scoring

import (
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

// PairRecall counts listed pairs whose genes share a cluster. Pairs with a gene absent
// from the assignment are left out of the denominator; outliers never share a cluster.
func PairRecall(a *core.ClusterAssignment, pairs *core.PairBenchmark) (*PairRecallResult, error) {
	const op = "scoring.PairRecall"

	if pairs == nil || len(pairs.Pairs) == 0 {
		return nil, core.BenchmarkDataf(op, "no pair benchmark provided")
	}

	labels := a.LabelOf()
	result := &PairRecallResult{PerCluster: make(map[int]int)}
	for _, p := range pairs.Pairs {
		la, okA := labels[p.A]
		lb, okB := labels[p.B]
		if !okA || !okB {
			continue
		}
		result.Tested++
		if la == lb && la != core.OutlierLabel {
			result.Found++
			result.PerCluster[la]++
		}
	}

	if result.Tested == 0 {
		return nil, core.BenchmarkDataf(op, "none of %d benchmark pairs has both genes in the dataset", len(pairs.Pairs))
	}
	result.Recall = float64(result.Found) / float64(result.Tested)

	log.Trace().Int("pairs_listed", len(pairs.Pairs)).Int("pairs_tested", result.Tested).
		Int("pairs_found", result.Found).Float64("recall", result.Recall).Msg("pair recall")
	return result, nil
}
