package scoring

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/phenocluster/internal/core"
	"github.com/tensorplex-labs/phenocluster/internal/stats"
)

// GroupEnrichment tests every (cluster, group) pair with at least one shared gene for
// over-representation with the hypergeometric upper tail P(X >= overlap), where the
// pool is every gene assigned to a cluster, successes are the group members in the
// pool and draws is the cluster size. No multiple-testing correction is applied.
func GroupEnrichment(a *core.ClusterAssignment, groups *core.GroupBenchmark, params EvaluatorParams) (*EnrichmentResult, error) {
	const op = "scoring.GroupEnrichment"

	if groups == nil || len(groups.Groups) == 0 {
		return nil, core.BenchmarkDataf(op, "no group benchmark provided")
	}

	clusters := a.Clusters()
	clusterOf := make(map[string]int)
	for label, members := range clusters {
		for _, g := range members {
			clusterOf[g] = label
		}
	}
	pool := len(clusterOf)

	// group members restricted to the pool, per group
	type groupInPool struct {
		id      string
		members []string
	}
	var tested []groupInPool
	for _, id := range groups.GroupIDs() {
		var in []string
		for _, g := range groups.Groups[id] {
			if _, ok := clusterOf[g]; ok {
				in = append(in, g)
			}
		}
		if len(in) > 0 {
			tested = append(tested, groupInPool{id: id, members: in})
		}
	}
	if len(tested) == 0 {
		return nil, core.BenchmarkDataf(op, "no group has a member among %d clustered genes", pool)
	}

	logAlpha := math.Log(params.SignificanceAlpha)
	result := &EnrichmentResult{GenePool: pool, GroupsTested: len(tested)}
	enrichedGroups := make(map[string]bool)
	recoveredGroups := make(map[string]bool)

	var sumNegLog10 float64
	for _, label := range a.ClusterIDs() {
		size := len(clusters[label])
		overlap := make(map[int]int, len(tested))
		for gi, grp := range tested {
			for _, g := range grp.members {
				if clusterOf[g] == label {
					overlap[gi]++
				}
			}
		}

		match := core.ClusterMatch{ClusterID: label, Size: size, PValue: 1}
		bestLogP := 0.0
		for gi, grp := range tested {
			k := overlap[gi]
			if k == 0 {
				continue
			}
			logP := stats.LogHypergeomSF(k, pool, len(grp.members), size)
			precision := float64(k) / float64(size)
			recall := float64(k) / float64(len(grp.members))

			if logP < logAlpha {
				enrichedGroups[grp.id] = true
			}
			if precision > params.RecoveryPrecision && recall > params.RecoveryRecall {
				recoveredGroups[grp.id] = true
			}
			if match.GroupID == "" || logP < bestLogP {
				bestLogP = logP
				match.GroupID = grp.id
				match.Overlap = k
				match.Precision = precision
				match.Recall = recall
			}
		}

		if match.GroupID != "" {
			match.PValue = math.Exp(bestLogP)
			match.NegLog10P = stats.NegLog10(bestLogP)
			if bestLogP < logAlpha {
				result.EnrichedClusters++
			}
		}
		sumNegLog10 += match.NegLog10P
		result.Matches = append(result.Matches, match)
	}

	if n := len(result.Matches); n > 0 {
		result.MeanNegLog10P = sumNegLog10 / float64(n)
	}
	result.EnrichedGroups = len(enrichedGroups)
	result.RecoveredGroups = len(recoveredGroups)

	log.Trace().Int("gene_pool", pool).Int("groups_tested", result.GroupsTested).
		Int("enriched_clusters", result.EnrichedClusters).Int("enriched_groups", result.EnrichedGroups).
		Int("recovered_groups", result.RecoveredGroups).Msg("group enrichment")
	return result, nil
}
