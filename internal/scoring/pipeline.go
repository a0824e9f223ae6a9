// Package scoring evaluates a cluster assignment against reference gene pairs and
// gene groups.
package scoring

import (
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

type EvaluatorParams struct {
	SignificanceAlpha float64
	RecoveryPrecision float64
	RecoveryRecall    float64
}

type Evaluator struct {
	Params EvaluatorParams
}

type EvaluatorOption func(*Evaluator)

func WithSignificanceAlpha(alpha float64) EvaluatorOption {
	return func(e *Evaluator) {
		e.Params.SignificanceAlpha = alpha
	}
}

func WithRecoveryPrecision(precision float64) EvaluatorOption {
	return func(e *Evaluator) {
		e.Params.RecoveryPrecision = precision
	}
}

func WithRecoveryRecall(recall float64) EvaluatorOption {
	return func(e *Evaluator) {
		e.Params.RecoveryRecall = recall
	}
}

func WithParams(params EvaluatorParams) EvaluatorOption {
	return func(e *Evaluator) {
		e.Params = params
	}
}

func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		Params: DefaultEvaluatorParams(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Evaluate scores one assignment. A benchmark that is provided but shares no genes with
// the assignment is a BenchmarkDataError, as is providing neither.
func (e *Evaluator) Evaluate(a *core.ClusterAssignment, variant core.Variant, bench Benchmarks) (*core.BenchmarkScore, error) {
	const op = "scoring.Evaluate"

	if bench.Pairs == nil && bench.Groups == nil {
		return nil, core.BenchmarkDataf(op, "no benchmark provided")
	}
	if a == nil || len(a.IDs) == 0 {
		return nil, core.Validationf(op, "empty assignment")
	}
	if p := e.Params; p.SignificanceAlpha <= 0 || p.SignificanceAlpha >= 1 {
		return nil, core.Configurationf(op, "significance alpha %v outside (0, 1)", p.SignificanceAlpha)
	}

	score := &core.BenchmarkScore{
		Resolution:  a.Resolution,
		Variant:     variant,
		NumClusters: a.NumClusters(),
		NumOutliers: a.NumOutliers(),
		Modularity:  a.Modularity,
	}

	var perCluster map[int]int
	if bench.Pairs != nil {
		pr, err := PairRecall(a, bench.Pairs)
		if err != nil {
			return nil, err
		}
		score.PairsTested = pr.Tested
		score.PairsFound = pr.Found
		score.PairRecall = pr.Recall
		perCluster = pr.PerCluster
	}

	if bench.Groups != nil {
		en, err := GroupEnrichment(a, bench.Groups, e.Params)
		if err != nil {
			return nil, err
		}
		score.GenePool = en.GenePool
		score.GroupsTested = en.GroupsTested
		score.EnrichedClusters = en.EnrichedClusters
		score.EnrichedGroups = en.EnrichedGroups
		score.RecoveredGroups = en.RecoveredGroups
		score.MeanNegLog10P = en.MeanNegLog10P
		score.Matches = en.Matches
	} else {
		for _, label := range a.ClusterIDs() {
			score.Matches = append(score.Matches, core.ClusterMatch{ClusterID: label, PValue: 1})
		}
		clusters := a.Clusters()
		for i := range score.Matches {
			score.Matches[i].Size = len(clusters[score.Matches[i].ClusterID])
		}
	}
	for i := range score.Matches {
		score.Matches[i].PairsFound = perCluster[score.Matches[i].ClusterID]
	}

	log.Debug().Float64("resolution", score.Resolution).Str("variant", string(variant)).
		Int("clusters", score.NumClusters).Float64("pair_recall", score.PairRecall).
		Int("enriched_clusters", score.EnrichedClusters).Int("recovered_groups", score.RecoveredGroups).
		Msg("scored assignment")
	return score, nil
}
