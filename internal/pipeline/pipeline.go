// Package pipeline chains normalization, feature selection and dimensionality
// reduction into the embedding that the cluster engine consumes, for both the real
// dataset and its permuted null variant.
package pipeline

import (
	"math/rand/v2"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/phenocluster/internal/cluster"
	"github.com/tensorplex-labs/phenocluster/internal/config"
	"github.com/tensorplex-labs/phenocluster/internal/core"
	"github.com/tensorplex-labs/phenocluster/internal/differential"
	"github.com/tensorplex-labs/phenocluster/internal/features"
	"github.com/tensorplex-labs/phenocluster/internal/reduce"
	"github.com/tensorplex-labs/phenocluster/internal/scoring"
)

// Prepared is everything produced before clustering for one variant of a dataset.
type Prepared struct {
	Variant core.Variant
	// Normalized keeps every row, controls included, for differential analysis.
	Normalized *features.NormalizeResult
	Selection  *features.SelectResult
	PCA        *core.Embedding
	Embedding  *core.Embedding
}

// Prepare normalizes m to its controls, drops the control rows unless the clustering
// config includes them, selects features and reduces to the configured embedding.
// cfg must already be validated.
func Prepare(m *core.FeatureMatrix, cfg config.PipelineConfig, variant core.Variant) (*Prepared, error) {
	const op = "pipeline.Prepare"

	norm, err := features.NormalizeToControls(m, NormalizeOptions(cfg))
	if err != nil {
		return nil, err
	}

	target := norm.Matrix
	if !cfg.Clustering.IncludeControls {
		_, perturbations := cfg.ControlRule().Split(norm.Matrix)
		if len(perturbations) == 0 {
			return nil, core.Validationf(op, "every row is a control")
		}
		target = norm.Matrix.SelectRows(perturbations)
	}

	sel, err := features.SelectFeatures(target, SelectOptions(cfg))
	if err != nil {
		return nil, err
	}

	pca, err := reduce.PCA(sel.Matrix, PCAOptions(cfg))
	if err != nil {
		return nil, err
	}

	p := &Prepared{Variant: variant, Normalized: norm, Selection: sel, PCA: pca, Embedding: pca}
	if cfg.Reduction.Manifold {
		opts, err := ManifoldOptions(cfg)
		if err != nil {
			return nil, err
		}
		if p.Embedding, err = reduce.DiffusionEmbed(pca, opts); err != nil {
			return nil, err
		}
	}

	rows, dims := p.Embedding.Dims()
	log.Info().Str("variant", string(variant)).Int("rows", rows).Int("features", len(sel.Kept)).
		Int("components", pca.Components).Int("dims", dims).Str("provenance", string(p.Embedding.Provenance)).
		Msg("embedding prepared")
	return p, nil
}

// NullVariant returns a copy of m in which every feature column is permuted
// independently across the non-control rows. Control rows and metadata stay in
// place so the null goes through the same normalization as the real data.
func NullVariant(m *core.FeatureMatrix, controls core.ControlRule, seed uint64) *core.FeatureMatrix {
	null := m.Clone()
	_, perturbations := controls.Split(m)

	rng := rand.New(rand.NewPCG(seed, seed^0x6a09e667f3bcc909))
	_, cols := m.Dims()
	values := make([]float64, len(perturbations))
	for j := range cols {
		for k, i := range perturbations {
			values[k] = m.Data.At(i, j)
		}
		rng.Shuffle(len(values), func(a, b int) { values[a], values[b] = values[b], values[a] })
		for k, i := range perturbations {
			null.Data.Set(i, j, values[k])
		}
	}
	return null
}

func NormalizeOptions(cfg config.PipelineConfig) features.NormalizeOptions {
	return features.NormalizeOptions{
		Controls:     cfg.ControlRule(),
		BatchColumns: cfg.Normalization.BatchColumns,
		MinControls:  cfg.Normalization.MinControls,
	}
}

func SelectOptions(cfg config.PipelineConfig) features.SelectOptions {
	return features.SelectOptions{
		CorrelationThreshold: cfg.Selection.CorrelationThreshold,
		VarianceThreshold:    cfg.Selection.VarianceThreshold,
		MinUniqueValues:      cfg.Selection.MinUniqueValues,
	}
}

func PCAOptions(cfg config.PipelineConfig) reduce.PCAOptions {
	return reduce.PCAOptions{
		VarianceThreshold: cfg.Reduction.VarianceThreshold,
		Components:        cfg.Reduction.Components,
	}
}

func ManifoldOptions(cfg config.PipelineConfig) (reduce.ManifoldOptions, error) {
	metric, err := reduce.ParseMetric(cfg.Reduction.Metric)
	if err != nil {
		return reduce.ManifoldOptions{}, err
	}
	return reduce.ManifoldOptions{
		Metric:           metric,
		Neighbors:        cfg.Reduction.Neighbors,
		DecayAlpha:       cfg.Reduction.DecayAlpha,
		DiffusionTime:    cfg.Reduction.DiffusionTime,
		MaxDiffusionTime: cfg.Reduction.MaxDiffusionTime,
		Dims:             cfg.Reduction.Dims,
		MDSIterations:    cfg.Reduction.MDSIterations,
	}, nil
}

// ClusterOptions returns the partition options for one resolution.
func ClusterOptions(cfg config.PipelineConfig, resolution float64) cluster.Options {
	return cluster.Options{
		Resolution:     resolution,
		MinClusterSize: cfg.Clustering.MinClusterSize,
		Policy:         cluster.SmallClusterPolicy(cfg.Clustering.SmallClusterPolicy),
		Seed:           cfg.Clustering.Seed,
	}
}

func NewEvaluator(cfg config.PipelineConfig) *scoring.Evaluator {
	return scoring.NewEvaluator(
		scoring.WithSignificanceAlpha(cfg.Benchmark.SignificanceAlpha),
		scoring.WithRecoveryPrecision(cfg.Benchmark.RecoveryPrecision),
		scoring.WithRecoveryRecall(cfg.Benchmark.RecoveryRecall),
	)
}

func DifferentialOptions(cfg config.PipelineConfig) differential.Options {
	return differential.Options{
		Controls: cfg.ControlRule(),
		Mode:     differential.Mode(cfg.Differential.Mode),
		TopN:     cfg.Differential.TopN,
	}
}
