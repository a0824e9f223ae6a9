// Package sweep runs the cluster engine and benchmark evaluator over a grid of
// resolutions for the real dataset and its permuted null, in parallel.
package sweep

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tensorplex-labs/phenocluster/internal/cluster"
	"github.com/tensorplex-labs/phenocluster/internal/config"
	"github.com/tensorplex-labs/phenocluster/internal/core"
	"github.com/tensorplex-labs/phenocluster/internal/pipeline"
	"github.com/tensorplex-labs/phenocluster/internal/scoring"
)

// Failure records a sweep job that did not produce a score.
type Failure struct {
	Resolution float64      `json:"resolution"`
	Variant    core.Variant `json:"variant"`
	Reason     string       `json:"reason"`
}

// PointKey identifies one job of the sweep.
type PointKey struct {
	Resolution float64
	Variant    core.Variant
}

// Result is the outcome of one sweep. Points are sorted by resolution and hold
// whatever scores succeeded; every missing score has a matching Failure.
type Result struct {
	RunID     string            `json:"run_id"`
	StartedAt time.Time         `json:"started_at"`
	Elapsed   time.Duration     `json:"elapsed_ns"`
	Points    []core.SweepPoint `json:"points"`
	Failures  []Failure         `json:"failures,omitempty"`
	// AdvisoryBestResolution maximizes the real-vs-null gap. It is a suggestion for
	// review, not a decision.
	AdvisoryBestResolution *float64 `json:"advisory_best_resolution,omitempty"`
	AdvisoryCriterion      string   `json:"advisory_criterion,omitempty"`

	Real        *pipeline.Prepared                   `json:"-"`
	Null        *pipeline.Prepared                   `json:"-"`
	Assignments map[PointKey]*core.ClusterAssignment `json:"-"`
}

// Controller owns one validated configuration and the benchmarks to score against.
type Controller struct {
	cfg       config.PipelineConfig
	bench     scoring.Benchmarks
	evaluator *scoring.Evaluator
	partition func(*cluster.KNNGraph, context.Context, cluster.Options) (*core.ClusterAssignment, error)
}

type ControllerOption func(*Controller)

// WithEvaluator replaces the evaluator derived from the benchmark config.
func WithEvaluator(e *scoring.Evaluator) ControllerOption {
	return func(c *Controller) {
		c.evaluator = e
	}
}

// NewController validates cfg once; every job of every Run shares it read-only.
func NewController(cfg config.PipelineConfig, bench scoring.Benchmarks, opts ...ControllerOption) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bench.Pairs == nil && bench.Groups == nil {
		return nil, core.BenchmarkDataf("sweep.NewController", "no benchmark provided")
	}
	c := &Controller{
		cfg:       cfg,
		bench:     bench,
		evaluator: pipeline.NewEvaluator(cfg),
		partition: (*cluster.KNNGraph).Partition,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type variantInput struct {
	variant  core.Variant
	graph    *cluster.KNNGraph
	prepared *pipeline.Prepared
}

// Run prepares the real and null embeddings once, builds one k-NN graph per variant
// and fans out a job per (resolution, variant). A failed job is recorded and never
// cancels its siblings. Failing to prepare the real embedding is fatal; failing to
// prepare the null fails only the null jobs. When ctx ends early the partial result
// is returned together with the context error.
func (c *Controller) Run(ctx context.Context, m *core.FeatureMatrix) (*Result, error) {
	res := &Result{
		RunID:       uuid.NewString(),
		StartedAt:   time.Now(),
		Assignments: make(map[PointKey]*core.ClusterAssignment),
	}
	resolutions := c.cfg.Sweep.SortedResolutions()
	logger := log.With().Str("run_id", res.RunID).Logger()
	logger.Info().Floats64("resolutions", resolutions).Int("parallelism", c.cfg.Sweep.Parallelism).
		Bool("null", !c.cfg.Sweep.SkipNull).Msg("starting resolution sweep")

	prepared, err := pipeline.Prepare(m, c.cfg, core.VariantReal)
	if err != nil {
		return nil, fmt.Errorf("prepare real embedding: %w", err)
	}
	realGraph, err := cluster.NewKNNGraph(prepared.Embedding, c.cfg.Clustering.Neighbors)
	if err != nil {
		return nil, fmt.Errorf("build real graph: %w", err)
	}
	res.Real = prepared
	inputs := []variantInput{{variant: core.VariantReal, graph: realGraph, prepared: prepared}}

	if !c.cfg.Sweep.SkipNull {
		null, err := c.prepareNull(m)
		if err != nil {
			logger.Error().Err(err).Msg("null variant failed; null jobs skipped")
			for _, r := range resolutions {
				res.Failures = append(res.Failures, Failure{Resolution: r, Variant: core.VariantNull, Reason: err.Error()})
			}
		} else {
			res.Null = null.prepared
			inputs = append(inputs, null)
		}
	}

	var mu sync.Mutex
	scores := make(map[PointKey]*core.BenchmarkScore)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Sweep.Parallelism)
	for _, r := range resolutions {
		for _, in := range inputs {
			g.Go(func() error {
				key := PointKey{Resolution: r, Variant: in.variant}
				start := time.Now()
				a, score, err := c.runPoint(gctx, in.graph, key)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					logger.Error().Err(err).Float64("resolution", r).Str("variant", string(in.variant)).
						Msg("sweep job failed")
					res.Failures = append(res.Failures, Failure{Resolution: r, Variant: in.variant, Reason: err.Error()})
					return nil
				}
				logger.Debug().Float64("resolution", r).Str("variant", string(in.variant)).
					Dur("elapsed", time.Since(start)).Int("clusters", score.NumClusters).Msg("sweep job done")
				scores[key] = score
				res.Assignments[key] = a
				return nil
			})
		}
	}
	// jobs never return errors
	_ = g.Wait()

	res.Points = assemble(resolutions, scores)
	sort.Slice(res.Failures, func(i, j int) bool {
		if res.Failures[i].Resolution != res.Failures[j].Resolution {
			return res.Failures[i].Resolution < res.Failures[j].Resolution
		}
		return res.Failures[i].Variant < res.Failures[j].Variant
	})
	res.AdvisoryBestResolution, res.AdvisoryCriterion = advisoryBest(res.Points)
	res.Elapsed = time.Since(res.StartedAt)

	ev := logger.Info().Int("points", len(res.Points)).Int("failures", len(res.Failures)).Dur("elapsed", res.Elapsed)
	if res.AdvisoryBestResolution != nil {
		ev = ev.Float64("advisory_best_resolution", *res.AdvisoryBestResolution).Str("criterion", res.AdvisoryCriterion)
	}
	ev.Msg("resolution sweep complete")

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("sweep interrupted: %w", err)
	}
	return res, nil
}

func (c *Controller) prepareNull(m *core.FeatureMatrix) (variantInput, error) {
	shuffled := pipeline.NullVariant(m, c.cfg.ControlRule(), c.cfg.Sweep.NullSeed)
	null, err := pipeline.Prepare(shuffled, c.cfg, core.VariantNull)
	if err != nil {
		return variantInput{}, fmt.Errorf("prepare null embedding: %w", err)
	}
	g, err := cluster.NewKNNGraph(null.Embedding, c.cfg.Clustering.Neighbors)
	if err != nil {
		return variantInput{}, fmt.Errorf("build null graph: %w", err)
	}
	return variantInput{variant: core.VariantNull, graph: g, prepared: null}, nil
}

func (c *Controller) runPoint(ctx context.Context, g *cluster.KNNGraph, key PointKey) (*core.ClusterAssignment, *core.BenchmarkScore, error) {
	if timeout := c.cfg.Sweep.PointTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	a, err := c.partition(g, ctx, pipeline.ClusterOptions(c.cfg, key.Resolution))
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	score, err := c.evaluator.Evaluate(a, key.Variant, c.bench)
	if err != nil {
		return nil, nil, err
	}
	return a, score, nil
}

// assemble builds one point per resolution. RecallGap needs pair scores on both
// variants, RecallRatio also a positive null recall, EnrichmentGap group scores on both.
func assemble(resolutions []float64, scores map[PointKey]*core.BenchmarkScore) []core.SweepPoint {
	points := make([]core.SweepPoint, 0, len(resolutions))
	for _, r := range resolutions {
		p := core.SweepPoint{
			Resolution: r,
			Real:       scores[PointKey{Resolution: r, Variant: core.VariantReal}],
			Null:       scores[PointKey{Resolution: r, Variant: core.VariantNull}],
		}
		if p.Real != nil && p.Null != nil {
			if p.Real.PairsTested > 0 && p.Null.PairsTested > 0 {
				gap := p.Real.PairRecall - p.Null.PairRecall
				p.RecallGap = &gap
				if p.Null.PairRecall > 0 {
					ratio := p.Real.PairRecall / p.Null.PairRecall
					p.RecallRatio = &ratio
				}
			}
			if p.Real.GroupsTested > 0 && p.Null.GroupsTested > 0 {
				gap := p.Real.MeanNegLog10P - p.Null.MeanNegLog10P
				p.EnrichmentGap = &gap
			}
		}
		points = append(points, p)
	}
	return points
}

// Advisory criteria.
const (
	CriterionEnrichmentGap = "max_enrichment_gap"
	CriterionRecallGap     = "max_recall_gap"
)

// advisoryBest picks the resolution with the largest enrichment gap, or the largest
// recall gap when no point has one. Points are sorted, so strict improvement keeps
// the lower resolution on ties.
func advisoryBest(points []core.SweepPoint) (*float64, string) {
	pick := func(gap func(core.SweepPoint) *float64) *float64 {
		var best *float64
		var bestGap float64
		for _, p := range points {
			v := gap(p)
			if v == nil {
				continue
			}
			if best == nil || *v > bestGap {
				r := p.Resolution
				best, bestGap = &r, *v
			}
		}
		return best
	}

	if r := pick(func(p core.SweepPoint) *float64 { return p.EnrichmentGap }); r != nil {
		return r, CriterionEnrichmentGap
	}
	if r := pick(func(p core.SweepPoint) *float64 { return p.RecallGap }); r != nil {
		return r, CriterionRecallGap
	}
	return nil, ""
}
