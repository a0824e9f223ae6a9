package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tensorplex-labs/phenocluster/internal/cluster"
	"github.com/tensorplex-labs/phenocluster/internal/config"
	"github.com/tensorplex-labs/phenocluster/internal/core"
	"github.com/tensorplex-labs/phenocluster/internal/differential"
	"github.com/tensorplex-labs/phenocluster/internal/pipeline"
	"github.com/tensorplex-labs/phenocluster/internal/scoring"
	"github.com/tensorplex-labs/phenocluster/internal/simulate"
	"github.com/tensorplex-labs/phenocluster/internal/sweep"
	"github.com/tensorplex-labs/phenocluster/internal/tableio"
)

// loadInputs reads the feature table with every metadata column the pipeline needs,
// and whichever benchmark tables are configured.
func loadInputs(cfg config.PipelineConfig) (*core.FeatureMatrix, scoring.Benchmarks, error) {
	if cfg.Input.FeatureTable == "" {
		return nil, scoring.Benchmarks{}, core.Configurationf("main.loadInputs", "input.feature_table is not set")
	}

	metadata := slices.Clone(cfg.Input.MetadataColumns)
	metadata = append(metadata, cfg.Normalization.BatchColumns...)
	if cfg.Normalization.ControlColumn != "" {
		metadata = append(metadata, cfg.Normalization.ControlColumn)
	}
	slices.Sort(metadata)
	metadata = slices.Compact(metadata)

	m, err := tableio.ReadFeatureTable(cfg.Input.FeatureTable, tableio.FeatureTableOptions{
		IDColumn:        cfg.Input.IDColumn,
		MetadataColumns: metadata,
		MissingPolicy:   cfg.Input.MissingPolicy,
	})
	if err != nil {
		return nil, scoring.Benchmarks{}, err
	}
	rows, cols := m.Dims()
	log.Info().Str("path", cfg.Input.FeatureTable).Int("rows", rows).Int("features", cols).Msg("feature table loaded")

	var bench scoring.Benchmarks
	if path := cfg.Benchmark.PairTable; path != "" {
		if bench.Pairs, err = tableio.ReadPairTable(path); err != nil {
			return nil, scoring.Benchmarks{}, err
		}
		log.Info().Str("path", path).Int("pairs", len(bench.Pairs.Pairs)).Msg("pair benchmark loaded")
	}
	if path := cfg.Benchmark.GroupTable; path != "" {
		if bench.Groups, err = tableio.ReadGroupTable(path); err != nil {
			return nil, scoring.Benchmarks{}, err
		}
		log.Info().Str("path", path).Int("groups", len(bench.Groups.Groups)).Msg("group benchmark loaded")
	}
	return m, bench, nil
}

func outputDir(cfg config.PipelineConfig, override string) (string, error) {
	dir := cfg.Input.OutputDir
	if override != "" {
		dir = override
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir %s: %w", dir, err)
	}
	return dir, nil
}

func newSweepCommand(root *rootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Cluster over the resolution grid and benchmark against the permuted null",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			m, bench, err := loadInputs(cfg)
			if err != nil {
				return err
			}
			dir, err := outputDir(cfg, out)
			if err != nil {
				return err
			}

			controller, err := sweep.NewController(cfg, bench)
			if err != nil {
				return err
			}
			res, runErr := controller.Run(cmd.Context(), m)
			if res == nil {
				return runErr
			}

			if err := writeSweep(dir, res); err != nil {
				return err
			}
			if err := sweep.PlotTradeoff(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory (default input.output_dir)")
	return cmd
}

func writeSweep(dir string, res *sweep.Result) error {
	if err := tableio.WriteJSON(filepath.Join(dir, "sweep.json"), res); err != nil {
		return err
	}
	if err := tableio.WriteSweepSeries(filepath.Join(dir, "sweep_series.tsv"), res.Points); err != nil {
		return err
	}

	assignDir := filepath.Join(dir, "assignments")
	if err := os.MkdirAll(assignDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", assignDir, err)
	}
	for key, a := range res.Assignments {
		path := filepath.Join(assignDir, fmt.Sprintf("%s_res%g.tsv", key.Variant, key.Resolution))
		if err := tableio.WriteAssignment(path, a); err != nil {
			return err
		}
	}
	log.Info().Str("dir", dir).Int("assignments", len(res.Assignments)).Msg("sweep outputs written")
	return nil
}

func newClusterCommand(root *rootOptions) *cobra.Command {
	var (
		out        string
		resolution float64
		markers    bool
	)

	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster the real dataset at one resolution and rank marker features per cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			m, bench, err := loadInputs(cfg)
			if err != nil {
				return err
			}
			dir, err := outputDir(cfg, out)
			if err != nil {
				return err
			}

			prepared, err := pipeline.Prepare(m, cfg, core.VariantReal)
			if err != nil {
				return err
			}
			a, err := cluster.Cluster(cmd.Context(), prepared.Embedding, cfg.Clustering.Neighbors,
				pipeline.ClusterOptions(cfg, resolution))
			if err != nil {
				return err
			}
			if err := tableio.WriteAssignment(filepath.Join(dir, fmt.Sprintf("assignment_res%g.tsv", resolution)), a); err != nil {
				return err
			}
			log.Info().Float64("resolution", resolution).Int("clusters", a.NumClusters()).
				Int("outliers", a.NumOutliers()).Float64("modularity", a.Modularity).Msg("clustered")

			if bench.Pairs != nil || bench.Groups != nil {
				score, err := pipeline.NewEvaluator(cfg).Evaluate(a, core.VariantReal, bench)
				if err != nil {
					return err
				}
				if err := tableio.WriteJSON(filepath.Join(dir, fmt.Sprintf("score_res%g.json", resolution)), score); err != nil {
					return err
				}
			}

			if !markers {
				return nil
			}
			results, err := differential.AnalyzeAll(prepared.Normalized.Matrix, a, pipeline.DifferentialOptions(cfg))
			if err != nil {
				return err
			}
			return tableio.WriteDifferential(filepath.Join(dir, fmt.Sprintf("markers_res%g.tsv", resolution)), results)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory (default input.output_dir)")
	cmd.Flags().Float64VarP(&resolution, "resolution", "r", 1, "clustering resolution")
	cmd.Flags().BoolVar(&markers, "markers", true, "write the differential feature ranking per cluster")
	return cmd
}

func newSimulateCommand() *cobra.Command {
	opts := simulate.DefaultOptions()
	var out string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write a synthetic screen, its benchmark tables and a matching pipeline config",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := simulate.Generate(opts)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return fmt.Errorf("create output dir %s: %w", out, err)
			}

			cfg := config.Default()
			cfg.Input.FeatureTable = filepath.Join(out, "features.tsv.gz")
			cfg.Input.MetadataColumns = []string{simulate.CellCountColumn}
			cfg.Input.OutputDir = filepath.Join(out, "results")
			cfg.Normalization.ControlPrefix = simulate.ControlPrefix
			cfg.Normalization.BatchColumns = []string{simulate.BatchColumn}
			cfg.Benchmark.PairTable = filepath.Join(out, "pairs.tsv")
			cfg.Benchmark.GroupTable = filepath.Join(out, "groups.tsv")

			meta := []string{simulate.BatchColumn, simulate.CellCountColumn}
			if err := tableio.WriteFeatureTable(cfg.Input.FeatureTable, s.Matrix, cfg.Input.IDColumn, meta); err != nil {
				return err
			}
			if err := tableio.WritePairTable(cfg.Benchmark.PairTable, s.Pairs); err != nil {
				return err
			}
			if err := tableio.WriteGroupTable(cfg.Benchmark.GroupTable, s.Groups); err != nil {
				return err
			}

			raw, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			cfgPath := filepath.Join(out, "pipeline.yaml")
			if err := os.WriteFile(cfgPath, raw, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", cfgPath, err)
			}

			log.Info().Str("dir", out).Int("genes", opts.Genes).Int("clusters", opts.Clusters).
				Uint64("seed", opts.Seed).Msg("synthetic screen written")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "run: phenocluster sweep --config %s\n", cfgPath)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", "simulated", "output directory")
	f.IntVar(&opts.Genes, "genes", opts.Genes, "number of targeting perturbations")
	f.IntVar(&opts.Clusters, "clusters", opts.Clusters, "number of planted clusters")
	f.IntVar(&opts.Controls, "controls", opts.Controls, "number of control perturbations")
	f.IntVar(&opts.Features, "features", opts.Features, "number of informative features")
	f.IntVar(&opts.RedundantFeatures, "redundant", opts.RedundantFeatures, "number of redundant rescaled features")
	f.IntVar(&opts.Batches, "batches", opts.Batches, "number of plates")
	f.Float64Var(&opts.Separation, "separation", opts.Separation, "cluster center distance from the origin in noise units")
	f.Float64Var(&opts.BatchShift, "batch-shift", opts.BatchShift, "per-plate offset scale in noise units")
	f.Uint64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	return cmd
}
