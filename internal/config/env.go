// Package config defines the immutable pipeline configuration and its loaders.
package config

import (
	"slices"
	"time"
)

// PipelineConfig is the full configuration of one dataset run. It is validated
// once by Validate and then passed by value into each component.
type PipelineConfig struct {
	Input         InputConfig         `yaml:"input" envPrefix:"INPUT_"`
	Normalization NormalizationConfig `yaml:"normalization" envPrefix:"NORMALIZATION_"`
	Selection     SelectionConfig     `yaml:"selection" envPrefix:"SELECTION_"`
	Reduction     ReductionConfig     `yaml:"reduction" envPrefix:"REDUCTION_"`
	Clustering    ClusteringConfig    `yaml:"clustering" envPrefix:"CLUSTERING_"`
	Benchmark     BenchmarkConfig     `yaml:"benchmark" envPrefix:"BENCHMARK_"`
	Sweep         SweepConfig         `yaml:"sweep" envPrefix:"SWEEP_"`
	Differential  DifferentialConfig  `yaml:"differential" envPrefix:"DIFFERENTIAL_"`
}

// InputConfig describes the feature table layout.
type InputConfig struct {
	FeatureTable    string   `yaml:"feature_table" env:"FEATURE_TABLE"`
	IDColumn        string   `yaml:"id_column" env:"ID_COLUMN" validate:"required"`
	MetadataColumns []string `yaml:"metadata_columns" env:"METADATA_COLUMNS" envSeparator:","`
	MissingPolicy   string   `yaml:"missing_policy" env:"MISSING_POLICY" validate:"oneof=error drop_columns drop_rows"`
	OutputDir       string   `yaml:"output_dir" env:"OUTPUT_DIR"`
}

// NormalizationConfig configures the control normalizer.
type NormalizationConfig struct {
	ControlPrefix string   `yaml:"control_prefix" env:"CONTROL_PREFIX"`
	ControlColumn string   `yaml:"control_column" env:"CONTROL_COLUMN"`
	ControlValues []string `yaml:"control_values" env:"CONTROL_VALUES" envSeparator:","`
	BatchColumns  []string `yaml:"batch_columns" env:"BATCH_COLUMNS" envSeparator:","`
	MinControls   int      `yaml:"min_controls" env:"MIN_CONTROLS" validate:"gte=2"`
}

// SelectionConfig configures the feature selector.
type SelectionConfig struct {
	CorrelationThreshold float64 `yaml:"correlation_threshold" env:"CORRELATION_THRESHOLD" validate:"gt=0,lte=1"`
	VarianceThreshold    float64 `yaml:"variance_threshold" env:"VARIANCE_THRESHOLD" validate:"gte=0"`
	MinUniqueValues      int     `yaml:"min_unique_values" env:"MIN_UNIQUE_VALUES" validate:"gte=2"`
}

// ReductionConfig configures PCA and the diffusion manifold embedding.
type ReductionConfig struct {
	VarianceThreshold float64 `yaml:"variance_threshold" env:"VARIANCE_THRESHOLD" validate:"gt=0,lte=1"`
	Components        int     `yaml:"components" env:"COMPONENTS" validate:"gte=0"`
	Manifold          bool    `yaml:"manifold" env:"MANIFOLD"`
	Metric            string  `yaml:"metric" env:"METRIC" validate:"oneof=euclidean cosine"`
	Neighbors         int     `yaml:"neighbors" env:"NEIGHBORS" validate:"gte=1"`
	DecayAlpha        float64 `yaml:"decay_alpha" env:"DECAY_ALPHA" validate:"gt=0"`
	DiffusionTime     int     `yaml:"diffusion_time" env:"DIFFUSION_TIME" validate:"gte=0"`
	MaxDiffusionTime  int     `yaml:"max_diffusion_time" env:"MAX_DIFFUSION_TIME" validate:"gte=2"`
	Dims              int     `yaml:"dims" env:"DIMS" validate:"gte=1"`
	MDSIterations     int     `yaml:"mds_iterations" env:"MDS_ITERATIONS" validate:"gte=0"`
}

// Small cluster policies.
const (
	SmallClusterMerge   = "merge"
	SmallClusterOutlier = "outlier"
	SmallClusterKeep    = "keep"
)

// ClusteringConfig configures the cluster engine.
type ClusteringConfig struct {
	Neighbors          int    `yaml:"neighbors" env:"NEIGHBORS" validate:"gte=1"`
	MinClusterSize     int    `yaml:"min_cluster_size" env:"MIN_CLUSTER_SIZE" validate:"gte=1"`
	SmallClusterPolicy string `yaml:"small_cluster_policy" env:"SMALL_CLUSTER_POLICY" validate:"oneof=merge outlier keep"`
	Seed               uint64 `yaml:"seed" env:"SEED"`
	IncludeControls    bool   `yaml:"include_controls" env:"INCLUDE_CONTROLS"`
}

// BenchmarkConfig configures the benchmark evaluator.
type BenchmarkConfig struct {
	PairTable         string  `yaml:"pair_table" env:"PAIR_TABLE"`
	GroupTable        string  `yaml:"group_table" env:"GROUP_TABLE"`
	SignificanceAlpha float64 `yaml:"significance_alpha" env:"SIGNIFICANCE_ALPHA" validate:"gt=0,lt=1"`
	RecoveryPrecision float64 `yaml:"recovery_precision" env:"RECOVERY_PRECISION" validate:"gte=0,lt=1"`
	RecoveryRecall    float64 `yaml:"recovery_recall" env:"RECOVERY_RECALL" validate:"gte=0,lt=1"`
}

// SweepConfig configures the resolution sweep.
type SweepConfig struct {
	Resolutions  []float64     `yaml:"resolutions" env:"RESOLUTIONS" envSeparator:"," validate:"required,min=1,dive,gt=0"`
	Parallelism  int           `yaml:"parallelism" env:"PARALLELISM" validate:"gte=1"`
	NullSeed     uint64        `yaml:"null_seed" env:"NULL_SEED"`
	SkipNull     bool          `yaml:"skip_null" env:"SKIP_NULL"`
	PointTimeout time.Duration `yaml:"point_timeout" env:"POINT_TIMEOUT" validate:"gte=0"`
}

// DifferentialConfig configures the differential feature analyzer.
type DifferentialConfig struct {
	Mode string `yaml:"mode" env:"MODE" validate:"oneof=parametric nonparametric"`
	TopN int    `yaml:"top_n" env:"TOP_N" validate:"gte=0"`
}

// Default returns the configuration used when no file or environment override is given.
func Default() PipelineConfig {
	return PipelineConfig{
		Input: InputConfig{
			IDColumn:        "gene_symbol",
			MetadataColumns: []string{"cell_count"},
			MissingPolicy:   "error",
			OutputDir:       "out",
		},
		Normalization: NormalizationConfig{
			ControlPrefix: "nontargeting",
			MinControls:   5,
		},
		Selection: SelectionConfig{
			CorrelationThreshold: 0.9,
			VarianceThreshold:    1e-3,
			MinUniqueValues:      5,
		},
		Reduction: ReductionConfig{
			VarianceThreshold: 0.95,
			Manifold:          true,
			Metric:            "euclidean",
			Neighbors:         5,
			DecayAlpha:        40,
			MaxDiffusionTime:  100,
			Dims:              2,
			MDSIterations:     100,
		},
		Clustering: ClusteringConfig{
			Neighbors:          15,
			MinClusterSize:     3,
			SmallClusterPolicy: SmallClusterMerge,
			Seed:               42,
		},
		Benchmark: BenchmarkConfig{
			SignificanceAlpha: 1e-3,
			RecoveryPrecision: 0.9,
			RecoveryRecall:    0.9,
		},
		Sweep: SweepConfig{
			Resolutions: []float64{0.05, 0.2, 0.5, 1, 2, 5},
			Parallelism: 4,
			NullSeed:    7,
		},
		Differential: DifferentialConfig{
			Mode: "nonparametric",
			TopN: 25,
		},
	}
}

// SortedResolutions returns a sorted copy of the configured resolution grid.
func (s SweepConfig) SortedResolutions() []float64 {
	out := slices.Clone(s.Resolutions)
	slices.Sort(out)
	return slices.Compact(out)
}
