// Package differential ranks the features that separate one cluster from the
// control perturbations.
package differential

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/phenocluster/internal/core"
	"github.com/tensorplex-labs/phenocluster/internal/stats"
)

// Mode selects the significance test.
type Mode string

const (
	// ModeNonparametric uses the Mann-Whitney U test.
	ModeNonparametric Mode = "nonparametric"
	// ModeParametric uses Welch's t-test.
	ModeParametric Mode = "parametric"
)

type Options struct {
	Controls core.ControlRule
	Mode     Mode
	// TopN truncates each ranking; zero keeps every feature.
	TopN int
}

// FeatureResult compares one feature between a cluster and the controls.
type FeatureResult struct {
	Feature       string  `json:"feature"`
	ClusterMedian float64 `json:"cluster_median"`
	ControlMedian float64 `json:"control_median"`
	ClusterSize   int     `json:"cluster_size"`
	ControlSize   int     `json:"control_size"`
	RobustZ       float64 `json:"robust_z"`
	Statistic     float64 `json:"statistic"`
	PValue        float64 `json:"p_value"`
}

// Result is the ranking for one cluster, strongest |RobustZ| first.
type Result struct {
	ClusterID int             `json:"cluster_id"`
	Mode      Mode            `json:"mode"`
	Features  []FeatureResult `json:"features"`
}

// Analyze compares every feature of the members of clusterID against the control rows
// of m. The robust z-score is (median(cluster) - median(controls)) / (1.4826 * MAD(controls));
// ties in |z| keep column order.
func Analyze(m *core.FeatureMatrix, a *core.ClusterAssignment, clusterID int, opts Options) (*Result, error) {
	const op = "differential.Analyze"

	mode := opts.Mode
	if mode == "" {
		mode = ModeNonparametric
	}
	if mode != ModeNonparametric && mode != ModeParametric {
		return nil, core.Configurationf(op, "unknown test mode %q", opts.Mode)
	}
	if opts.TopN < 0 {
		return nil, core.Configurationf(op, "negative top n %d", opts.TopN)
	}

	rowOf := m.RowIndex()
	var members []int
	for i, id := range a.IDs {
		if a.Labels[i] != clusterID {
			continue
		}
		if r, ok := rowOf[id]; ok {
			members = append(members, r)
		}
	}
	if len(members) == 0 {
		return nil, core.Validationf(op, "cluster %d has no members in the feature matrix", clusterID)
	}

	controls := opts.Controls.Match(m)
	if len(controls) < 2 {
		return nil, core.Validationf(op, "need at least two control rows, got %d", len(controls))
	}

	_, cols := m.Dims()
	result := &Result{ClusterID: clusterID, Mode: mode, Features: make([]FeatureResult, cols)}
	clusterValues := make([]float64, len(members))
	controlValues := make([]float64, len(controls))
	for j := range cols {
		for k, i := range members {
			clusterValues[k] = m.Data.At(i, j)
		}
		for k, i := range controls {
			controlValues[k] = m.Data.At(i, j)
		}

		fr := FeatureResult{
			Feature:       m.Features[j],
			ClusterMedian: stats.Median(clusterValues),
			ControlMedian: stats.Median(controlValues),
			ClusterSize:   len(members),
			ControlSize:   len(controls),
		}
		scale := stats.RobustScale(controlValues)
		if scale == 0 || math.IsNaN(scale) {
			log.Debug().Str("feature", fr.Feature).Msg("constant control values; using unit scale")
			scale = 1
		}
		fr.RobustZ = (fr.ClusterMedian - fr.ControlMedian) / scale

		if mode == ModeParametric {
			fr.Statistic, fr.PValue = stats.WelchT(clusterValues, controlValues)
		} else {
			fr.Statistic, fr.PValue = stats.MannWhitneyU(clusterValues, controlValues)
		}
		result.Features[j] = fr
	}

	sort.SliceStable(result.Features, func(x, y int) bool {
		return math.Abs(result.Features[x].RobustZ) > math.Abs(result.Features[y].RobustZ)
	})
	if opts.TopN > 0 && opts.TopN < len(result.Features) {
		result.Features = result.Features[:opts.TopN]
	}

	log.Debug().Int("cluster", clusterID).Int("members", len(members)).Int("controls", len(controls)).
		Str("mode", string(mode)).Msg("differential analysis complete")
	return result, nil
}

// AnalyzeAll runs Analyze for every non-outlier cluster of a, in label order.
func AnalyzeAll(m *core.FeatureMatrix, a *core.ClusterAssignment, opts Options) ([]*Result, error) {
	var results []*Result
	for _, label := range a.ClusterIDs() {
		r, err := Analyze(m, a, label, opts)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}
