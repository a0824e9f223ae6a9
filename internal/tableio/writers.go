package tableio

import (
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"

	"github.com/tensorplex-labs/phenocluster/internal/core"
	"github.com/tensorplex-labs/phenocluster/internal/differential"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeTSV(path string, header []string, rows func(emit func([]string) error) error) (err error) {
	f, err := Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := w.Write(header); err != nil {
		return err
	}
	if err := rows(w.Write); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// WriteFeatureTable writes m with idColumn first, then the given metadata columns,
// then every feature.
func WriteFeatureTable(path string, m *core.FeatureMatrix, idColumn string, metadata []string) error {
	header := append([]string{idColumn}, metadata...)
	header = append(header, m.Features...)

	return writeTSV(path, header, func(emit func([]string) error) error {
		rec := make([]string, len(header))
		for i, id := range m.IDs {
			rec[0] = id
			for k, name := range metadata {
				rec[1+k] = m.Meta[name][i]
			}
			row := m.Data.RawRowView(i)
			for j, v := range row {
				rec[1+len(metadata)+j] = formatFloat(v)
			}
			if err := emit(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// WritePairTable writes every pair under its own pair id.
func WritePairTable(path string, pairs *core.PairBenchmark) error {
	return writeTSV(path, []string{GeneColumn, PairColumn}, func(emit func([]string) error) error {
		for k, p := range pairs.Pairs {
			id := fmt.Sprintf("pair_%05d", k)
			if err := emit([]string{p.A, id}); err != nil {
				return err
			}
			if err := emit([]string{p.B, id}); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteGroupTable writes one row per group member, groups in id order.
func WriteGroupTable(path string, groups *core.GroupBenchmark) error {
	return writeTSV(path, []string{GeneColumn, GroupColumn}, func(emit func([]string) error) error {
		for _, id := range groups.GroupIDs() {
			for _, g := range groups.Groups[id] {
				if err := emit([]string{g, id}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// WriteAssignment writes {perturbation_id, coord_0..coord_{d-1}, cluster_id}.
func WriteAssignment(path string, a *core.ClusterAssignment) error {
	dims := 0
	if a.Coords != nil {
		_, dims = a.Coords.Dims()
	}
	header := []string{"perturbation_id"}
	for d := range dims {
		header = append(header, fmt.Sprintf("coord_%d", d))
	}
	header = append(header, "cluster_id")

	return writeTSV(path, header, func(emit func([]string) error) error {
		rec := make([]string, len(header))
		for i, id := range a.IDs {
			rec[0] = id
			for d := range dims {
				rec[1+d] = formatFloat(a.Coords.At(i, d))
			}
			rec[len(rec)-1] = strconv.Itoa(a.Labels[i])
			if err := emit(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteDifferential writes one row per (cluster, feature) in ranking order.
func WriteDifferential(path string, results []*differential.Result) error {
	header := []string{"cluster_id", "rank", "feature", "robust_z", "statistic", "p_value",
		"cluster_median", "control_median", "cluster_size", "control_size", "mode"}

	return writeTSV(path, header, func(emit func([]string) error) error {
		for _, r := range results {
			for rank, f := range r.Features {
				err := emit([]string{
					strconv.Itoa(r.ClusterID), strconv.Itoa(rank + 1), f.Feature,
					formatFloat(f.RobustZ), formatFloat(f.Statistic), formatFloat(f.PValue),
					formatFloat(f.ClusterMedian), formatFloat(f.ControlMedian),
					strconv.Itoa(f.ClusterSize), strconv.Itoa(f.ControlSize), string(r.Mode),
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// WriteSweepSeries writes the plot-ready per-resolution series. Undefined values are
// left empty.
func WriteSweepSeries(path string, points []core.SweepPoint) error {
	header := []string{"resolution", "real_clusters", "real_pair_recall", "real_enriched_clusters",
		"real_mean_neg_log10_p", "null_clusters", "null_pair_recall", "null_enriched_clusters",
		"null_mean_neg_log10_p", "recall_gap", "recall_ratio", "enrichment_gap"}

	optional := func(v *float64) string {
		if v == nil {
			return ""
		}
		return formatFloat(*v)
	}
	scoreCols := func(s *core.BenchmarkScore) []string {
		if s == nil {
			return []string{"", "", "", ""}
		}
		return []string{strconv.Itoa(s.NumClusters), formatFloat(s.PairRecall),
			strconv.Itoa(s.EnrichedClusters), formatFloat(s.MeanNegLog10P)}
	}

	return writeTSV(path, header, func(emit func([]string) error) error {
		for _, p := range points {
			rec := []string{formatFloat(p.Resolution)}
			rec = append(rec, scoreCols(p.Real)...)
			rec = append(rec, scoreCols(p.Null)...)
			rec = append(rec, optional(p.RecallGap), optional(p.RecallRatio), optional(p.EnrichmentGap))
			if err := emit(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteJSON encodes v with sonic.
func WriteJSON(path string, v any) (err error) {
	b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("sonic: failed to marshal %s: %w", path, err)
	}

	f, err := Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = f.Write(append(b, '\n'))
	return err
}

// ReadJSON decodes the JSON document at path into v.
func ReadJSON(path string, v any) error {
	f, err := Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return sonic.ConfigStd.NewDecoder(f).Decode(v)
}
