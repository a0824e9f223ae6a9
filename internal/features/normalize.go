// Package features prepares the per-perturbation feature table for embedding:
// control-relative normalization per batch and correlation-constrained feature selection.
package features

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/tensorplex-labs/phenocluster/internal/core"
	"github.com/tensorplex-labs/phenocluster/internal/stats"
)

const batchKeySep = "|"

// NormalizeOptions configures NormalizeToControls.
type NormalizeOptions struct {
	Controls     core.ControlRule
	BatchColumns []string
	MinControls  int
}

// BatchStats are the control location and scale used for one batch.
type BatchStats struct {
	Batch    string
	Controls int
	Pooled   bool
	Location []float64
	Scale    []float64
}

// NormalizeResult is the normalized matrix plus the statistics used per batch.
type NormalizeResult struct {
	Matrix   *core.FeatureMatrix
	Batches  []BatchStats
	Warnings []string
}

// NormalizeToControls rescales every row of each batch as (x - median) / (1.4826 * MAD)
// using that batch's control rows. Batches with fewer than MinControls controls use the
// pooled control statistics and are reported in Warnings.
func NormalizeToControls(m *core.FeatureMatrix, opts NormalizeOptions) (*NormalizeResult, error) {
	const op = "features.NormalizeToControls"

	rows, cols := m.Dims()
	if rows == 0 || cols == 0 {
		return nil, core.Validationf(op, "empty matrix (%d x %d)", rows, cols)
	}
	if opts.MinControls < 1 {
		return nil, core.Configurationf(op, "min controls must be positive, got %d", opts.MinControls)
	}

	keys, err := batchKeys(m, opts.BatchColumns)
	if err != nil {
		return nil, core.Validationf(op, "%w", err)
	}

	controls := opts.Controls.Match(m)
	if len(controls) == 0 {
		return nil, core.Validationf(op, "no control rows match %+v", opts.Controls)
	}

	pooledLoc, pooledScale := controlStats(m, controls)

	batchRows := make(map[string][]int)
	batchControls := make(map[string][]int)
	for i := range rows {
		batchRows[keys[i]] = append(batchRows[keys[i]], i)
	}
	for _, i := range controls {
		batchControls[keys[i]] = append(batchControls[keys[i]], i)
	}

	batchNames := make([]string, 0, len(batchRows))
	for b := range batchRows {
		batchNames = append(batchNames, b)
	}
	sort.Strings(batchNames)

	out := mat.NewDense(rows, cols, nil)
	result := &NormalizeResult{}

	for _, b := range batchNames {
		bs := BatchStats{Batch: b, Controls: len(batchControls[b])}

		if bs.Controls >= opts.MinControls {
			bs.Location, bs.Scale = controlStats(m, batchControls[b])
		} else {
			bs.Pooled = true
			bs.Location, bs.Scale = pooledLoc, pooledScale
			msg := "batch has too few controls; using pooled control statistics"
			log.Warn().Str("batch", b).Int("controls", bs.Controls).Int("min_controls", opts.MinControls).Msg(msg)
			result.Warnings = append(result.Warnings, b+": "+msg)
		}

		scale := make([]float64, cols)
		for j := range cols {
			scale[j] = bs.Scale[j]
			if scale[j] > 0 {
				continue
			}
			if pooledScale[j] > 0 {
				scale[j] = pooledScale[j]
			} else {
				scale[j] = 1
			}
			log.Warn().Str("batch", b).Str("feature", m.Features[j]).Float64("fallback_scale", scale[j]).
				Msg("zero control scale; falling back")
			result.Warnings = append(result.Warnings, b+": zero control scale for "+m.Features[j])
		}
		bs.Scale = scale

		for _, i := range batchRows[b] {
			src := m.Data.RawRowView(i)
			dst := out.RawRowView(i)
			for j := range cols {
				dst[j] = (src[j] - bs.Location[j]) / scale[j]
			}
		}

		log.Debug().Str("batch", b).Int("rows", len(batchRows[b])).Int("controls", bs.Controls).Bool("pooled", bs.Pooled).
			Msg("normalized batch to controls")
		result.Batches = append(result.Batches, bs)
	}

	meta := make(map[string][]string, len(m.Meta))
	for name, col := range m.Meta {
		meta[name] = append([]string(nil), col...)
	}
	result.Matrix = &core.FeatureMatrix{
		IDs:      append([]string(nil), m.IDs...),
		Features: append([]string(nil), m.Features...),
		Data:     out,
		Meta:     meta,
	}
	return result, nil
}

func controlStats(m *core.FeatureMatrix, idx []int) (loc, scale []float64) {
	_, cols := m.Dims()
	loc = make([]float64, cols)
	scale = make([]float64, cols)
	values := make([]float64, len(idx))
	for j := range cols {
		for k, i := range idx {
			values[k] = m.Data.At(i, j)
		}
		loc[j] = stats.Median(values)
		scale[j] = stats.MADScale * stats.MAD(values)
	}
	return loc, scale
}

func batchKeys(m *core.FeatureMatrix, columns []string) ([]string, error) {
	rows, _ := m.Dims()
	keys := make([]string, rows)
	if len(columns) == 0 {
		return keys, nil
	}

	parts := make([][]string, len(columns))
	for c, name := range columns {
		col, ok := m.Meta[name]
		if !ok {
			return nil, errMissingColumn(name)
		}
		parts[c] = col
	}

	buf := make([]string, len(columns))
	for i := range rows {
		for c := range columns {
			buf[c] = parts[c][i]
		}
		keys[i] = strings.Join(buf, batchKeySep)
	}
	return keys, nil
}

type errMissingColumn string

func (e errMissingColumn) Error() string {
	return "missing batch column " + string(e)
}
