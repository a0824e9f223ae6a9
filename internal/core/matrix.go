package core

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// FeatureMatrix holds one row per perturbation and one column per numeric feature.
// Meta carries non-numeric columns (batch keys, cell counts) aligned with IDs.
type FeatureMatrix struct {
	IDs      []string
	Features []string
	Data     *mat.Dense
	Meta     map[string][]string
}

func NewFeatureMatrix(ids, features []string, data *mat.Dense, meta map[string][]string) (*FeatureMatrix, error) {
	const op = "core.NewFeatureMatrix"

	if data == nil {
		if len(ids) != 0 || len(features) != 0 {
			return nil, Validationf(op, "nil data with %d ids and %d features", len(ids), len(features))
		}
		return &FeatureMatrix{Meta: map[string][]string{}}, nil
	}
	rows, cols := data.Dims()
	if rows != len(ids) {
		return nil, Validationf(op, "data has %d rows but %d ids", rows, len(ids))
	}
	if cols != len(features) {
		return nil, Validationf(op, "data has %d columns but %d feature names", cols, len(features))
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, Validationf(op, "duplicate perturbation id %q", id)
		}
		seen[id] = struct{}{}
	}

	if meta == nil {
		meta = map[string][]string{}
	}
	for name, col := range meta {
		if len(col) != rows {
			return nil, Validationf(op, "metadata column %q has %d values, want %d", name, len(col), rows)
		}
	}

	return &FeatureMatrix{IDs: ids, Features: features, Data: data, Meta: meta}, nil
}

func (m *FeatureMatrix) Dims() (rows, cols int) {
	if m == nil || m.Data == nil {
		return 0, 0
	}
	return m.Data.Dims()
}

// Column returns a copy of feature column j.
func (m *FeatureMatrix) Column(j int) []float64 {
	return mat.Col(nil, j, m.Data)
}

// Validate reports the first missing or non-finite value.
func (m *FeatureMatrix) Validate() error {
	const op = "core.FeatureMatrix.Validate"

	rows, cols := m.Dims()
	if rows == 0 || cols == 0 {
		return Validationf(op, "empty matrix (%d x %d)", rows, cols)
	}
	for i := range rows {
		for j := range cols {
			v := m.Data.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Validationf(op, "missing or non-finite value at row %q feature %q", m.IDs[i], m.Features[j])
			}
		}
	}
	return nil
}

// SelectRows returns a new matrix restricted to the given row indices, in order.
func (m *FeatureMatrix) SelectRows(idx []int) *FeatureMatrix {
	_, cols := m.Dims()
	ids := make([]string, len(idx))
	var data *mat.Dense
	if len(idx) > 0 && cols > 0 {
		data = mat.NewDense(len(idx), cols, nil)
	}
	for r, i := range idx {
		ids[r] = m.IDs[i]
		if data != nil {
			data.SetRow(r, m.Data.RawRowView(i))
		}
	}

	meta := make(map[string][]string, len(m.Meta))
	for name, col := range m.Meta {
		sub := make([]string, len(idx))
		for r, i := range idx {
			sub[r] = col[i]
		}
		meta[name] = sub
	}

	return &FeatureMatrix{IDs: ids, Features: append([]string(nil), m.Features...), Data: data, Meta: meta}
}

// SelectColumns returns a new matrix restricted to the given feature indices, in order.
func (m *FeatureMatrix) SelectColumns(idx []int) *FeatureMatrix {
	rows, _ := m.Dims()
	features := make([]string, len(idx))
	var data *mat.Dense
	if len(idx) > 0 && rows > 0 {
		data = mat.NewDense(rows, len(idx), nil)
	}
	for c, j := range idx {
		features[c] = m.Features[j]
		if data != nil {
			for i := range rows {
				data.Set(i, c, m.Data.At(i, j))
			}
		}
	}

	meta := make(map[string][]string, len(m.Meta))
	for name, col := range m.Meta {
		meta[name] = append([]string(nil), col...)
	}

	return &FeatureMatrix{IDs: append([]string(nil), m.IDs...), Features: features, Data: data, Meta: meta}
}

// Clone returns a deep copy.
func (m *FeatureMatrix) Clone() *FeatureMatrix {
	rows, _ := m.Dims()
	idx := make([]int, rows)
	for i := range idx {
		idx[i] = i
	}
	return m.SelectRows(idx)
}

// RowIndex maps perturbation id to row index.
func (m *FeatureMatrix) RowIndex() map[string]int {
	index := make(map[string]int, len(m.IDs))
	for i, id := range m.IDs {
		index[id] = i
	}
	return index
}

// ControlRule identifies the control population. A row is a control when its id
// starts with Prefix, or when metadata column Column holds one of Values.
type ControlRule struct {
	Prefix string
	Column string
	Values []string
}

func (r ControlRule) IsZero() bool {
	return r.Prefix == "" && (r.Column == "" || len(r.Values) == 0)
}

// Match returns the indices of control rows, in row order.
func (r ControlRule) Match(m *FeatureMatrix) []int {
	var column []string
	if r.Column != "" {
		column = m.Meta[r.Column]
	}
	values := make(map[string]struct{}, len(r.Values))
	for _, v := range r.Values {
		values[v] = struct{}{}
	}

	var idx []int
	for i, id := range m.IDs {
		if r.Prefix != "" && strings.HasPrefix(id, r.Prefix) {
			idx = append(idx, i)
			continue
		}
		if column != nil {
			if _, ok := values[column[i]]; ok {
				idx = append(idx, i)
			}
		}
	}
	return idx
}

// Split partitions row indices into controls and perturbations.
func (r ControlRule) Split(m *FeatureMatrix) (controls, perturbations []int) {
	controls = r.Match(m)
	isControl := make(map[int]struct{}, len(controls))
	for _, i := range controls {
		isControl[i] = struct{}{}
	}
	for i := range m.IDs {
		if _, ok := isControl[i]; !ok {
			perturbations = append(perturbations, i)
		}
	}
	return controls, perturbations
}
