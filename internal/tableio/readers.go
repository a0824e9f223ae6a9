package tableio

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

// Missing value policies for feature tables.
const (
	MissingError       = "error"
	MissingDropColumns = "drop_columns"
	MissingDropRows    = "drop_rows"
)

const (
	GeneColumn  = "gene_name"
	PairColumn  = "pair_id"
	GroupColumn = "group_id"
)

var missingTokens = map[string]bool{"": true, "na": true, "nan": true, "null": true, "none": true}

// FeatureTableOptions describes the layout of a feature table.
type FeatureTableOptions struct {
	IDColumn        string
	MetadataColumns []string
	MissingPolicy   string
}

func newTSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return cr
}

// ReadFeatureTable loads a feature table from path.
func ReadFeatureTable(path string, opts FeatureTableOptions) (*core.FeatureMatrix, error) {
	f, err := Open(path)
	if err != nil {
		return nil, core.Validationf("tableio.ReadFeatureTable", "%w", err)
	}
	defer f.Close()
	return ParseFeatureTable(f, opts)
}

// ParseFeatureTable reads one header row and one row per perturbation. The id column
// and metadata columns are kept as strings, every other column must be numeric.
func ParseFeatureTable(r io.Reader, opts FeatureTableOptions) (*core.FeatureMatrix, error) {
	const op = "tableio.ParseFeatureTable"

	policy := opts.MissingPolicy
	if policy == "" {
		policy = MissingError
	}
	if policy != MissingError && policy != MissingDropColumns && policy != MissingDropRows {
		return nil, core.Configurationf(op, "unknown missing value policy %q", policy)
	}

	cr := newTSVReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, core.Validationf(op, "reading header: %w", err)
	}
	header = slices.Clone(header)

	idCol := slices.Index(header, opts.IDColumn)
	if idCol < 0 {
		return nil, core.Validationf(op, "id column %q not found", opts.IDColumn)
	}
	metaCols := make([]int, len(opts.MetadataColumns))
	for k, name := range opts.MetadataColumns {
		if metaCols[k] = slices.Index(header, name); metaCols[k] < 0 {
			return nil, core.Validationf(op, "metadata column %q not found", name)
		}
	}

	var featureCols []int
	for j := range header {
		if j != idCol && !slices.Contains(metaCols, j) {
			featureCols = append(featureCols, j)
		}
	}
	if len(featureCols) == 0 {
		return nil, core.Validationf(op, "table has no feature columns")
	}

	var ids []string
	meta := make([][]string, len(metaCols))
	var values [][]float64
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, core.Validationf(op, "line %d: %w", line, err)
		}

		ids = append(ids, rec[idCol])
		for k, c := range metaCols {
			meta[k] = append(meta[k], rec[c])
		}
		row := make([]float64, len(featureCols))
		for k, c := range featureCols {
			field := strings.TrimSpace(rec[c])
			if missingTokens[strings.ToLower(field)] {
				row[k] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, core.Validationf(op, "line %d column %q: %w", line, header[c], err)
			}
			row[k] = v
		}
		values = append(values, row)
	}
	if len(ids) == 0 {
		return nil, core.Validationf(op, "table has no rows")
	}

	keepRows, keepCols, err := applyMissingPolicy(values, len(featureCols), policy)
	if err != nil {
		return nil, core.Validationf(op, "%w", err)
	}
	if len(keepRows) == 0 || len(keepCols) == 0 {
		return nil, core.Validationf(op, "missing value policy %q left %d rows and %d features", policy, len(keepRows), len(keepCols))
	}

	data := mat.NewDense(len(keepRows), len(keepCols), nil)
	outIDs := make([]string, len(keepRows))
	outMeta := make(map[string][]string, len(metaCols))
	for k, name := range opts.MetadataColumns {
		outMeta[name] = make([]string, len(keepRows))
		for i, src := range keepRows {
			outMeta[name][i] = meta[k][src]
		}
	}
	for i, src := range keepRows {
		outIDs[i] = ids[src]
		for j, c := range keepCols {
			data.Set(i, j, values[src][c])
		}
	}
	features := make([]string, len(keepCols))
	for j, c := range keepCols {
		features[j] = header[featureCols[c]]
	}

	if dropped := len(ids) - len(keepRows); dropped > 0 {
		log.Warn().Int("rows_dropped", dropped).Msg("dropped rows with missing values")
	}
	if dropped := len(featureCols) - len(keepCols); dropped > 0 {
		log.Warn().Int("features_dropped", dropped).Msg("dropped features with missing values")
	}

	return core.NewFeatureMatrix(outIDs, features, data, outMeta)
}

func applyMissingPolicy(values [][]float64, cols int, policy string) (rows, keep []int, err error) {
	rowMissing := make([]bool, len(values))
	colMissing := make([]bool, cols)
	found := false
	for i, row := range values {
		for j, v := range row {
			if math.IsNaN(v) {
				rowMissing[i] = true
				colMissing[j] = true
				found = true
			}
		}
	}
	if found && policy == MissingError {
		return nil, nil, errMissingValues
	}

	for i := range values {
		if policy != MissingDropRows || !rowMissing[i] {
			rows = append(rows, i)
		}
	}
	for j := range cols {
		if policy != MissingDropColumns || !colMissing[j] {
			keep = append(keep, j)
		}
	}
	return rows, keep, nil
}

var errMissingValues = errors.New("table has missing values")

// ReadPairTable loads a {gene_name, pair_id} table. Every combination of genes sharing
// a pair id becomes one pair.
func ReadPairTable(path string) (*core.PairBenchmark, error) {
	groups, err := readMembership(path, PairColumn, "tableio.ReadPairTable")
	if err != nil {
		return nil, err
	}

	var pairs []core.GenePair
	for _, members := range groups.Groups {
		for a := range members {
			for b := a + 1; b < len(members); b++ {
				pairs = append(pairs, core.NewGenePair(members[a], members[b]))
			}
		}
	}
	bench := core.NewPairBenchmark(pairs)
	if len(bench.Pairs) == 0 {
		return nil, core.BenchmarkDataf("tableio.ReadPairTable", "%s lists no gene pairs", path)
	}
	return bench, nil
}

// ReadGroupTable loads a {gene_name, group_id} table.
func ReadGroupTable(path string) (*core.GroupBenchmark, error) {
	return readMembership(path, GroupColumn, "tableio.ReadGroupTable")
}

func readMembership(path, keyColumn, op string) (*core.GroupBenchmark, error) {
	f, err := Open(path)
	if err != nil {
		return nil, core.BenchmarkDataf(op, "%w", err)
	}
	defer f.Close()
	return parseMembership(f, keyColumn, op)
}

func parseMembership(r io.Reader, keyColumn, op string) (*core.GroupBenchmark, error) {
	cr := newTSVReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, core.BenchmarkDataf(op, "reading header: %w", err)
	}
	geneCol := slices.Index(header, GeneColumn)
	keyCol := slices.Index(header, keyColumn)
	if geneCol < 0 || keyCol < 0 {
		return nil, core.BenchmarkDataf(op, "table needs columns %q and %q, has %v", GeneColumn, keyColumn, header)
	}

	groups := make(map[string][]string)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, core.BenchmarkDataf(op, "line %d: %w", line, err)
		}
		gene, key := strings.TrimSpace(rec[geneCol]), strings.TrimSpace(rec[keyCol])
		if gene == "" || key == "" {
			continue
		}
		groups[key] = append(groups[key], gene)
	}
	if len(groups) == 0 {
		return nil, core.BenchmarkDataf(op, "table has no rows")
	}
	return core.NewGroupBenchmark(groups), nil
}
