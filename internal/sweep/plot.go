package sweep

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

const maxBarWidth = 40

// minMaxScale maps values onto [0, 1]. A constant series maps to zeros.
func minMaxScale(values []float64) []float64 {
	result := make([]float64, len(values))
	copy(result, values)
	if len(result) == 0 {
		return result
	}

	lo := floats.Min(result)
	hi := floats.Max(result)
	if hi != lo {
		floats.AddConst(-lo, result)
		floats.Scale(1.0/(hi-lo), result)
	} else {
		floats.Scale(0, result)
	}
	return result
}

// PlotTradeoff draws the resolution versus enrichment tradeoff as a horizontal bar
// chart, one row per resolution in ascending order. Bars show the enrichment gap when
// every point has one and the real mean -log10 p otherwise.
func PlotTradeoff(w io.Writer, res *Result) error {
	if len(res.Points) == 0 {
		_, err := fmt.Fprintln(w, "no sweep points")
		return err
	}

	useGap := true
	for _, p := range res.Points {
		if p.EnrichmentGap == nil {
			useGap = false
			break
		}
	}

	label := "real mean -log10 p"
	if useGap {
		label = "enrichment gap"
	}
	values := make([]float64, len(res.Points))
	for i, p := range res.Points {
		switch {
		case useGap:
			values[i] = *p.EnrichmentGap
		case p.Real != nil:
			values[i] = p.Real.MeanNegLog10P
		default:
			values[i] = math.NaN()
		}
	}

	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	scaled := minMaxScale(finite)

	var b strings.Builder
	fmt.Fprintf(&b, "\nResolution sweep %s (bars: %s)\n", res.RunID, label)
	b.WriteString("Resolution | Clusters | Recall real/null | -log10p real/null | Bar\n")
	b.WriteString("-----------|----------|------------------|-------------------|" + strings.Repeat("-", maxBarWidth) + "\n")

	k := 0
	for i, p := range res.Points {
		bar := "(failed)"
		if !math.IsNaN(values[i]) {
			width := int(scaled[k] * maxBarWidth)
			k++
			bar = strings.Repeat("█", width)
			if width == 0 {
				bar = "▏"
			}
			bar += fmt.Sprintf(" (%.3f)", values[i])
		}
		if res.AdvisoryBestResolution != nil && *res.AdvisoryBestResolution == p.Resolution {
			bar += " <- advisory"
		}
		fmt.Fprintf(&b, "%10g | %8s | %16s | %17s | %s\n", p.Resolution, clustersCell(p.Real),
			pairCell(p.Real, p.Null, func(s *core.BenchmarkScore) float64 { return s.PairRecall }),
			pairCell(p.Real, p.Null, func(s *core.BenchmarkScore) float64 { return s.MeanNegLog10P }), bar)
	}

	if len(finite) > 0 {
		fmt.Fprintf(&b, "\nScale: Min=%.4f, Max=%.4f\n", floats.Min(finite), floats.Max(finite))
	}
	if len(res.Failures) > 0 {
		fmt.Fprintf(&b, "%d job(s) failed\n", len(res.Failures))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func clustersCell(s *core.BenchmarkScore) string {
	if s == nil {
		return "-"
	}
	return strconv.Itoa(s.NumClusters)
}

func pairCell(realScore, nullScore *core.BenchmarkScore, get func(*core.BenchmarkScore) float64) string {
	cell := func(s *core.BenchmarkScore) string {
		if s == nil {
			return "-"
		}
		return strconv.FormatFloat(get(s), 'f', 3, 64)
	}
	return cell(realScore) + "/" + cell(nullScore)
}
