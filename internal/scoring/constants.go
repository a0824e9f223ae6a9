package scoring

// DefaultEvaluatorParams recovers a group only when a cluster matches it with more
// than 90% precision and more than 90% recall; both thresholds are exclusive.
func DefaultEvaluatorParams() EvaluatorParams {
	return EvaluatorParams{
		SignificanceAlpha: 1e-3,
		RecoveryPrecision: 0.9,
		RecoveryRecall:    0.9,
	}
}
