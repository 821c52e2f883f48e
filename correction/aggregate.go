package correction

import (
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-windage/internal/maskops"
)

// aggregated is the output of the log-ratio aggregator: the multiplicative
// weight tensor obtained by safety-clamped exponentiation, plus the
// un-clamped log values kept aside for metrics and threshold checks.
type aggregated struct {
	level Level

	// weights holds exp(aggregated log-ratio) after the safety clamp,
	// broadcast back to (batch, seq). Not yet truncated or masked.
	weights *mat.Dense

	// rowLog is the un-clamped per-row aggregated log value
	// (sequence/geometric levels only).
	rowLog []float64

	// tokLog aliases the raw per-token log-ratio (token level only).
	// Read-only.
	tokLog *mat.Dense
}

// aggregateLogRatio reduces the per-token log-ratio to the requested level
// and exponentiates it with the safety clamp. Sequence and geometric values
// are broadcast back to every position of their row so the weight tensor
// keeps the input shape; padding positions are dealt with by the callers.
func aggregateLogRatio(logRatio, mask *mat.Dense, level Level) aggregated {
	rows, cols := logRatio.Dims()
	weights := mat.NewDense(rows, cols, nil)

	switch level {
	case LevelToken:
		for i := 0; i < rows; i++ {
			lr := logRatio.RawRowView(i)
			wr := weights.RawRowView(i)
			for j := 0; j < cols; j++ {
				wr[j] = maskops.StableExp(lr[j])
			}
		}
		return aggregated{level: level, weights: weights, tokLog: logRatio}

	case LevelSequence:
		rowLog := maskops.RowSum(logRatio, mask)
		broadcastExp(weights, rowLog)
		return aggregated{level: level, weights: weights, rowLog: rowLog}

	case LevelGeometric:
		rowLog := maskops.RowMean(logRatio, mask)
		broadcastExp(weights, rowLog)
		return aggregated{level: level, weights: weights, rowLog: rowLog}
	}

	// Levels are validated at the entry points before numeric code runs.
	panic("correction: unreachable aggregation level " + level.String())
}

func broadcastExp(dst *mat.Dense, rowLog []float64) {
	rows, cols := dst.Dims()
	for i := 0; i < rows; i++ {
		w := maskops.StableExp(rowLog[i])
		dr := dst.RawRowView(i)
		for j := 0; j < cols; j++ {
			dr[j] = w
		}
	}
}
