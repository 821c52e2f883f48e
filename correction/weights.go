package correction

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ComputeWeights converts a per-token log-ratio into truncated importance
// sampling weights (TIS). The aggregated ratio is exponentiated with the
// safety clamp, truncated on the upper side to threshold, and zeroed at
// padding positions; weights may be arbitrarily close to zero on the lower
// side. Returns the weight tensor and the rollout_is_* metric family.
//
// level must be LevelToken or LevelSequence and threshold must be positive.
func ComputeWeights(logRatio, mask *mat.Dense, level Level, threshold float64) (*mat.Dense, Metrics, error) {
	if level != LevelToken && level != LevelSequence {
		return nil, nil, fmt.Errorf("invalid importance sampling level %q: must be token or sequence", level)
	}
	if threshold <= 0 {
		return nil, nil, fmt.Errorf("importance sampling threshold must be positive, got %v", threshold)
	}
	if err := checkSameShape("log ratio", logRatio, "response mask", mask); err != nil {
		return nil, nil, err
	}
	if err := checkMask(mask); err != nil {
		return nil, nil, err
	}

	agg := aggregateLogRatio(logRatio, mask, level)

	// Truncate and zero padding in one pass over the freshly built tensor.
	weights := agg.weights
	rows, cols := weights.Dims()
	for i := 0; i < rows; i++ {
		wr := weights.RawRowView(i)
		mr := mask.RawRowView(i)
		for j := 0; j < cols; j++ {
			switch {
			case mr[j] <= 0:
				wr[j] = 0
			case wr[j] > threshold:
				wr[j] = threshold
			}
		}
	}

	stats := computeWeightStats(weights, agg, mask, threshold, 1.0/threshold)
	return weights, stats.flatten("rollout_is"), nil
}
