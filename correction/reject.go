package correction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ComputeRejectionMask builds a fresh response mask with outlier positions
// forced to zero. A position is kept when its aggregated ratio lies inside
// the inclusive band [lower, upper]; the comparison happens in log space on
// the un-clamped aggregated value, so ratios beyond the safety bound are
// still classified correctly. For sequence and geometric levels the decision
// is uniform across a row. Passing lower <= 0 selects the default 1/upper.
//
// The returned mask is always a subset of the input mask. Metrics carry the
// rollout_rs_* family plus the overall and per-sequence rejection rates.
func ComputeRejectionMask(logRatio, mask *mat.Dense, level Level, upper, lower float64) (*mat.Dense, Metrics, error) {
	if level != LevelToken && level != LevelSequence && level != LevelGeometric {
		return nil, nil, fmt.Errorf("invalid rejection sampling level %q: must be token, sequence or geometric", level)
	}
	if upper <= 0 {
		return nil, nil, fmt.Errorf("rejection sampling threshold must be positive, got %v", upper)
	}
	if lower <= 0 {
		lower = 1.0 / upper
	}
	if err := checkSameShape("log ratio", logRatio, "response mask", mask); err != nil {
		return nil, nil, err
	}
	if err := checkMask(mask); err != nil {
		return nil, nil, err
	}

	agg := aggregateLogRatio(logRatio, mask, level)

	logUpper := math.Log(upper)
	logLower := math.Log(lower)
	inBand := func(lv float64) bool { return lv >= logLower && lv <= logUpper }

	rows, cols := mask.Dims()
	out := mat.DenseCopyOf(mask)

	var rejectedTokens, validTokens float64
	var rejectedRows int

	if level == LevelToken {
		for i := 0; i < rows; i++ {
			lr := agg.tokLog.RawRowView(i)
			mr := mask.RawRowView(i)
			or := out.RawRowView(i)
			rowHit := false
			for j := 0; j < cols; j++ {
				if mr[j] <= 0 {
					continue
				}
				validTokens++
				if !inBand(lr[j]) {
					or[j] = 0
					rejectedTokens++
					rowHit = true
				}
			}
			if rowHit {
				rejectedRows++
			}
		}
	} else {
		for i := 0; i < rows; i++ {
			keep := inBand(agg.rowLog[i])
			if !keep {
				rejectedRows++
			}
			mr := mask.RawRowView(i)
			or := out.RawRowView(i)
			for j := 0; j < cols; j++ {
				if mr[j] <= 0 {
					continue
				}
				validTokens++
				if !keep {
					or[j] = 0
					rejectedTokens++
				}
			}
		}
	}

	stats := computeWeightStats(agg.weights, agg, mask, upper, lower)
	metrics := stats.flatten("rollout_rs")
	metrics["rollout_rs_masked_fraction"] = rejectedTokens / validTokens
	metrics["rollout_rs_seq_masked_fraction"] = float64(rejectedRows) / float64(rows)

	return out, metrics, nil
}
