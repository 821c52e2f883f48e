package correction

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-windage/internal/maskops"
)

// Metrics is a flat mapping from metric name to scalar value. Keys are
// namespaced by family: rollout_is_* for importance-sampling weights,
// rollout_rs_* for rejection sampling, mismatch_* for policy mismatch
// diagnostics. Apply additionally prefixes every key with "mismatch/".
type Metrics map[string]float64

func (m Metrics) merge(other Metrics) {
	for k, v := range other {
		m[k] = v
	}
}

func (m Metrics) prefixed(tag string) Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[tag+k] = v
	}
	return out
}

// epsMean guards the ESS normalization against a zero mean weight.
const epsMean = 1e-8

// weightStats holds the statistics shared by the importance-sampling and
// rejection-sampling metric families. Field names map 1:1 onto the flattened
// metric keys.
type weightStats struct {
	Mean, Std, Max, Min             float64
	FractionHigh, FractionLow       float64
	EffSampleSize                   float64
	SeqMean, SeqStd                 float64
	SeqMax, SeqMin                  float64
	SeqMaxDeviation                 float64
	SeqFractionHigh, SeqFractionLow float64
}

func (s weightStats) flatten(family string) Metrics {
	return Metrics{
		family + "_mean":                s.Mean,
		family + "_std":                 s.Std,
		family + "_max":                 s.Max,
		family + "_min":                 s.Min,
		family + "_ratio_fraction_high": s.FractionHigh,
		family + "_ratio_fraction_low":  s.FractionLow,
		family + "_eff_sample_size":     s.EffSampleSize,
		family + "_seq_mean":            s.SeqMean,
		family + "_seq_std":             s.SeqStd,
		family + "_seq_max":             s.SeqMax,
		family + "_seq_min":             s.SeqMin,
		family + "_seq_max_deviation":   s.SeqMaxDeviation,
		family + "_seq_fraction_high":   s.SeqFractionHigh,
		family + "_seq_fraction_low":    s.SeqFractionLow,
	}
}

// computeWeightStats derives the shared weight statistics from a weight
// tensor and the un-clamped aggregated log values it was built from.
// Threshold comparisons always happen in log space on the un-clamped values,
// so extreme ratios are classified correctly no matter how the weight tensor
// itself was clamped or truncated.
func computeWeightStats(weights *mat.Dense, agg aggregated, mask *mat.Dense, upper, lower float64) weightStats {
	var s weightStats

	logUpper := math.Log(upper)
	logLower := math.Log(lower)
	rows, _ := weights.Dims()

	s.Mean = maskops.Mean(weights, mask)

	switch agg.level {
	case LevelSequence, LevelGeometric:
		// True extremes come from the un-clamped per-row log values.
		s.Max = maskops.StableExpUpper(floats.Max(agg.rowLog))
		s.Min = maskops.StableExpUpper(floats.Min(agg.rowLog))

		if agg.level == LevelSequence {
			// One decision per row; averaging over tokens would weight rows
			// by their padding-dependent lengths.
			var high, low int
			for _, lv := range agg.rowLog {
				if lv > logUpper {
					high++
				}
				if lv < logLower {
					low++
				}
			}
			s.FractionHigh = float64(high) / float64(rows)
			s.FractionLow = float64(low) / float64(rows)
		} else {
			// Geometric weights are still applied per token, so the tail
			// fractions are token-weighted.
			var high, low, valid float64
			for i := 0; i < rows; i++ {
				n := rowValidCount(mask, i)
				valid += n
				if agg.rowLog[i] > logUpper {
					high += n
				}
				if agg.rowLog[i] < logLower {
					low += n
				}
			}
			s.FractionHigh = high / valid
			s.FractionLow = low / valid
		}

	default: // LevelToken
		s.Max, s.Min = maskops.MaxMin(weights, mask)
		s.FractionHigh = maskops.MeanFunc(agg.tokLog, mask, func(lv float64) float64 {
			if lv > logUpper {
				return 1
			}
			return 0
		})
		s.FractionLow = maskops.MeanFunc(agg.tokLog, mask, func(lv float64) float64 {
			if lv < logLower {
				return 1
			}
			return 0
		})
	}

	// Std and ESS use a threshold-clamped copy of the weights so a single
	// outlier cannot dominate the squared terms.
	clamp := func(w float64) float64 {
		if w < lower {
			return lower
		}
		if w > upper {
			return upper
		}
		return w
	}
	validCount := maskops.Count(mask)
	meanClamped := maskops.MeanFunc(weights, mask, clamp)
	meanSqClamped := maskops.MeanFunc(weights, mask, func(w float64) float64 {
		c := clamp(w)
		return c * c
	})
	if validCount > 1 {
		variance := meanSqClamped - meanClamped*meanClamped
		if variance < 0 {
			variance = 0
		}
		s.Std = math.Sqrt(variance)
	}

	// ESS = (sum w)^2 / sum w^2, i.e. N / E[(w/E[w])^2]. Uniform weights give
	// exactly the valid token count; one dominant weight drives it toward 1.
	norm := meanClamped + epsMean
	s.EffSampleSize = float64(validCount) * norm * norm / (meanSqClamped + epsMean*epsMean)

	// Row-level spread of the applied weights. Rows with no valid token have
	// no weight at all; RowMean reports them as 0, which must not count as a
	// genuinely low row mean.
	allRowMeans := maskops.RowMean(weights, mask)
	rowMeans := make([]float64, 0, len(allRowMeans))
	for i, rm := range allRowMeans {
		if rowValidCount(mask, i) > 0 {
			rowMeans = append(rowMeans, rm)
		}
	}
	s.SeqMean = stat.Mean(rowMeans, nil)
	if len(rowMeans) > 1 {
		s.SeqStd = stat.StdDev(rowMeans, nil)
	}
	s.SeqMax = floats.Max(rowMeans)
	s.SeqMin = floats.Min(rowMeans)
	var highRows, lowRows int
	for _, rm := range rowMeans {
		if dev := math.Abs(rm - 1.0); dev > s.SeqMaxDeviation {
			s.SeqMaxDeviation = dev
		}
		if rm > upper {
			highRows++
		}
		if rm < lower {
			lowRows++
		}
	}
	s.SeqFractionHigh = float64(highRows) / float64(len(rowMeans))
	s.SeqFractionLow = float64(lowRows) / float64(len(rowMeans))

	return s
}

func rowValidCount(mask *mat.Dense, i int) float64 {
	row := mask.RawRowView(i)
	var n float64
	for _, v := range row {
		if v > 0 {
			n++
		}
	}
	return n
}
