package correction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-windage/internal/maskops"
)

// applyVeto zeroes every row of working that contains at least one
// catastrophic token: a valid position whose raw (un-aggregated) ratio falls
// below threshold, checked as log_ratio < log(threshold) to stay exact for
// extreme values. The check runs against the original mask, so a token
// already rejected by rejection sampling can still trigger the veto for its
// row. Returns a fresh mask plus the veto metric pair.
func applyVeto(logRatio, origMask, working *mat.Dense, threshold float64) (*mat.Dense, Metrics, error) {
	if threshold <= 0 {
		return nil, nil, fmt.Errorf("token veto threshold must be positive, got %v", threshold)
	}

	logThreshold := math.Log(threshold)
	catastrophic := maskops.RowAny(logRatio, origMask, func(lv float64) bool {
		return lv < logThreshold
	})

	out := mat.DenseCopyOf(working)
	rows, cols := out.Dims()
	vetoed := 0
	for i, hit := range catastrophic {
		if !hit {
			continue
		}
		vetoed++
		or := out.RawRowView(i)
		for j := 0; j < cols; j++ {
			or[j] = 0
		}
	}

	tokenFraction := maskops.MeanFunc(logRatio, origMask, func(lv float64) float64 {
		if lv < logThreshold {
			return 1
		}
		return 0
	})

	metrics := Metrics{
		"rollout_is_veto_fraction":               float64(vetoed) / float64(rows),
		"rollout_is_catastrophic_token_fraction": tokenFraction,
	}
	return out, metrics, nil
}
