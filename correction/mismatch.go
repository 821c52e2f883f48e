package correction

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-windage/internal/maskops"
)

// ComputeMismatchMetrics derives policy-mismatch diagnostics from the two
// evaluators' log-probabilities. rolloutLogProb may be nil, in which case
// only the training perplexity figures are produced.
//
// Keys (mismatch_* family): training_ppl, training_log_ppl and, when rollout
// log-probabilities are present, kl (direct estimator E[rollout - train]),
// k3_kl (E[exp(lr) - lr - 1], better conditioned near zero KL), rollout_ppl,
// rollout_log_ppl, log_ppl_diff{,_max,_min}, log_ppl_abs_diff and ppl_ratio.
func ComputeMismatchMetrics(trainLogProb, rolloutLogProb, mask *mat.Dense) (Metrics, error) {
	if err := checkSameShape("training log prob", trainLogProb, "response mask", mask); err != nil {
		return nil, err
	}
	if rolloutLogProb != nil {
		if err := checkSameShape("training log prob", trainLogProb, "rollout log prob", rolloutLogProb); err != nil {
			return nil, err
		}
	}
	if err := checkMask(mask); err != nil {
		return nil, err
	}

	metrics := Metrics{}

	// Per-sequence perplexity is exp of the negative masked-mean log-prob;
	// the batch figure is the mean over sequences.
	meanLogProbTrain := maskops.RowMean(trainLogProb, mask)
	var pplSum, logPPLSum float64
	for _, lp := range meanLogProbTrain {
		pplSum += maskops.StableExpUpper(-lp)
		logPPLSum += -lp
	}
	batch := float64(len(meanLogProbTrain))
	metrics["mismatch_training_ppl"] = pplSum / batch
	metrics["mismatch_training_log_ppl"] = logPPLSum / batch

	if rolloutLogProb == nil {
		return metrics, nil
	}

	// Direct estimator for KL(rollout || training).
	metrics["mismatch_kl"] = maskops.MeanFunc2(rolloutLogProb, trainLogProb, mask, func(r, o float64) float64 {
		return r - o
	})

	// K3 estimator E[r - log r - 1] with r = exp(train - rollout).
	metrics["mismatch_k3_kl"] = maskops.MeanFunc2(trainLogProb, rolloutLogProb, mask, func(o, r float64) float64 {
		lr := o - r
		return maskops.StableExpUpper(lr) - lr - 1
	})

	meanLogProbRollout := maskops.RowMean(rolloutLogProb, mask)
	pplSum, logPPLSum = 0, 0
	for _, lp := range meanLogProbRollout {
		pplSum += maskops.StableExpUpper(-lp)
		logPPLSum += -lp
	}
	metrics["mismatch_rollout_ppl"] = pplSum / batch
	metrics["mismatch_rollout_log_ppl"] = logPPLSum / batch

	// Per-sequence log perplexity difference; its exponential is the
	// per-sequence perplexity ratio (inverse of the geometric IS ratio).
	logPPLDiff := make([]float64, len(meanLogProbTrain))
	var ratioSum, absSum float64
	for i := range logPPLDiff {
		d := meanLogProbRollout[i] - meanLogProbTrain[i]
		logPPLDiff[i] = d
		ratioSum += maskops.StableExpUpper(d)
		if d < 0 {
			absSum -= d
		} else {
			absSum += d
		}
	}
	metrics["mismatch_log_ppl_diff"] = stat.Mean(logPPLDiff, nil)
	metrics["mismatch_log_ppl_abs_diff"] = absSum / batch
	metrics["mismatch_log_ppl_diff_max"] = floats.Max(logPPLDiff)
	metrics["mismatch_log_ppl_diff_min"] = floats.Min(logPPLDiff)
	metrics["mismatch_ppl_ratio"] = ratioSum / batch

	return metrics, nil
}
