// Package correction corrects for the statistical mismatch between a fast
// rollout evaluator and a training evaluator of the same model. The two
// evaluators disagree numerically (precision, kernels, batching), so token
// probabilities diverge; training on rollout-generated data without
// correction introduces bias and instability.
//
// The package turns masked (batch, seq) log-probability tensors into
// truncated importance sampling weights, a rejection mask for out-of-band
// ratios, a catastrophic per-token veto, and a flat map of mismatch
// diagnostics. All entry points are pure functions over immutable inputs;
// independent calls may run concurrently without coordination.
package correction

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-windage/internal/maskops"
)

// metricsTag prefixes every key returned by Apply.
const metricsTag = "mismatch/"

// ISConfig enables truncated importance sampling weighting.
type ISConfig struct {
	Level     Level // LevelToken or LevelSequence
	Threshold float64
}

// RSConfig enables rejection sampling.
type RSConfig struct {
	Level          Level // LevelToken, LevelSequence or LevelGeometric
	Threshold      float64
	ThresholdLower float64 // <= 0 selects the default 1/Threshold
}

// Config selects which sub-pipelines Apply runs. A nil IS or RS disables
// that pipeline entirely; VetoThreshold <= 0 disables the catastrophic
// token veto (its metrics are still emitted as zeros for schema stability).
type Config struct {
	IS            *ISConfig
	RS            *RSConfig
	VetoThreshold float64
}

// Result is the outcome of one Apply call.
type Result struct {
	// Weights carries the truncated IS weights under WeightsKey, or is nil
	// when importance sampling was disabled.
	Weights *TensorBundle

	// Mask is the final response mask after rejection sampling and veto.
	// Always a fresh tensor, a subset of the input mask.
	Mask *mat.Dense

	// Metrics holds every produced metric, keys prefixed with "mismatch/".
	Metrics Metrics
}

// Apply runs the unified correction pipeline: log-ratio once, then the
// enabled sub-pipelines in order. Rejection sampling always starts from the
// ORIGINAL mask, not from anything importance weighting produced: the two
// are parallel, independent views of the same batch. The veto runs last and
// can zero rows the rejection mask left partially intact.
func Apply(trainLogProb, rolloutLogProb, mask *mat.Dense, cfg Config) (*Result, error) {
	start := time.Now()

	if err := checkSameShape("training log prob", trainLogProb, "rollout log prob", rolloutLogProb); err != nil {
		return nil, err
	}
	if err := checkSameShape("training log prob", trainLogProb, "response mask", mask); err != nil {
		return nil, err
	}
	if err := checkMask(mask); err != nil {
		return nil, err
	}

	rows, cols := trainLogProb.Dims()
	logRatio := mat.NewDense(rows, cols, nil)
	logRatio.Sub(trainLogProb, rolloutLogProb)

	metrics := Metrics{}

	var bundle *TensorBundle
	if cfg.IS != nil {
		weights, isMetrics, err := ComputeWeights(logRatio, mask, cfg.IS.Level, cfg.IS.Threshold)
		if err != nil {
			return nil, fmt.Errorf("importance sampling: %w", err)
		}
		metrics.merge(isMetrics)
		bundle = NewTensorBundle()
		bundle.Put(WeightsKey, weights)
	}

	working := mat.DenseCopyOf(mask)
	if cfg.RS != nil {
		rejected, rsMetrics, err := ComputeRejectionMask(logRatio, mask, cfg.RS.Level, cfg.RS.Threshold, cfg.RS.ThresholdLower)
		if err != nil {
			return nil, fmt.Errorf("rejection sampling: %w", err)
		}
		metrics.merge(rsMetrics)
		working = rejected
	}

	if cfg.VetoThreshold > 0 {
		vetoed, vetoMetrics, err := applyVeto(logRatio, mask, working, cfg.VetoThreshold)
		if err != nil {
			return nil, fmt.Errorf("token veto: %w", err)
		}
		metrics.merge(vetoMetrics)
		working = vetoed
	} else if cfg.VetoThreshold < 0 {
		return nil, fmt.Errorf("token veto threshold must be positive, got %v", cfg.VetoThreshold)
	} else {
		// Stable schema for consumers even with the veto disabled.
		metrics["rollout_is_veto_fraction"] = 0
		metrics["rollout_is_catastrophic_token_fraction"] = 0
	}

	mismatch, err := ComputeMismatchMetrics(trainLogProb, rolloutLogProb, mask)
	if err != nil {
		return nil, err
	}
	metrics.merge(mismatch)

	observeApply(metrics, rows, maskops.Count(mask), time.Since(start))

	return &Result{
		Weights: bundle,
		Mask:    working,
		Metrics: metrics.prefixed(metricsTag),
	}, nil
}
