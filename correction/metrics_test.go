package correction

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestEffectiveSampleSizeUniform(t *testing.T) {
	// Identical evaluators: every weight is 1, so the batch is worth its
	// full token count.
	logRatio := mat.NewDense(2, 3, nil)
	mask := mat.NewDense(2, 3, []float64{1, 1, 0, 1, 1, 1})

	_, metrics, err := ComputeWeights(logRatio, mask, LevelToken, 2.0)
	if err != nil {
		t.Fatal(err)
	}
	if ess := metrics["rollout_is_eff_sample_size"]; math.Abs(ess-5) > 1e-5 {
		t.Errorf("uniform weights: ESS = %v, want 5", ess)
	}
}

func TestEffectiveSampleSizeDominant(t *testing.T) {
	// One enormous weight, the rest negligible: the batch is statistically
	// worth about one sample.
	logRatio := mat.NewDense(1, 4, []float64{math.Log(100), -30, -30, -30})
	mask := mat.NewDense(1, 4, []float64{1, 1, 1, 1})

	_, metrics, err := ComputeWeights(logRatio, mask, LevelToken, 100.0)
	if err != nil {
		t.Fatal(err)
	}
	ess := metrics["rollout_is_eff_sample_size"]
	if ess < 1.0-1e-9 || ess > 1.1 {
		t.Errorf("dominant weight: ESS = %v, want close to 1", ess)
	}
}

func TestEffectiveSampleSizeBounds(t *testing.T) {
	logRatio := mat.NewDense(2, 3, []float64{
		0.5, -0.2, 0.9,
		-1.5, 0.1, 0.4,
	})
	mask := mat.NewDense(2, 3, []float64{1, 1, 1, 1, 1, 0})

	_, metrics, err := ComputeWeights(logRatio, mask, LevelToken, 3.0)
	if err != nil {
		t.Fatal(err)
	}
	ess := metrics["rollout_is_eff_sample_size"]
	if ess < 1 || ess > 5+1e-6 {
		t.Errorf("ESS = %v outside [1, 5]", ess)
	}
}

func TestWeightStatsStdAndESSComputation(t *testing.T) {
	// Token scenario weights are {2,1,1,1,1} after truncation; clamped to
	// [0.5, 2] they are unchanged. mean=1.2, E[w^2]=1.6:
	// std = sqrt(1.6 - 1.44) = 0.4, ESS = 5*1.44/1.6 = 4.5.
	logRatio, mask := scenarioLogRatio()

	_, metrics, err := ComputeWeights(logRatio, mask, LevelToken, 2.0)
	if err != nil {
		t.Fatal(err)
	}
	if std := metrics["rollout_is_std"]; math.Abs(std-0.4) > 1e-9 {
		t.Errorf("rollout_is_std = %v, want 0.4", std)
	}
	if ess := metrics["rollout_is_eff_sample_size"]; math.Abs(ess-4.5) > 1e-5 {
		t.Errorf("rollout_is_eff_sample_size = %v, want 4.5", ess)
	}
}

func TestTailFractionsUseLogSpace(t *testing.T) {
	// A ratio far beyond the safety bound: the returned weight saturates,
	// but the tail fraction still counts it because the comparison happens
	// on the un-clamped log value.
	logRatio := mat.NewDense(1, 2, []float64{50, 0})
	mask := mat.NewDense(1, 2, []float64{1, 1})

	_, metrics, err := ComputeWeights(logRatio, mask, LevelToken, 2.0)
	if err != nil {
		t.Fatal(err)
	}
	if m := metrics["rollout_is_ratio_fraction_high"]; math.Abs(m-0.5) > 1e-12 {
		t.Errorf("rollout_is_ratio_fraction_high = %v, want 0.5", m)
	}

	// Same on the sequence side, through the rejection computer.
	_, rsMetrics, err := ComputeRejectionMask(logRatio, mask, LevelSequence, 2.0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m := rsMetrics["rollout_rs_ratio_fraction_high"]; math.Abs(m-1) > 1e-12 {
		t.Errorf("rollout_rs_ratio_fraction_high = %v, want 1", m)
	}
	// Sequence max saturates at the safety bound instead of overflowing.
	if m := rsMetrics["rollout_rs_max"]; math.IsInf(m, 1) || m > math.Exp(20)+1 {
		t.Errorf("rollout_rs_max = %v, want saturated at exp(20)", m)
	}
}

func TestSeqSummariesSkipPaddingOnlyRows(t *testing.T) {
	// Row 1 is entirely padding: it carries no weight and must not drag the
	// row-level minimum or the low fraction toward 0.
	logRatio := mat.NewDense(2, 2, nil)
	mask := mat.NewDense(2, 2, []float64{1, 1, 0, 0})

	_, metrics, err := ComputeWeights(logRatio, mask, LevelToken, 2.0)
	if err != nil {
		t.Fatal(err)
	}
	if m := metrics["rollout_is_seq_min"]; math.Abs(m-1.0) > 1e-12 {
		t.Errorf("rollout_is_seq_min = %v, want 1", m)
	}
	if m := metrics["rollout_is_seq_mean"]; math.Abs(m-1.0) > 1e-12 {
		t.Errorf("rollout_is_seq_mean = %v, want 1", m)
	}
	if m := metrics["rollout_is_seq_fraction_low"]; m != 0 {
		t.Errorf("rollout_is_seq_fraction_low = %v, want 0", m)
	}
	if m := metrics["rollout_is_seq_max_deviation"]; m != 0 {
		t.Errorf("rollout_is_seq_max_deviation = %v, want 0", m)
	}
}

func TestSeqLevelSummaries(t *testing.T) {
	// Row means of the truncated weights: row 0 -> 1.5, row 1 -> 1.
	logRatio, mask := scenarioLogRatio()

	_, metrics, err := ComputeWeights(logRatio, mask, LevelToken, 2.0)
	if err != nil {
		t.Fatal(err)
	}

	if m := metrics["rollout_is_seq_mean"]; math.Abs(m-1.25) > 1e-12 {
		t.Errorf("rollout_is_seq_mean = %v, want 1.25", m)
	}
	if m := metrics["rollout_is_seq_max"]; math.Abs(m-1.5) > 1e-12 {
		t.Errorf("rollout_is_seq_max = %v, want 1.5", m)
	}
	if m := metrics["rollout_is_seq_min"]; math.Abs(m-1.0) > 1e-12 {
		t.Errorf("rollout_is_seq_min = %v, want 1", m)
	}
	if m := metrics["rollout_is_seq_max_deviation"]; math.Abs(m-0.5) > 1e-12 {
		t.Errorf("rollout_is_seq_max_deviation = %v, want 0.5", m)
	}
	// Sample standard deviation of {1.5, 1}.
	want := math.Sqrt(0.125)
	if m := metrics["rollout_is_seq_std"]; math.Abs(m-want) > 1e-12 {
		t.Errorf("rollout_is_seq_std = %v, want %v", m, want)
	}
}
