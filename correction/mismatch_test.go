package correction

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestMismatchMetricsIdentical(t *testing.T) {
	logProb := mat.NewDense(2, 3, []float64{
		-0.5, -1.0, -0.25,
		-2.0, -0.1, -0.7,
	})
	mask := mat.NewDense(2, 3, []float64{1, 1, 0, 1, 1, 1})

	metrics, err := ComputeMismatchMetrics(logProb, logProb, mask)
	if err != nil {
		t.Fatalf("ComputeMismatchMetrics: %v", err)
	}

	for _, key := range []string{"mismatch_kl", "mismatch_k3_kl", "mismatch_log_ppl_diff", "mismatch_log_ppl_abs_diff"} {
		if v := metrics[key]; math.Abs(v) > 1e-12 {
			t.Errorf("%s = %v, want 0 for identical evaluators", key, v)
		}
	}
	if v := metrics["mismatch_ppl_ratio"]; math.Abs(v-1) > 1e-12 {
		t.Errorf("mismatch_ppl_ratio = %v, want 1", v)
	}
	if metrics["mismatch_training_ppl"] != metrics["mismatch_rollout_ppl"] {
		t.Error("training and rollout perplexities should match")
	}
}

func TestMismatchMetricsKnownValues(t *testing.T) {
	// One sequence, two tokens: training assigns probability 1/2 per token,
	// rollout assigns 1/4.
	train := mat.NewDense(1, 2, []float64{-math.Log(2), -math.Log(2)})
	rollout := mat.NewDense(1, 2, []float64{-math.Log(4), -math.Log(4)})
	mask := mat.NewDense(1, 2, []float64{1, 1})

	metrics, err := ComputeMismatchMetrics(train, rollout, mask)
	if err != nil {
		t.Fatalf("ComputeMismatchMetrics: %v", err)
	}

	checks := []struct {
		key  string
		want float64
	}{
		{"mismatch_training_ppl", 2},
		{"mismatch_rollout_ppl", 4},
		{"mismatch_training_log_ppl", math.Log(2)},
		{"mismatch_rollout_log_ppl", math.Log(4)},
		// KL(rollout || training) direct estimator: E[log r - log o].
		{"mismatch_kl", -math.Log(2)},
		// K3: exp(log 2) - log 2 - 1 per token.
		{"mismatch_k3_kl", 2 - math.Log(2) - 1},
		{"mismatch_log_ppl_diff", -math.Log(2)},
		{"mismatch_log_ppl_abs_diff", math.Log(2)},
		{"mismatch_ppl_ratio", 0.5},
	}
	for _, c := range checks {
		got, ok := metrics[c.key]
		if !ok {
			t.Errorf("missing metric %s", c.key)
			continue
		}
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("%s = %v, want %v", c.key, got, c.want)
		}
	}
}

func TestMismatchMetricsWithoutRollout(t *testing.T) {
	train := mat.NewDense(1, 2, []float64{-1, -1})
	mask := mat.NewDense(1, 2, []float64{1, 1})

	metrics, err := ComputeMismatchMetrics(train, nil, mask)
	if err != nil {
		t.Fatalf("ComputeMismatchMetrics: %v", err)
	}

	if v := metrics["mismatch_training_ppl"]; math.Abs(v-math.E) > 1e-9 {
		t.Errorf("mismatch_training_ppl = %v, want e", v)
	}
	for _, key := range []string{"mismatch_kl", "mismatch_k3_kl", "mismatch_rollout_ppl", "mismatch_ppl_ratio"} {
		if _, ok := metrics[key]; ok {
			t.Errorf("metric %s should be absent without rollout log probs", key)
		}
	}
}

func TestMismatchMetricsErrors(t *testing.T) {
	train := mat.NewDense(1, 2, []float64{-1, -1})
	mask := mat.NewDense(1, 2, []float64{1, 1})

	empty := mat.NewDense(1, 2, nil)
	if _, err := ComputeMismatchMetrics(train, nil, empty); err == nil {
		t.Error("empty mask should be rejected")
	}

	wide := mat.NewDense(1, 3, []float64{-1, -1, -1})
	if _, err := ComputeMismatchMetrics(train, wide, mask); err == nil {
		t.Error("shape mismatch between evaluators should be rejected")
	}
	if _, err := ComputeMismatchMetrics(wide, nil, mask); err == nil {
		t.Error("shape mismatch with mask should be rejected")
	}
}
